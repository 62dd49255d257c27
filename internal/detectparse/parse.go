// Package detectparse decodes detection service response payloads.
//
// A payload holds one JSON object per line:
//
//	{"target":"person","isFound":true,"location":"30123","time":"12:00","session_id":"..."}
//
// location may be a JSON number or a decimal string; the edge service sends
// strings.
package detectparse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

// ErrMalformedPayload is returned when any line of a payload is not a
// well-formed detection record.
var ErrMalformedPayload = errors.New("detectparse: malformed payload")

var lineSplit = regexp.MustCompile(`\r\n|\r|\n`)

// maxExponent bounds the exponent accepted in a location so a short line
// cannot demand an enormous exact expansion.
const maxExponent = 400

var numberPattern = regexp.MustCompile(`^-?(?:0|[1-9][0-9]*)(?:\.[0-9]+)?(?:[eE]([+-]?[0-9]+))?$`)

// Parse splits raw into lines and decodes each as a detection record.
// The first bad line fails the whole payload.
func Parse(raw string) ([]model.DetectionRecord, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	lines := lineSplit.Split(trimmed, -1)
	records := make([]model.DetectionRecord, 0, len(lines))
	for i, line := range lines {
		rec, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ParseLine decodes a single record. The line must be exactly one JSON
// object and field names match case-sensitively.
func ParseLine(line string) (model.DetectionRecord, error) {
	if !json.Valid([]byte(line)) {
		return model.DetectionRecord{}, fmt.Errorf("%w: not a single JSON value", ErrMalformedPayload)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return model.DetectionRecord{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return model.DetectionRecord{}, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}

	var rec model.DetectionRecord
	if err := field(fields, "target", &rec.Target); err != nil {
		return model.DetectionRecord{}, err
	}
	if err := field(fields, "isFound", &rec.IsFound); err != nil {
		return model.DetectionRecord{}, err
	}
	raw, ok := present(fields, "location")
	if !ok {
		return model.DetectionRecord{}, missing("location")
	}
	loc, err := parseLocation(raw)
	if err != nil {
		return model.DetectionRecord{}, err
	}
	rec.Location = loc
	if err := field(fields, "time", &rec.Time); err != nil {
		return model.DetectionRecord{}, err
	}
	if raw, ok := present(fields, "session_id"); ok {
		if err := json.Unmarshal(raw, &rec.SessionID); err != nil {
			return model.DetectionRecord{}, fmt.Errorf("%w: session_id: %v", ErrMalformedPayload, err)
		}
	}
	return rec, nil
}

// present returns the raw value of key, treating an explicit null as absent.
func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return nil, false
	}
	return raw, true
}

func field(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := present(fields, key)
	if !ok {
		return missing(key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing field %q", ErrMalformedPayload, field)
}

// parseLocation accepts a JSON number or a string holding one. The value
// must be a non-negative integer; 30002.0 and 3.0002e4 both qualify.
func parseLocation(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	var text string
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%w: location: %v", ErrMalformedPayload, err)
		}
		text = strings.TrimSpace(text)
	} else {
		text = string(raw)
	}

	loc, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		loc, err = parseIntegral(text)
		if err != nil {
			return 0, err
		}
	}
	if loc < 0 {
		return 0, fmt.Errorf("%w: location %d is negative", ErrMalformedPayload, loc)
	}
	return loc, nil
}

// parseIntegral handles numbers written with a fraction or exponent.
func parseIntegral(text string) (int64, error) {
	m := numberPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("%w: location %q is not an integer", ErrMalformedPayload, text)
	}
	if m[1] != "" {
		exp, err := strconv.Atoi(m[1])
		if err != nil || exp > maxExponent || exp < -maxExponent {
			return 0, fmt.Errorf("%w: location %q is out of range", ErrMalformedPayload, text)
		}
	}
	r, ok := new(big.Rat).SetString(text)
	if !ok || !r.IsInt() {
		return 0, fmt.Errorf("%w: location %q is not an integer", ErrMalformedPayload, text)
	}
	if !r.Num().IsInt64() {
		return 0, fmt.Errorf("%w: location %q is out of range", ErrMalformedPayload, text)
	}
	return r.Num().Int64(), nil
}

// Format encodes records one per line, the inverse of Parse. Locations are
// written as decimal strings.
func Format(records []model.DetectionRecord) (string, error) {
	var b strings.Builder
	for i, r := range records {
		line, err := json.Marshal(map[string]any{
			"target":     r.Target,
			"isFound":    r.IsFound,
			"location":   strconv.FormatInt(r.Location, 10),
			"time":       r.Time,
			"session_id": r.SessionID,
		})
		if err != nil {
			return "", fmt.Errorf("detectparse: format record %d: %w", i, err)
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.Write(line)
	}
	return b.String(), nil
}
