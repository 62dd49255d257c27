// Package timestamp normalizes the free-form "time" field of detection records.
package timestamp

import (
	"strings"
	"time"
)

// Result is the outcome of parsing one time string.
type Result struct {
	Timestamp time.Time
	Found     bool
	TimeOnly  bool // the input had no date and was anchored to the reference day
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	time.ANSIC,
	time.UnixDate,
}

var timeOnlyLayouts = []string{
	"15:04:05.999999999",
	"15:04:05",
	"15:04",
}

// Parser converts time strings into timestamps. Time-only values are placed
// on the day returned by Now.
type Parser struct {
	Now      func() time.Time
	Location *time.Location
}

// NewParser returns a parser anchored to the local clock.
func NewParser() *Parser {
	return &Parser{Now: time.Now, Location: time.Local}
}

// Parse tries full date-time layouts first, then time-only layouts.
func (p *Parser) Parse(s string) Result {
	s = strings.TrimSpace(s)
	if s == "" {
		return Result{}
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}

	for _, layout := range dateTimeLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return Result{Timestamp: ts, Found: true}
		}
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	ref := now().In(loc)
	for _, layout := range timeOnlyLayouts {
		ts, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		anchored := time.Date(ref.Year(), ref.Month(), ref.Day(),
			ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), loc)
		return Result{Timestamp: anchored, Found: true, TimeOnly: true}
	}
	return Result{}
}
