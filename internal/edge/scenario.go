// Package edge emulates the detection service: a websocket endpoint that
// answers request frames with one detection record per camera.
package edge

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/gridfinder/internal/model"
	"github.com/tinytelemetry/gridfinder/internal/zorder"
)

const (
	DefaultDetections     = 10
	DefaultCollectTimeout = time.Second
)

// ErrInvalidScenario is returned for scenarios that cannot be served.
var ErrInvalidScenario = errors.New("edge: invalid scenario")

// Camera is one reporting location. Objects fixes what it sees; an empty
// list means a fresh random draw per request.
type Camera struct {
	Location string        `yaml:"location"`
	Objects  []string      `yaml:"objects"`
	Delay    time.Duration `yaml:"delay"`
	DropRate float64       `yaml:"drop_rate"`
}

// Scenario describes the emulated deployment.
type Scenario struct {
	Cameras []Camera `yaml:"cameras"`
	// Classes is the pool for random draws. Empty uses the built-in pool.
	Classes []string `yaml:"classes"`
	// Detections is how many objects a random draw returns.
	Detections int `yaml:"detections"`
	// Delay and DropRate apply to cameras that leave theirs unset.
	Delay    time.Duration `yaml:"delay"`
	DropRate float64       `yaml:"drop_rate"`
	// CollectTimeout bounds how long a request waits for its cameras. It is
	// further capped by the request lifetime.
	CollectTimeout time.Duration `yaml:"collect_timeout"`
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("edge: read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario. Unknown keys are
// rejected.
func ParseScenario(data []byte) (Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	sc.applyDefaults()
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// DefaultScenario places one randomly detecting camera on every cell of a
// grid with the given levels, reporting locations the way the service does
// for that offset.
func DefaultScenario(levels int, offset int64) (Scenario, error) {
	if levels < 1 || levels > 6 {
		return Scenario{}, fmt.Errorf("%w: default scenario supports 1..6 levels, got %d", ErrInvalidScenario, levels)
	}
	locator := zorder.NewLocator(offset)
	side := zorder.Side(levels)
	sc := Scenario{Cameras: make([]Camera, 0, side*side)}
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			loc, err := locator.Location(model.Coord{X: x, Y: y}, levels)
			if err != nil {
				return Scenario{}, err
			}
			sc.Cameras = append(sc.Cameras, Camera{Location: strconv.FormatInt(loc, 10)})
		}
	}
	sc.applyDefaults()
	return sc, nil
}

func (sc *Scenario) applyDefaults() {
	if len(sc.Classes) == 0 {
		sc.Classes = BuiltinClasses()
	}
	if sc.Detections <= 0 {
		sc.Detections = DefaultDetections
	}
	if sc.CollectTimeout <= 0 {
		sc.CollectTimeout = DefaultCollectTimeout
	}
	for i := range sc.Cameras {
		if sc.Cameras[i].Delay == 0 {
			sc.Cameras[i].Delay = sc.Delay
		}
		if sc.Cameras[i].DropRate == 0 {
			sc.Cameras[i].DropRate = sc.DropRate
		}
	}
}

// Validate reports the first problem that would stop the scenario from
// being served.
func (sc Scenario) Validate() error {
	if len(sc.Cameras) == 0 {
		return fmt.Errorf("%w: no cameras", ErrInvalidScenario)
	}
	if sc.DropRate < 0 || sc.DropRate > 1 {
		return fmt.Errorf("%w: drop_rate %v outside 0..1", ErrInvalidScenario, sc.DropRate)
	}
	for i, cam := range sc.Cameras {
		if _, err := cam.location(); err != nil {
			return fmt.Errorf("%w: camera %d: %v", ErrInvalidScenario, i, err)
		}
		if cam.Delay < 0 {
			return fmt.Errorf("%w: camera %d: negative delay", ErrInvalidScenario, i)
		}
		if cam.DropRate < 0 || cam.DropRate > 1 {
			return fmt.Errorf("%w: camera %d: drop_rate %v outside 0..1", ErrInvalidScenario, i, cam.DropRate)
		}
	}
	return nil
}

func (c Camera) location() (int64, error) {
	if c.Location == "" {
		return 0, errors.New("location is empty")
	}
	loc, err := strconv.ParseInt(c.Location, 10, 64)
	if err != nil || loc < 0 {
		return 0, fmt.Errorf("location %q is not a non-negative integer", c.Location)
	}
	return loc, nil
}
