package edge

import (
	"math/rand/v2"
	"slices"
	"sync"
)

// cocoClasses is the COCO label set used by the camera workers.
var cocoClasses = []string{
	"person", "bicycle", "car", "motorbike", "aeroplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"sofa", "pottedplant", "bed", "diningtable", "toilet", "tvmonitor", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// BuiltinClasses returns the random draw pool: the COCO labels without
// "person", matching the emulated workers.
func BuiltinClasses() []string {
	return slices.DeleteFunc(slices.Clone(cocoClasses), func(c string) bool { return c == "person" })
}

// Detector lists the objects a camera sees for one request.
type Detector interface {
	Detect(cam Camera) []string
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(cam Camera) []string

// Detect calls f.
func (f DetectorFunc) Detect(cam Camera) []string { return f(cam) }

// scenarioDetector returns a camera's fixed objects, or a shuffled draw
// from the class pool when it has none.
type scenarioDetector struct {
	mu      sync.Mutex
	rng     *rand.Rand
	classes []string
	n       int
}

func newScenarioDetector(sc Scenario, rng *rand.Rand) *scenarioDetector {
	return &scenarioDetector{rng: rng, classes: slices.Clone(sc.Classes), n: sc.Detections}
}

func (d *scenarioDetector) Detect(cam Camera) []string {
	if len(cam.Objects) > 0 {
		return cam.Objects
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rng.Shuffle(len(d.classes), func(i, j int) {
		d.classes[i], d.classes[j] = d.classes[j], d.classes[i]
	})
	return slices.Clone(d.classes[:min(d.n, len(d.classes))])
}
