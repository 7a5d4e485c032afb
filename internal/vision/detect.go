package vision

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/snapflow/internal/models"
)

// ErrNoFace is returned when an image that must contain a face has none.
var ErrNoFace = errors.New("no face detected")

// Landmark indices in Detection.Landmarks.
const (
	LandmarkLeftEye = iota
	LandmarkRightEye
	LandmarkNose
	LandmarkMouthLeft
	LandmarkMouthRight
)

// Detection represents a detected face.
type Detection struct {
	BBox       models.BBox
	Confidence float32
	Landmarks  [5][2]float32 // eyes, nose, mouth corners
}

// FaceDetector finds faces in a decoded image.
type FaceDetector interface {
	Detect(img image.Image) ([]Detection, error)
}

// Detector runs RetinaFace face detection using ONNX Runtime.
// Tensors are bound to the session, so Detect calls are serialized.
type Detector struct {
	mu            sync.Mutex
	session       *ort.AdvancedSession
	inputTensor   *ort.Tensor[float32]
	outputTensors []*ort.Tensor[float32]
	threshold     float32
	inputW        int
	inputH        int
}

// stride configuration for RetinaFace det_10g
var strides = []int{8, 16, 32}

// anchorsPerStride is the number of anchors per pixel at each stride
const anchorsPerStride = 2

// NewDetector loads the RetinaFace ONNX model.
// opts may be nil (ORT defaults) or a pre-configured *ort.SessionOptions.
func NewDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*Detector, error) {
	inputW, inputH := 640, 640

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	// det_10g output shapes (NO batch dimension):
	// scores:    [12800,1] [3200,1] [800,1]     -> stride 8, 16, 32
	// bboxes:    [12800,4] [3200,4] [800,4]     -> stride 8, 16, 32
	// landmarks: [12800,10] [3200,10] [800,10]  -> stride 8, 16, 32
	//
	// 12800 = (640/8)*(640/8)*2   = 80*80*2
	// 3200  = (640/16)*(640/16)*2 = 40*40*2
	// 800   = (640/32)*(640/32)*2 = 20*20*2

	type outputSpec struct {
		name  string
		shape ort.Shape
	}

	outputs := []outputSpec{
		{"448", ort.NewShape(12800, 1)},  // scores stride 8
		{"471", ort.NewShape(3200, 1)},   // scores stride 16
		{"494", ort.NewShape(800, 1)},    // scores stride 32
		{"451", ort.NewShape(12800, 4)},  // bboxes stride 8
		{"474", ort.NewShape(3200, 4)},   // bboxes stride 16
		{"497", ort.NewShape(800, 4)},    // bboxes stride 32
		{"454", ort.NewShape(12800, 10)}, // landmarks stride 8
		{"477", ort.NewShape(3200, 10)},  // landmarks stride 16
		{"500", ort.NewShape(800, 10)},   // landmarks stride 32
	}

	outputNames := make([]string, len(outputs))
	outputTensors := make([]*ort.Tensor[float32], len(outputs))
	outputValues := make([]ort.Value, len(outputs))

	for i, spec := range outputs {
		outputNames[i] = spec.name
		t, err := ort.NewEmptyTensor[float32](spec.shape)
		if err != nil {
			// Cleanup already created tensors
			for j := 0; j < i; j++ {
				outputTensors[j].Destroy()
			}
			inputTensor.Destroy()
			return nil, fmt.Errorf("create output tensor %d (%s): %w", i, spec.name, err)
		}
		outputTensors[i] = t
		outputValues[i] = t
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		outputNames,
		[]ort.Value{inputTensor},
		outputValues,
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		for _, t := range outputTensors {
			t.Destroy()
		}
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &Detector{
		session:       session,
		inputTensor:   inputTensor,
		outputTensors: outputTensors,
		threshold:     threshold,
		inputW:        inputW,
		inputH:        inputH,
	}, nil
}

// Detect runs face detection on img. Box and landmark coordinates are in
// img's pixel space.
func (d *Detector) Detect(img image.Image) ([]Detection, error) {
	b := img.Bounds()
	input := imageToFloat32CHW(img, d.inputW, d.inputH,
		[3]float32{127.5, 127.5, 127.5}, [3]float32{128.0, 128.0, 128.0})

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.inputTensor.GetData(), input)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	detections := d.parseDetections(b.Dx(), b.Dy())
	detections = nms(detections, 0.4)
	for i := range detections {
		detections[i].BBox.X1 += float32(b.Min.X)
		detections[i].BBox.X2 += float32(b.Min.X)
		detections[i].BBox.Y1 += float32(b.Min.Y)
		detections[i].BBox.Y2 += float32(b.Min.Y)
		for li := range detections[i].Landmarks {
			detections[i].Landmarks[li][0] += float32(b.Min.X)
			detections[i].Landmarks[li][1] += float32(b.Min.Y)
		}
	}
	return detections, nil
}

// parseDetections decodes anchor-based RetinaFace outputs at strides 8, 16, 32.
// Outputs are grouped as three score, three box and three landmark tensors.
func (d *Detector) parseDetections(origW, origH int) []Detection {
	var detections []Detection
	scale := [2]float32{float32(origW) / float32(d.inputW), float32(origH) / float32(d.inputH)}
	bounds := [2]float32{float32(origW), float32(origH)}

	for si, stride := range strides {
		scores := d.outputTensors[si].GetData()      // [N, 1]
		boxes := d.outputTensors[si+3].GetData()     // [N, 4]
		landmarks := d.outputTensors[si+6].GetData() // [N, 10]

		cols := d.inputW / stride
		for idx, score := range scores {
			if score < d.threshold {
				continue
			}
			cell := idx / anchorsPerStride
			anchor := [2]float32{
				float32(cell%cols) * float32(stride),
				float32(cell/cols) * float32(stride),
			}
			det := decodeAnchor(anchor, float32(stride), boxes[idx*4:idx*4+4], landmarks[idx*10:idx*10+10], scale, bounds)
			det.Confidence = score
			detections = append(detections, det)
		}
	}

	return detections
}

// decodeAnchor turns one anchor's edge distances and landmark offsets, given
// in stride units, into a detection in original image pixels.
func decodeAnchor(anchor [2]float32, stride float32, box, lm []float32, scale, bounds [2]float32) Detection {
	var det Detection
	det.BBox = models.BBox{
		X1: clampF((anchor[0]-box[0]*stride)*scale[0], 0, bounds[0]),
		Y1: clampF((anchor[1]-box[1]*stride)*scale[1], 0, bounds[1]),
		X2: clampF((anchor[0]+box[2]*stride)*scale[0], 0, bounds[0]),
		Y2: clampF((anchor[1]+box[3]*stride)*scale[1], 0, bounds[1]),
	}
	for li := range det.Landmarks {
		det.Landmarks[li][0] = (anchor[0] + lm[li*2]*stride) * scale[0]
		det.Landmarks[li][1] = (anchor[1] + lm[li*2+1]*stride) * scale[1]
	}
	return det
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	for _, t := range d.outputTensors {
		if t != nil {
			t.Destroy()
		}
	}
}

// FilterByArea drops detections whose box is smaller than minArea pixels.
func FilterByArea(dets []Detection, minArea float64) []Detection {
	out := dets[:0]
	for _, d := range dets {
		if float64(d.BBox.Area()) >= minArea {
			out = append(out, d)
		}
	}
	return out
}

// Best returns the highest-confidence detection.
func Best(dets []Detection) (Detection, error) {
	if len(dets) == 0 {
		return Detection{}, ErrNoFace
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, nil
}

// nms performs Non-Maximum Suppression on detections.
func nms(detections []Detection, iouThreshold float32) []Detection {
	if len(detections) == 0 {
		return detections
	}

	sort.Slice(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	keep := make([]bool, len(detections))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(detections); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(detections); j++ {
			if !keep[j] {
				continue
			}
			if iou(detections[i].BBox, detections[j].BBox) > iouThreshold {
				keep[j] = false
			}
		}
	}

	var result []Detection
	for i, d := range detections {
		if keep[i] {
			result = append(result, d)
		}
	}
	return result
}

func iou(a, b models.BBox) float32 {
	x1 := float32(math.Max(float64(a.X1), float64(b.X1)))
	y1 := float32(math.Max(float64(a.Y1), float64(b.Y1)))
	x2 := float32(math.Min(float64(a.X2), float64(b.X2)))
	y2 := float32(math.Min(float64(a.Y2), float64(b.Y2)))

	intersection := float32(math.Max(0, float64(x2-x1))) * float32(math.Max(0, float64(y2-y1)))

	union := a.Area() + b.Area() - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}

func clampF(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
