package recognition

import (
	"fmt"
	"image"
	"log/slog"
	"sort"

	"github.com/your-org/snapflow/internal/vision"
)

// Method is one embedding model with its acceptance threshold.
type Method struct {
	Embedder  vision.FaceEmbedder
	Threshold float64 // minimum confidence, 0-100
	Secondary bool
}

func (m Method) Name() string { return m.Embedder.Method() }

// Encoder detects, aligns and embeds faces. It is shared by the encoding
// cache (reference images) and the matcher (event photos).
type Encoder struct {
	detector    vision.FaceDetector
	methods     []Method
	minFaceArea float64
}

func NewEncoder(detector vision.FaceDetector, methods []Method, minFaceArea float64) (*Encoder, error) {
	if len(methods) == 0 {
		return nil, fmt.Errorf("no matching methods configured")
	}
	primary := 0
	for _, m := range methods {
		if !m.Secondary {
			primary++
		}
	}
	if primary == 0 {
		return nil, fmt.Errorf("no primary matching method configured")
	}
	return &Encoder{detector: detector, methods: methods, minFaceArea: minFaceArea}, nil
}

// Methods returns the configured methods, primary family first.
func (e *Encoder) Methods() []Method {
	out := make([]Method, len(e.methods))
	copy(out, e.methods)
	sort.SliceStable(out, func(i, j int) bool { return !out[i].Secondary && out[j].Secondary })
	return out
}

// Faces detects faces and drops those below the minimum area. The result is
// ordered top-to-bottom, left-to-right so repeated runs agree on indices.
func (e *Encoder) Faces(img image.Image) ([]vision.Detection, error) {
	dets, err := e.detector.Detect(img)
	if err != nil {
		return nil, err
	}
	dets = vision.FilterByArea(dets, e.minFaceArea)
	sort.SliceStable(dets, func(i, j int) bool {
		if dets[i].BBox.Y1 != dets[j].BBox.Y1 {
			return dets[i].BBox.Y1 < dets[j].BBox.Y1
		}
		return dets[i].BBox.X1 < dets[j].BBox.X1
	})
	return dets, nil
}

// Embed runs every method in methods on an aligned face. A failing method is
// logged and left out of the result.
func (e *Encoder) Embed(face image.Image, methods []Method) map[string][]float32 {
	out := make(map[string][]float32, len(methods))
	for _, m := range methods {
		vec, err := m.Embedder.Embed(face)
		if err != nil {
			slog.Warn("embed face", "method", m.Name(), "error", err)
			continue
		}
		out[m.Name()] = vec
	}
	return out
}

// EncodeReference embeds the most confident face of a reference image with
// every method. It returns vision.ErrNoFace when no usable face is found.
func (e *Encoder) EncodeReference(img image.Image) (map[string][]float32, error) {
	dets, err := e.Faces(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	best, err := vision.Best(dets)
	if err != nil {
		return nil, err
	}
	aligned := vision.Align(img, best)
	if aligned == nil {
		return nil, vision.ErrNoFace
	}
	embs := e.Embed(aligned, e.methods)
	if len(embs) == 0 {
		return nil, fmt.Errorf("all methods failed: %w", vision.ErrNoFace)
	}
	return embs, nil
}
