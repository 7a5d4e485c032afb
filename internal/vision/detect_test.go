package vision

import (
	"testing"

	"github.com/your-org/snapflow/internal/models"
)

func TestDecodeAnchorScalesAndClamps(t *testing.T) {
	box := []float32{1, 1, 2, 2}
	lm := make([]float32, 10)
	lm[0], lm[1] = 0.5, -0.5

	// 640 input mapped to a 320x1280 image.
	det := decodeAnchor([2]float32{16, 16}, 8, box, lm, [2]float32{0.5, 2}, [2]float32{320, 1280})
	want := models.BBox{X1: 4, Y1: 16, X2: 16, Y2: 64}
	if det.BBox != want {
		t.Fatalf("bbox = %+v, want %+v", det.BBox, want)
	}
	if det.Landmarks[0] != [2]float32{10, 24} {
		t.Fatalf("left eye = %v", det.Landmarks[0])
	}

	edge := decodeAnchor([2]float32{0, 0}, 32, box, lm, [2]float32{1, 1}, [2]float32{100, 100})
	if edge.BBox.X1 != 0 || edge.BBox.Y1 != 0 {
		t.Fatalf("box not clamped: %+v", edge.BBox)
	}
}

func TestNMSKeepsStrongestOverlap(t *testing.T) {
	dets := []Detection{
		{BBox: models.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}, Confidence: 0.6},
		{BBox: models.BBox{X1: 1, Y1: 1, X2: 11, Y2: 11}, Confidence: 0.9},
		{BBox: models.BBox{X1: 50, Y1: 50, X2: 60, Y2: 60}, Confidence: 0.7},
	}
	got := nms(dets, 0.4)
	if len(got) != 2 {
		t.Fatalf("kept %d detections, want 2", len(got))
	}
	if got[0].Confidence != 0.9 || got[1].Confidence != 0.7 {
		t.Fatalf("unexpected survivors %+v", got)
	}
}
