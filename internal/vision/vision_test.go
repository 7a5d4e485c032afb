package vision_test

import (
	"image"
	"math"
	"testing"

	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/vision"
	"github.com/your-org/snapflow/internal/vision/visiontest"
)

func TestDecodeFormats(t *testing.T) {
	src := visiontest.Textured(64, 48, 8, 1)
	for name, data := range map[string][]byte{
		"jpeg": visiontest.JPEG(src),
		"png":  visiontest.PNG(src),
	} {
		img, err := vision.Decode(data)
		if err != nil {
			t.Fatalf("%s: Decode: %v", name, err)
		}
		if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
			t.Errorf("%s: bounds = %v", name, b)
		}
	}
	if _, err := vision.Decode([]byte("not an image")); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestLaplacianVarianceDropsWithBlur(t *testing.T) {
	sharp := visiontest.Textured(128, 128, 4, 7)
	blurred := visiontest.GaussianBlur(sharp, 3)

	vs := vision.NewGray(sharp).LaplacianVariance()
	vb := vision.NewGray(blurred).LaplacianVariance()
	if vb >= vs {
		t.Fatalf("blurred variance %.1f should be below sharp %.1f", vb, vs)
	}
	if flat := vision.NewGray(visiontest.Uniform(32, 32, visiontest.Red)).LaplacianVariance(); flat > 1e-9 {
		t.Errorf("uniform image variance = %v, want 0", flat)
	}
}

func TestGrayStats(t *testing.T) {
	g := vision.NewGray(visiontest.Uniform(10, 10, visiontest.Background))
	if math.Abs(g.Mean()-20) > 0.01 {
		t.Errorf("mean = %v, want 20", g.Mean())
	}
	if g.StdDev() > 1e-9 {
		t.Errorf("stddev = %v, want 0", g.StdDev())
	}
	hist := g.Histogram()
	if hist[20] != 100 {
		t.Errorf("hist[20] = %d, want 100", hist[20])
	}
	sub := g.Sub(image.Rect(5, 5, 20, 20))
	if sub.W != 5 || sub.H != 5 {
		t.Errorf("sub = %dx%d, want 5x5", sub.W, sub.H)
	}
}

func TestCropClampsToImage(t *testing.T) {
	img := visiontest.Scene(100, 100)
	crop := vision.Crop(img, models.BBox{X1: 80, Y1: 80, X2: 120, Y2: 120}, 0)
	if crop == nil {
		t.Fatal("crop is nil")
	}
	if b := crop.Bounds(); b.Dx() != 20 || b.Dy() != 20 {
		t.Errorf("crop bounds = %v, want 20x20", b)
	}
	if vision.Crop(img, models.BBox{X1: 10, Y1: 10, X2: 5, Y2: 20}, 0) != nil {
		t.Error("degenerate box should give nil")
	}
	if vision.Crop(img, models.BBox{X1: 200, Y1: 200, X2: 220, Y2: 220}, 0) != nil {
		t.Error("box outside image should give nil")
	}
}

func TestFitKeepsAspect(t *testing.T) {
	out := vision.Fit(visiontest.Scene(400, 200), 100)
	if b := out.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("fit = %v, want 100x50", b)
	}
	small := vision.Fit(visiontest.Scene(40, 20), 100)
	if b := small.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Errorf("small fit = %v, want unchanged", b)
	}
}

func TestEyeAngleAndAlign(t *testing.T) {
	d := vision.Detection{
		BBox: models.BBox{X1: 20, Y1: 20, X2: 80, Y2: 80},
	}
	d.Landmarks[vision.LandmarkLeftEye] = [2]float32{30, 40}
	d.Landmarks[vision.LandmarkRightEye] = [2]float32{70, 40}
	if a := vision.EyeAngle(d); a != 0 {
		t.Errorf("level eyes angle = %v, want 0", a)
	}

	d.Landmarks[vision.LandmarkRightEye] = [2]float32{70, 80}
	if a := vision.EyeAngle(d); math.Abs(a-math.Pi/4) > 1e-6 {
		t.Errorf("tilted angle = %v, want pi/4", a)
	}

	img := visiontest.Scene(100, 100)
	aligned := vision.Align(img, d)
	if aligned == nil {
		t.Fatal("aligned crop is nil")
	}
	crop := vision.Crop(img, d.BBox, 0.2)
	if aligned.Bounds() != crop.Bounds() {
		t.Errorf("aligned bounds %v differ from crop %v", aligned.Bounds(), crop.Bounds())
	}
}

func TestRotateQuarterTurnMovesPixel(t *testing.T) {
	img := visiontest.Scene(21, 21)
	img.SetRGBA(15, 10, visiontest.Red) // right of centre
	out := vision.Rotate(img, math.Pi/2)

	// a clockwise quarter turn moves the right-hand pixel below the centre
	c := out.RGBAAt(10, 15)
	if c.R < 100 {
		t.Errorf("expected red below centre after rotation, got %v", c)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := vision.CosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
	if c := vision.Confidence(-0.3); c != 0 {
		t.Errorf("negative similarity confidence = %v, want 0", c)
	}
	if c := vision.Confidence(0.62); math.Abs(c-62) > 1e-9 {
		t.Errorf("confidence = %v, want 62", c)
	}
}

func TestFilterByAreaAndBest(t *testing.T) {
	dets := []vision.Detection{
		{BBox: models.BBox{X2: 10, Y2: 10}, Confidence: 0.9},
		{BBox: models.BBox{X2: 50, Y2: 50}, Confidence: 0.7},
		{BBox: models.BBox{X2: 40, Y2: 40}, Confidence: 0.8},
	}
	kept := vision.FilterByArea(dets, 900)
	if len(kept) != 2 {
		t.Fatalf("kept %d detections, want 2", len(kept))
	}
	best, err := vision.Best(kept)
	if err != nil {
		t.Fatal(err)
	}
	if best.Confidence != 0.8 {
		t.Errorf("best confidence = %v, want 0.8", best.Confidence)
	}
	if _, err := vision.Best(nil); err != vision.ErrNoFace {
		t.Errorf("Best(nil) err = %v, want ErrNoFace", err)
	}
}

func TestFakeDetectorFindsRectangles(t *testing.T) {
	img := visiontest.Scene(200, 100)
	visiontest.Fill(img, image.Rect(10, 10, 50, 60), visiontest.Red)
	visiontest.Fill(img, image.Rect(120, 20, 170, 80), visiontest.Blue)

	dets, err := (&visiontest.Detector{}).Detect(img)
	if err != nil {
		t.Fatal(err)
	}
	if len(dets) != 2 {
		t.Fatalf("found %d faces, want 2", len(dets))
	}
	if dets[0].BBox != (models.BBox{X1: 10, Y1: 10, X2: 50, Y2: 60}) {
		t.Errorf("first box = %+v", dets[0].BBox)
	}
}
