package enhance

import (
	"image/color"
	"testing"

	"github.com/your-org/snapflow/internal/vision"
	"github.com/your-org/snapflow/internal/vision/visiontest"
)

func TestToneStretchesAroundMean(t *testing.T) {
	img := visiontest.Gradient(100, 10, color.RGBA{60, 60, 60, 255}, color.RGBA{180, 180, 180, 255})
	before := vision.NewGray(img)
	out := Tone(img, 1.2, 1.0)
	after := vision.NewGray(out)

	if d := after.Mean() - before.Mean(); d > 1 || d < -1 {
		t.Errorf("mean moved by %.2f with contrast only", d)
	}
	if after.StdDev() <= before.StdDev() {
		t.Errorf("stddev %.2f not above %.2f", after.StdDev(), before.StdDev())
	}
}

func TestToneBrightens(t *testing.T) {
	img := visiontest.Uniform(20, 20, color.RGBA{100, 100, 100, 255})
	out := Tone(img, 1.0, 1.1)
	if got := out.RGBAAt(5, 5); got.R != 110 || got.A != 255 {
		t.Fatalf("pixel = %+v, want R=110", got)
	}
}

func TestToneClamps(t *testing.T) {
	img := visiontest.Uniform(4, 4, color.RGBA{250, 250, 250, 255})
	out := Tone(img, 1.2, 1.5)
	if got := out.RGBAAt(0, 0).R; got != 255 {
		t.Fatalf("R = %d, want 255", got)
	}
}

func TestKey(t *testing.T) {
	if got := Key(3, 42); got != "enhanced/3/42.jpg" {
		t.Fatalf("Key = %q", got)
	}
}

func TestSharpenDisabledAtUnity(t *testing.T) {
	if s := sharpen(1); s.Radius != 0 || s.M2 != 0 {
		t.Fatalf("sharpen(1) = %+v, want zero", s)
	}
	if s := sharpen(1.5); s.M2 != 1.5 || s.Radius == 0 {
		t.Fatalf("sharpen(1.5) = %+v", s)
	}
}
