package enhance

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/h2non/bimg"

	"github.com/your-org/snapflow/internal/vision"
)

// ObjectWriter stores binaries by key.
type ObjectWriter interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Settings are the enhancement factors. A factor of 1 leaves the image as is.
type Settings struct {
	Contrast   float64
	Brightness float64
	Sharpness  float64
	Quality    int
}

// DefaultSettings boost contrast by 20%, brightness by 10% and sharpen.
func DefaultSettings() Settings {
	return Settings{Contrast: 1.2, Brightness: 1.1, Sharpness: 1.5, Quality: 90}
}

// Enhancer writes an enhanced copy of low-quality photos next to the original.
type Enhancer struct {
	store    ObjectWriter
	settings Settings
}

func NewEnhancer(store ObjectWriter, settings Settings) *Enhancer {
	if settings.Quality <= 0 {
		settings.Quality = 90
	}
	return &Enhancer{store: store, settings: settings}
}

// Key is the object key of a photo's enhanced copy.
func Key(eventID, photoID int64) string {
	return fmt.Sprintf("enhanced/%d/%d.jpg", eventID, photoID)
}

// Enhance stores the enhanced copy of img and returns its key.
func (e *Enhancer) Enhance(ctx context.Context, eventID, photoID int64, img image.Image) (string, error) {
	toned := Tone(img, e.settings.Contrast, e.settings.Brightness)
	buf, err := vision.EncodeJPEG(toned, 95)
	if err != nil {
		return "", err
	}
	out, err := bimg.NewImage(buf).Process(bimg.Options{
		Type:          bimg.JPEG,
		Quality:       e.settings.Quality,
		StripMetadata: true,
		Sharpen:       sharpen(e.settings.Sharpness),
	})
	if err != nil {
		return "", fmt.Errorf("sharpen image: %w", err)
	}
	key := Key(eventID, photoID)
	if err := e.store.PutObject(ctx, key, out, "image/jpeg"); err != nil {
		return "", fmt.Errorf("store enhanced image: %w", err)
	}
	return key, nil
}

// sharpen maps a sharpness factor onto libvips unsharp-mask parameters; the
// factor becomes the slope applied to edges.
func sharpen(factor float64) bimg.Sharpen {
	if factor <= 1 {
		return bimg.Sharpen{}
	}
	return bimg.Sharpen{Radius: 1, X1: 2, Y2: 10, Y3: 20, M1: 0, M2: factor}
}

// Tone stretches contrast around the mean luminance and then scales
// brightness.
func Tone(img image.Image, contrast, brightness float64) *image.RGBA {
	src := vision.ToRGBA(img)
	mean := vision.NewGray(src).Mean()

	var lut [256]uint8
	for i := range lut {
		v := (mean + (float64(i)-mean)*contrast) * brightness
		lut[i] = uint8(math.Max(0, math.Min(255, math.Round(v))))
	}

	dst := image.NewRGBA(src.Rect)
	for i := 0; i < len(src.Pix); i += 4 {
		dst.Pix[i] = lut[src.Pix[i]]
		dst.Pix[i+1] = lut[src.Pix[i+1]]
		dst.Pix[i+2] = lut[src.Pix[i+2]]
		dst.Pix[i+3] = src.Pix[i+3]
	}
	return dst
}
