// Package visiontest builds synthetic photos and model fakes for tests.
//
// Faces are drawn as solid, saturated rectangles on a dark background. The
// fake detector finds them by connected-component labelling and the fake
// embedders derive a vector from the crop's mean colour, so two rectangles
// of the same colour are "the same person".
package visiontest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/vision"
)

// Background is the fill colour of synthetic scenes. Its channels stay
// under the detector's brightness cut.
var Background = color.RGBA{20, 20, 20, 255}

// Face colours used across tests.
var (
	Red   = color.RGBA{210, 40, 40, 255}
	Blue  = color.RGBA{40, 40, 210, 255}
	Green = color.RGBA{40, 210, 40, 255}
)

// Scene returns a w x h image filled with the background colour.
func Scene(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	Fill(img, img.Bounds(), Background)
	return img
}

// Fill paints r with c.
func Fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// Textured returns a deterministic high-frequency image (random blocks of
// blockSize pixels) seeded by seed.
func Textured(w, h, blockSize int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for by := 0; by < h; by += blockSize {
		for bx := 0; bx < w; bx += blockSize {
			c := color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255}
			Fill(img, image.Rect(bx, by, bx+blockSize, by+blockSize), c)
		}
	}
	return img
}

// Gradient returns a smooth left-to-right ramp between two colours.
func Gradient(w, h int, from, to color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		t := float64(x) / math.Max(1, float64(w-1))
		c := color.RGBA{
			lerp(from.R, to.R, t), lerp(from.G, to.G, t), lerp(from.B, to.B, t), 255,
		}
		for y := 0; y < h; y++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*t))
}

// Uniform returns a w x h image of a single colour.
func Uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	Fill(img, img.Bounds(), c)
	return img
}

// GaussianBlur applies a separable Gaussian blur with the given sigma.
func GaussianBlur(src *image.RGBA, sigma float64) *image.RGBA {
	radius := int(math.Ceil(sigma * 3))
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	w, h := src.Rect.Dx(), src.Rect.Dy()
	tmp := image.NewRGBA(src.Rect)
	dst := image.NewRGBA(src.Rect)
	pass := func(in, out *image.RGBA, dx, dy int) {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var acc [3]float64
				for k := -radius; k <= radius; k++ {
					sx := clamp(x+k*dx, 0, w-1)
					sy := clamp(y+k*dy, 0, h-1)
					c := in.RGBAAt(sx, sy)
					wgt := kernel[k+radius]
					acc[0] += wgt * float64(c.R)
					acc[1] += wgt * float64(c.G)
					acc[2] += wgt * float64(c.B)
				}
				out.SetRGBA(x, y, color.RGBA{
					uint8(math.Round(acc[0])), uint8(math.Round(acc[1])), uint8(math.Round(acc[2])), 255,
				})
			}
		}
	}
	pass(src, tmp, 1, 0)
	pass(tmp, dst, 0, 1)
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// JPEG encodes img at quality 95.
func JPEG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		panic(fmt.Sprintf("encode jpeg: %v", err))
	}
	return buf.Bytes()
}

// PNG encodes img losslessly.
func PNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(fmt.Sprintf("encode png: %v", err))
	}
	return buf.Bytes()
}

// Detector finds saturated rectangles as faces. Pixels whose brightest
// channel exceeds Cut belong to a face.
type Detector struct {
	Cut uint8
	// Err, when set, is returned from every call.
	Err error
}

// Detect labels 4-connected bright regions and reports their bounding boxes.
func (d *Detector) Detect(img image.Image) ([]vision.Detection, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	cut := d.Cut
	if cut == 0 {
		cut = 100
	}
	rgba := vision.ToRGBA(img)
	b := img.Bounds()
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	seen := make([]bool, w*h)
	bright := func(x, y int) bool {
		c := rgba.RGBAAt(x, y)
		return max(c.R, c.G, c.B) > cut
	}

	var out []vision.Detection
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if seen[y*w+x] || !bright(x, y) {
				continue
			}
			minX, minY, maxX, maxY := x, y, x, y
			stack := []image.Point{{x, y}}
			seen[y*w+x] = true
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				minX, minY = min(minX, p.X), min(minY, p.Y)
				maxX, maxY = max(maxX, p.X), max(maxY, p.Y)
				for _, n := range [4]image.Point{{p.X + 1, p.Y}, {p.X - 1, p.Y}, {p.X, p.Y + 1}, {p.X, p.Y - 1}} {
					if n.X < 0 || n.Y < 0 || n.X >= w || n.Y >= h || seen[n.Y*w+n.X] || !bright(n.X, n.Y) {
						continue
					}
					seen[n.Y*w+n.X] = true
					stack = append(stack, n)
				}
			}
			box := models.BBox{
				X1: float32(minX + b.Min.X), Y1: float32(minY + b.Min.Y),
				X2: float32(maxX + 1 + b.Min.X), Y2: float32(maxY + 1 + b.Min.Y),
			}
			out = append(out, vision.Detection{
				BBox:       box,
				Confidence: 0.99,
				Landmarks:  landmarks(box),
			})
		}
	}
	return out, nil
}

// landmarks places level eyes at a third of the box height.
func landmarks(b models.BBox) [5][2]float32 {
	w, h := b.Width(), b.Height()
	return [5][2]float32{
		{b.X1 + 0.3*w, b.Y1 + 0.35*h},
		{b.X1 + 0.7*w, b.Y1 + 0.35*h},
		{b.X1 + 0.5*w, b.Y1 + 0.55*h},
		{b.X1 + 0.35*w, b.Y1 + 0.75*h},
		{b.X1 + 0.65*w, b.Y1 + 0.75*h},
	}
}

// Embedder maps a crop to a vector built from its mean colour. Mix selects
// how channels combine so different methods give different vectors.
type Embedder struct {
	Name string
	// Mix is a 3xN matrix; nil means identity on (R, G, B).
	Mix [][3]float32
	// Fail makes Embed return an error.
	Fail bool

	calls atomic.Int64
}

// Calls reports how many times Embed ran.
func (e *Embedder) Calls() int64 { return e.calls.Load() }

func (e *Embedder) Method() string { return e.Name }

func (e *Embedder) Embed(face image.Image) ([]float32, error) {
	e.calls.Add(1)
	if e.Fail {
		return nil, fmt.Errorf("%s: model failure", e.Name)
	}
	rgba := vision.ToRGBA(face)
	var sum [3]float64
	var n float64
	for y := 0; y < rgba.Rect.Dy(); y++ {
		for x := 0; x < rgba.Rect.Dx(); x++ {
			c := rgba.RGBAAt(x, y)
			// background pixels carry no identity
			if max(c.R, c.G, c.B) <= 100 {
				continue
			}
			sum[0] += float64(c.R)
			sum[1] += float64(c.G)
			sum[2] += float64(c.B)
			n++
		}
	}
	if n == 0 {
		return nil, vision.ErrNoFace
	}
	mean := [3]float32{float32(sum[0] / n), float32(sum[1] / n), float32(sum[2] / n)}

	var vec []float32
	if e.Mix == nil {
		vec = []float32{mean[0], mean[1], mean[2]}
	} else {
		vec = make([]float32, len(e.Mix))
		for i, row := range e.Mix {
			vec[i] = row[0]*mean[0] + row[1]*mean[1] + row[2]*mean[2]
		}
	}
	vision.Normalize(vec)
	return vec, nil
}
