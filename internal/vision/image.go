package vision

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/your-org/snapflow/internal/models"
)

// Decode decodes any registered image format (jpeg, png, gif, bmp, webp).
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decode image: empty bounds")
	}
	return img, nil
}

// EncodeJPEG encodes an image as JPEG with the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Resize scales img to exactly w x h with bilinear sampling.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Fit scales img so that its longer side is at most maxSide. Smaller images
// are copied unchanged.
func Fit(img image.Image, maxSide int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return ToRGBA(img)
	}
	if w >= h {
		h = int(math.Max(1, math.Round(float64(h)*float64(maxSide)/float64(w))))
		w = maxSide
	} else {
		w = int(math.Max(1, math.Round(float64(w)*float64(maxSide)/float64(h))))
		h = maxSide
	}
	return Resize(img, w, h)
}

// ToRGBA returns img as an *image.RGBA anchored at the origin.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Crop extracts bbox from img, expanded by pad (fraction of each side) and
// clamped to the image. It returns nil for boxes outside the image.
func Crop(img image.Image, bbox models.BBox, pad float32) *image.RGBA {
	bounds := img.Bounds()

	w := bbox.X2 - bbox.X1
	h := bbox.Y2 - bbox.Y1
	if w <= 0 || h <= 0 {
		return nil
	}

	r := image.Rect(
		int(bbox.X1-w*pad), int(bbox.Y1-h*pad),
		int(bbox.X2+w*pad), int(bbox.Y2+h*pad),
	).Intersect(bounds)
	if r.Empty() {
		return nil
	}

	crop := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(crop, crop.Bounds(), img, r.Min, draw.Src)
	return crop
}

// Gray is a luminance plane with values in [0,255].
type Gray struct {
	W, H int
	Pix  []float64
}

func (g *Gray) At(x, y int) float64 { return g.Pix[y*g.W+x] }

// NewGray computes Rec. 601 luminance for every pixel of img.
func NewGray(img image.Image) *Gray {
	rgba := ToRGBA(img)
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	g := &Gray{W: w, H: h, Pix: make([]float64, w*h)}
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < w; x++ {
			r := float64(row[x*4])
			gg := float64(row[x*4+1])
			b := float64(row[x*4+2])
			g.Pix[y*w+x] = 0.299*r + 0.587*gg + 0.114*b
		}
	}
	return g
}

// Sub returns the part of g inside r, clamped to the plane.
func (g *Gray) Sub(r image.Rectangle) *Gray {
	r = r.Intersect(image.Rect(0, 0, g.W, g.H))
	if r.Empty() {
		return &Gray{}
	}
	out := &Gray{W: r.Dx(), H: r.Dy(), Pix: make([]float64, r.Dx()*r.Dy())}
	for y := 0; y < out.H; y++ {
		copy(out.Pix[y*out.W:(y+1)*out.W], g.Pix[(r.Min.Y+y)*g.W+r.Min.X:])
	}
	return out
}

// Mean returns the average luminance.
func (g *Gray) Mean() float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	var sum float64
	for _, v := range g.Pix {
		sum += v
	}
	return sum / float64(len(g.Pix))
}

// StdDev returns the luminance standard deviation.
func (g *Gray) StdDev() float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	mean := g.Mean()
	var acc float64
	for _, v := range g.Pix {
		d := v - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(g.Pix)))
}

// Histogram returns a 256-bin luminance histogram.
func (g *Gray) Histogram() [256]int {
	var hist [256]int
	for _, v := range g.Pix {
		i := int(v + 0.5)
		if i < 0 {
			i = 0
		} else if i > 255 {
			i = 255
		}
		hist[i]++
	}
	return hist
}

// LaplacianVariance is the variance of the 4-neighbour Laplacian response,
// the usual edge-energy sharpness measure. Planes smaller than 3x3 score 0.
func (g *Gray) LaplacianVariance() float64 {
	if g.W < 3 || g.H < 3 {
		return 0
	}
	n := float64((g.W - 2) * (g.H - 2))
	var sum, sumSq float64
	for y := 1; y < g.H-1; y++ {
		for x := 1; x < g.W-1; x++ {
			l := g.At(x-1, y) + g.At(x+1, y) + g.At(x, y-1) + g.At(x, y+1) - 4*g.At(x, y)
			sum += l
			sumSq += l * l
		}
	}
	mean := sum / n
	return sumSq/n - mean*mean
}

// imageToFloat32CHW converts an image to CHW float32 format with normalization:
//
//	pixel = (pixel - mean) / std
func imageToFloat32CHW(img image.Image, targetW, targetH int, mean, std [3]float32) []float32 {
	resized := Resize(img, targetW, targetH)
	w, h := targetW, targetH

	data := make([]float32, 3*h*w)
	for y := 0; y < h; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < w; x++ {
			idx := y*w + x
			data[0*h*w+idx] = (float32(row[x*4]) - mean[0]) / std[0]
			data[1*h*w+idx] = (float32(row[x*4+1]) - mean[1]) / std[1]
			data[2*h*w+idx] = (float32(row[x*4+2]) - mean[2]) / std[2]
		}
	}
	return data
}
