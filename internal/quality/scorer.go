package quality

import (
	"image"
	"math"

	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/vision"
)

// ShotType is the subject framing of a photo.
type ShotType string

const (
	ShotLandscape ShotType = "landscape"
	ShotPortrait  ShotType = "portrait"
	ShotGroup     ShotType = "group"
)

// Flags are the technical defects found in a photo.
type Flags struct {
	Blurry          bool `json:"blurry"`
	Underexposed    bool `json:"underexposed"`
	Overexposed     bool `json:"overexposed"`
	PoorComposition bool `json:"poor_composition"`
	Accidental      bool `json:"accidental"`
}

// Defects counts the independent defects. Under- and overexposure count once.
func (f Flags) Defects() int {
	n := 0
	if f.Blurry {
		n++
	}
	if f.Underexposed || f.Overexposed {
		n++
	}
	if f.PoorComposition {
		n++
	}
	return n
}

// Result is the outcome of scoring one photo. All scores are in [0,100].
type Result struct {
	Overall     float64           `json:"overall"`
	ShotType    ShotType          `json:"shot_type"`
	Blur        float64           `json:"blur"`
	Exposure    float64           `json:"exposure"`
	Composition float64           `json:"composition"`
	Lighting    float64           `json:"lighting"`
	Brightness  float64           `json:"brightness"`
	Contrast    float64           `json:"contrast"`
	Resolution  float64           `json:"resolution"`
	Flags       Flags             `json:"flags"`
	Categories  []models.Category `json:"categories"`
}

// HasCategory reports whether c was emitted.
func (r Result) HasCategory(c models.Category) bool {
	for _, k := range r.Categories {
		if k == c {
			return true
		}
	}
	return false
}

// analysisSide bounds the working copy of the image.
const analysisSide = 1024

// Reference resolution (6 MP) that scores 100.
const fullResolution = 3000 * 2000

// Scorer computes quality scores. It is stateless and safe for concurrent use.
type Scorer struct {
	cfg config.QualityConfig
}

func NewScorer(cfg config.QualityConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score rates img. faces are the detected face boxes in img's coordinates and
// drive shot-type classification and face-weighted sharpness.
func (s *Scorer) Score(img image.Image, faces []models.BBox) Result {
	b := img.Bounds()
	origW, origH := b.Dx(), b.Dy()

	work := vision.Fit(img, analysisSide)
	scale := float32(work.Rect.Dx()) / float32(max(origW, 1))
	gray := vision.NewGray(work)

	res := Result{ShotType: s.shotType(faces, origW, origH)}

	res.Blur = s.blurScore(gray, res.ShotType, faces, scale, b.Min)
	res.Flags.Blurry = res.Blur < s.blurThreshold(res.ShotType)

	mean := gray.Mean()
	std := gray.StdDev()
	res.Brightness = clamp100((1 - math.Abs(mean-128)/128) * 100)
	res.Contrast = clamp100(std / 80 * 100)
	res.Resolution = clamp100(float64(origW*origH) / fullResolution * 100)

	var shadow, highlight float64
	res.Exposure, shadow, highlight = exposureScore(gray)
	res.Flags.Underexposed = shadow > 0.5 || mean < s.cfg.MinMeanBrightness
	res.Flags.Overexposed = highlight > 0.5 || mean > s.cfg.MaxMeanBrightness

	res.Lighting = lightingScore(res.Brightness, mean, std)
	res.Composition = compositionScore(gray)
	res.Flags.PoorComposition = res.Composition < s.cfg.PoorComposition

	res.Overall = s.blend(res)
	if res.Flags.Defects() >= 2 {
		res.Flags.Accidental = true
		res.Overall = math.Max(res.Overall*s.cfg.AccidentalPenalty, s.cfg.AccidentalFloor)
	}
	res.Overall = round2(res.Overall)

	res.Categories = s.categories(res)
	return res
}

// ApplyTags adds tag-derived categories to r. It is called at fan-in, once
// the tag generator has finished.
func ApplyTags(r *Result, tags []string) {
	if r.HasCategory(models.CategoryAction) || r.Flags.Accidental {
		return
	}
	for _, t := range tags {
		if actionTags[t] {
			r.Categories = append(r.Categories, models.CategoryAction)
			return
		}
	}
}

var actionTags = map[string]bool{
	"sport": true, "sports": true, "action": true, "running": true,
	"jumping": true, "dancing": true, "performance": true,
}

func (s *Scorer) shotType(faces []models.BBox, w, h int) ShotType {
	switch {
	case len(faces) == 0:
		return ShotLandscape
	case len(faces) >= 3:
		return ShotGroup
	case len(faces) == 1:
		frame := float64(w * h)
		if frame > 0 && float64(faces[0].Area())/frame > s.cfg.PortraitFaceRatio {
			return ShotPortrait
		}
	}
	return ShotLandscape
}

func (s *Scorer) blurThreshold(t ShotType) float64 {
	switch t {
	case ShotPortrait:
		return s.cfg.PortraitBlurThreshold
	case ShotGroup:
		return s.cfg.GroupBlurThreshold
	default:
		return s.cfg.LandscapeBlurThreshold
	}
}

func sharpness(g *vision.Gray) float64 {
	return clamp100(g.LaplacianVariance() / 500 * 100)
}

// blurScore is frame sharpness, or for portraits 70% face sharpness and 30%
// frame sharpness.
func (s *Scorer) blurScore(g *vision.Gray, t ShotType, faces []models.BBox, scale float32, origin image.Point) float64 {
	frame := sharpness(g)
	if t != ShotPortrait || len(faces) == 0 {
		return frame
	}
	f := faces[0]
	r := image.Rect(
		int((f.X1-float32(origin.X))*scale),
		int((f.Y1-float32(origin.Y))*scale),
		int((f.X2-float32(origin.X))*scale),
		int((f.Y2-float32(origin.Y))*scale),
	)
	face := g.Sub(r)
	if face.W < 3 || face.H < 3 {
		return frame
	}
	return 0.7*sharpness(face) + 0.3*frame
}

// exposureScore returns the exposure score and the shadow (< 50) and
// highlight (>= 200) shares of the histogram.
func exposureScore(g *vision.Gray) (score, shadow, highlight float64) {
	hist := g.Histogram()
	total := float64(len(g.Pix))
	if total == 0 {
		return 0, 0, 0
	}
	var dark, bright int
	for i := 0; i < 50; i++ {
		dark += hist[i]
	}
	for i := 200; i < 256; i++ {
		bright += hist[i]
	}
	shadow = float64(dark) / total
	highlight = float64(bright) / total
	return clamp100(100 - (shadow*50 + highlight*50)), shadow, highlight
}

func lightingScore(brightness, mean, std float64) float64 {
	uniformity := 0.0
	if mean > 0 {
		uniformity = 100 - math.Min(std/mean*100, 100)
	}
	return clamp100(brightness*0.6 + uniformity*0.4)
}

// compositionScore rates subject placement from the gradient energy map:
// the energy centroid near a rule-of-thirds point, left/right balance and
// how much of the frame carries detail. A featureless frame scores 0.
func compositionScore(g *vision.Gray) float64 {
	if g.W < 3 || g.H < 3 {
		return 0
	}
	const cells = 8
	var grid [cells][cells]float64
	var total, cx, cy, left float64
	for y := 1; y < g.H-1; y++ {
		for x := 1; x < g.W-1; x++ {
			gx := g.At(x+1, y) - g.At(x-1, y)
			gy := g.At(x, y+1) - g.At(x, y-1)
			e := math.Sqrt(gx*gx + gy*gy)
			if e == 0 {
				continue
			}
			total += e
			cx += e * float64(x) / float64(g.W)
			cy += e * float64(y) / float64(g.H)
			if x < g.W/2 {
				left += e
			}
			grid[y*cells/g.H][x*cells/g.W] += e
		}
	}
	if total < 1e-9 {
		return 0
	}
	cx /= total
	cy /= total

	// Distance from a thirds point to the centre.
	const span = 0.2357
	d := math.Inf(1)
	for _, px := range [2]float64{1.0 / 3, 2.0 / 3} {
		for _, py := range [2]float64{1.0 / 3, 2.0 / 3} {
			d = math.Min(d, math.Hypot(cx-px, cy-py))
		}
	}
	placement := 100 * (1 - math.Min(d/span, 1))
	balance := 100 * (1 - math.Abs(2*left-total)/total)

	meanCell := total / (cells * cells)
	covered := 0
	for _, row := range grid {
		for _, e := range row {
			if e > 0.25*meanCell {
				covered++
			}
		}
	}
	coverage := 100 * float64(covered) / (cells * cells)

	return clamp100(0.5*placement + 0.3*balance + 0.2*coverage)
}

// blend combines the component scores. A blurred photo is judged mostly on
// sharpness, an exposure-flagged one mostly on exposure.
func (s *Scorer) blend(r Result) float64 {
	switch {
	case r.Flags.Blurry:
		return r.Blur*0.5 +
			r.Brightness*0.1 + r.Contrast*0.1 + r.Resolution*0.1 +
			r.Composition*0.1 + r.Lighting*0.1
	case r.Flags.Underexposed || r.Flags.Overexposed:
		return r.Exposure*0.4 + r.Blur*0.15 +
			r.Brightness*0.1 + r.Contrast*0.1 + r.Resolution*0.05 +
			r.Composition*0.1 + r.Lighting*0.1
	default:
		return r.Blur*0.25 +
			r.Brightness*0.15 + r.Contrast*0.15 + r.Resolution*0.15 +
			r.Composition*0.15 + r.Lighting*0.15
	}
}

func (s *Scorer) categories(r Result) []models.Category {
	var out []models.Category
	switch r.ShotType {
	case ShotPortrait:
		out = append(out, models.CategoryPortrait)
	case ShotGroup:
		out = append(out, models.CategoryGroup)
	}
	exposed := r.Flags.Underexposed || r.Flags.Overexposed
	if !r.Flags.Blurry && !exposed {
		if r.Composition >= s.cfg.CompositionThreshold {
			out = append(out, models.CategoryComposition)
		}
		if r.Lighting >= s.cfg.LightingThreshold {
			out = append(out, models.CategoryLighting)
		}
	}
	if r.Flags.Blurry {
		out = append(out, models.CategoryBlurry)
	}
	if r.Flags.Underexposed {
		out = append(out, models.CategoryUnderexposed)
	}
	if r.Flags.Overexposed {
		out = append(out, models.CategoryOverexposed)
	}
	if r.Flags.Accidental {
		out = append(out, models.CategoryAccidental)
	}
	return out
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
