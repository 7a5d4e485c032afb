package tagging

import (
	"image"
	"math"
	"sort"
	"strings"

	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/vision"
)

// workSide bounds the image used for colour statistics.
const workSide = 512

// eventTags are added for any event type containing the key.
var eventTags = map[string][]string{
	"birthday":   {"celebration", "party"},
	"wedding":    {"celebration", "ceremony"},
	"corporate":  {"business", "professional"},
	"conference": {"business", "presentation"},
	"concert":    {"entertainment", "music"},
	"festival":   {"celebration", "entertainment"},
	"sports":     {"athletic", "competition"},
	"party":      {"celebration", "social"},
	"graduation": {"academic", "ceremony"},
	"reunion":    {"social", "gathering"},
}

// Generate returns the sorted, de-duplicated scene tags of img. eventType is
// the owning event's type and may be empty; faces are the detected faces.
func Generate(img image.Image, eventType string, faces []models.BBox) []string {
	t := tagSet{}
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if eventType != "" {
		t.add(eventType)
	}

	work := vision.Fit(img, workSide)
	st := measure(work)

	outdoor := st.blue > 0.15 || st.green > 0.2
	if outdoor {
		t.add("outdoor")
		if st.green > 0.3 {
			t.add("nature")
		}
		if st.blue > 0.25 {
			if st.sand > 0.1 {
				t.add("beach")
			} else if st.blue > 0.35 {
				t.add("water")
			}
		}
	} else {
		t.add("indoor")
	}

	switch {
	case st.meanV < 70:
		t.add("night", "dark")
	case st.meanV < 120:
		if st.meanH > 10 && st.meanH < 30 {
			t.add("sunset")
		} else {
			t.add("dim")
		}
	case st.meanV > 200:
		t.add("bright")
	}

	if sat := paletteSaturation(vision.Fit(work, 100)); sat > 150 {
		t.add("colorful")
	} else if sat < 70 {
		t.add("muted")
	}

	switch n := len(faces); {
	case n > 10:
		t.add("crowd")
	case n > 5:
		t.add("group")
	case n > 0:
		t.add("people")
	}

	switch {
	case strings.Contains(eventType, "wedding"):
		if st.white > 0.15 {
			t.add("ceremony")
		}
	case strings.Contains(eventType, "concert") || strings.Contains(eventType, "music"):
		if t.has("dark") && st.brightV > 0.05 && st.brightV < 0.3 {
			t.add("stage_lighting", "performance")
		}
	case strings.Contains(eventType, "sports") || strings.Contains(eventType, "game"):
		if st.green > 0.4 {
			t.add("field")
		}
		if t.has("crowd") && outdoor {
			t.add("stadium")
		}
	case strings.Contains(eventType, "conference") || strings.Contains(eventType, "meeting"):
		if !outdoor && hasScreen(vision.Fit(work, 256)) {
			t.add("presentation")
		}
	}

	for _, k := range []string{"dinner", "reception", "party", "banquet"} {
		if strings.Contains(eventType, k) {
			if st.meanS > 80 && st.stdS > 40 && len(faces) == 0 {
				t.add("food")
			}
			break
		}
	}

	switch lv := vision.NewGray(work).LaplacianVariance(); {
	case lv < 100:
		t.add("blurry")
	case lv > 500:
		t.add("sharp")
	}

	if len(faces) == 1 {
		b := img.Bounds()
		if frame := float64(b.Dx() * b.Dy()); frame > 0 && float64(faces[0].Area())/frame > 0.15 {
			t.add("portrait")
		}
	}

	for key, tags := range eventTags {
		if strings.Contains(eventType, key) {
			t.add(tags...)
		}
	}
	return t.sorted()
}

type tagSet map[string]struct{}

func (t tagSet) add(tags ...string) {
	for _, s := range tags {
		t[s] = struct{}{}
	}
}

func (t tagSet) has(s string) bool {
	_, ok := t[s]
	return ok
}

func (t tagSet) sorted() []string {
	out := make([]string, 0, len(t))
	for s := range t {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// stats are pixel-share and HSV statistics of an image. Hue is in [0,180)
// and saturation/value in [0,255].
type stats struct {
	blue, green, sand, white, brightV float64
	meanH, meanS, stdS, meanV         float64
}

func measure(img *image.RGBA) stats {
	var st stats
	n := float64(img.Rect.Dx() * img.Rect.Dy())
	if n == 0 {
		return st
	}
	var sumS2 float64
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < img.Rect.Dx(); x++ {
			r, g, b := row[x*4], row[x*4+1], row[x*4+2]
			h, s, v := hsv(r, g, b)
			st.meanH += h
			st.meanS += s
			sumS2 += s * s
			st.meanV += v
			switch {
			case h >= 100 && h <= 130 && s >= 50 && v >= 50:
				st.blue++
			case h >= 35 && h <= 85 && s >= 50 && v >= 50:
				st.green++
			}
			if h >= 20 && h <= 40 && s >= 10 && s <= 60 && v >= 180 {
				st.sand++
			}
			if r >= 200 && g >= 200 && b >= 200 {
				st.white++
			}
			if v >= 200 {
				st.brightV++
			}
		}
	}
	st.blue /= n
	st.green /= n
	st.sand /= n
	st.white /= n
	st.brightV /= n
	st.meanH /= n
	st.meanS /= n
	st.meanV /= n
	st.stdS = math.Sqrt(math.Max(sumS2/n-st.meanS*st.meanS, 0))
	return st
}

func hsv(r, g, b uint8) (h, s, v float64) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	mx := math.Max(rf, math.Max(gf, bf))
	mn := math.Min(rf, math.Min(gf, bf))
	v = mx
	if mx == 0 {
		return 0, 0, 0
	}
	d := mx - mn
	s = d / mx * 255
	if d == 0 {
		return 0, s, v
	}
	switch mx {
	case rf:
		h = 60 * (gf - bf) / d
	case gf:
		h = 120 + 60*(bf-rf)/d
	default:
		h = 240 + 60*(rf-gf)/d
	}
	if h < 0 {
		h += 360
	}
	return h / 2, s, v
}

// paletteSaturation clusters the pixels into three dominant colours and
// returns their mean saturation.
func paletteSaturation(img *image.RGBA) float64 {
	n := img.Rect.Dx() * img.Rect.Dy()
	if n == 0 {
		return 0
	}
	px := make([][3]float64, n)
	for i := range px {
		px[i] = [3]float64{float64(img.Pix[i*4]), float64(img.Pix[i*4+1]), float64(img.Pix[i*4+2])}
	}
	centres := kmeans3(px, 10)
	var sum float64
	for _, c := range centres {
		_, s, _ := hsv(uint8(c[0]), uint8(c[1]), uint8(c[2]))
		sum += s
	}
	return sum / float64(len(centres))
}

// kmeans3 seeds from the luminance-sorted pixels at 1/6, 1/2 and 5/6 so the
// result is deterministic.
func kmeans3(px [][3]float64, iters int) [3][3]float64 {
	lum := func(p [3]float64) float64 { return 0.299*p[0] + 0.587*p[1] + 0.114*p[2] }
	sorted := make([][3]float64, len(px))
	copy(sorted, px)
	sort.SliceStable(sorted, func(i, j int) bool { return lum(sorted[i]) < lum(sorted[j]) })

	var c [3][3]float64
	for k := 0; k < 3; k++ {
		c[k] = sorted[(2*k+1)*len(sorted)/6]
	}
	for it := 0; it < iters; it++ {
		var sum [3][3]float64
		var cnt [3]int
		for _, p := range px {
			best, bestD := 0, math.Inf(1)
			for k := 0; k < 3; k++ {
				d := sq(p[0]-c[k][0]) + sq(p[1]-c[k][1]) + sq(p[2]-c[k][2])
				if d < bestD {
					best, bestD = k, d
				}
			}
			cnt[best]++
			for ch := 0; ch < 3; ch++ {
				sum[best][ch] += p[ch]
			}
		}
		for k := 0; k < 3; k++ {
			if cnt[k] == 0 {
				continue
			}
			for ch := 0; ch < 3; ch++ {
				c[k][ch] = sum[k][ch] / float64(cnt[k])
			}
		}
	}
	return c
}

func sq(v float64) float64 { return v * v }

// hasScreen looks for a bright, landscape-shaped region at least a fifth of
// the frame wide.
func hasScreen(img *image.RGBA) bool {
	g := vision.NewGray(img)
	seen := make([]bool, len(g.Pix))
	stack := make([]int, 0, 64)
	for start, v := range g.Pix {
		if seen[start] || v <= 200 {
			continue
		}
		minX, minY, maxX, maxY := g.W, g.H, -1, -1
		stack = append(stack[:0], start)
		seen[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%g.W, i/g.W
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
			for _, nb := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if nb[0] < 0 || nb[1] < 0 || nb[0] >= g.W || nb[1] >= g.H {
					continue
				}
				j := nb[1]*g.W + nb[0]
				if !seen[j] && g.Pix[j] > 200 {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		w, h := maxX-minX+1, maxY-minY+1
		if aspect := float64(w) / float64(h); aspect > 1.2 && aspect < 2.0 && w > g.W/5 {
			return true
		}
	}
	return false
}
