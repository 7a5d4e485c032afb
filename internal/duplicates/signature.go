package duplicates

import (
	"image"
	"math/bits"

	"github.com/your-org/snapflow/internal/vision"
)

const (
	hashSide  = 16
	colorSide = 64
	colorBins = 16
)

// Signature is the pair of fingerprints compared between photos.
type Signature struct {
	// Hash is a 16x16 mean-threshold bit pattern of the grayscale image.
	Hash [hashSide * hashSide / 64]uint64
	// Color holds one normalized histogram per channel.
	Color [3][colorBins]float64
}

// ComputeSignature fingerprints img.
func ComputeSignature(img image.Image) Signature {
	var sig Signature

	g := vision.NewGray(vision.Resize(img, hashSide, hashSide))
	mean := g.Mean()
	for i, v := range g.Pix {
		if v > mean {
			sig.Hash[i/64] |= 1 << uint(i%64)
		}
	}

	small := vision.Resize(img, colorSide, colorSide)
	n := float64(colorSide * colorSide)
	for i := 0; i < len(small.Pix); i += 4 {
		for ch := 0; ch < 3; ch++ {
			sig.Color[ch][int(small.Pix[i+ch])*colorBins/256] += 1 / n
		}
	}
	return sig
}

// StructuralSimilarity is one minus the normalized Hamming distance of the
// two hashes.
func StructuralSimilarity(a, b Signature) float64 {
	d := 0
	for i := range a.Hash {
		d += bits.OnesCount64(a.Hash[i] ^ b.Hash[i])
	}
	return 1 - float64(d)/float64(hashSide*hashSide)
}

// ColorSimilarity is the histogram intersection averaged over channels.
func ColorSimilarity(a, b Signature) float64 {
	var sum float64
	for ch := 0; ch < 3; ch++ {
		for i := 0; i < colorBins; i++ {
			sum += min(a.Color[ch][i], b.Color[ch][i])
		}
	}
	return sum / 3
}
