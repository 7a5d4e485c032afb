package vision

import (
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// alignPad is the margin added around a face box before rotation, so the
// corners stay filled after the crop is turned.
const alignPad = 0.2

// EyeAngle returns the angle of the line between the eyes, in radians.
// A positive angle means the right eye sits lower than the left.
func EyeAngle(d Detection) float64 {
	l := d.Landmarks[LandmarkLeftEye]
	r := d.Landmarks[LandmarkRightEye]
	return math.Atan2(float64(r[1]-l[1]), float64(r[0]-l[0]))
}

// Align crops the face described by d and rotates the crop about its centre
// so that the eye line is horizontal. It returns nil if the box is empty.
func Align(img image.Image, d Detection) *image.RGBA {
	crop := Crop(img, d.BBox, alignPad)
	if crop == nil {
		return nil
	}
	angle := EyeAngle(d)
	if math.Abs(angle) < 1e-3 {
		return crop
	}
	return Rotate(crop, -angle)
}

// Rotate turns img by angle radians around its centre, keeping the original
// size. With y pointing down, positive angles turn clockwise on screen.
func Rotate(img *image.RGBA, angle float64) *image.RGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	cx, cy := float64(w)/2, float64(h)/2
	cos, sin := math.Cos(angle), math.Sin(angle)

	// source -> destination: translate to origin, rotate, translate back
	s2d := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Transform(dst, s2d, img, img.Bounds(), draw.Src, nil)
	return dst
}
