package vision

import (
	"time"

	"github.com/h2non/bimg"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// CaptureTime reads the EXIF DateTimeOriginal tag of an encoded image. It
// returns nil when the tag is missing or unreadable. EXIF times carry no zone
// and are read as UTC.
func CaptureTime(data []byte) *time.Time {
	meta, err := bimg.NewImage(data).Metadata()
	if err != nil || meta.EXIF.DateTimeOriginal == "" {
		return nil
	}
	t, err := time.Parse(exifTimeLayout, meta.EXIF.DateTimeOriginal)
	if err != nil {
		return nil
	}
	return &t
}
