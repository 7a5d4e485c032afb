//go:build integration

package enhance

import (
	"context"
	"testing"

	"github.com/your-org/snapflow/internal/vision"
	"github.com/your-org/snapflow/internal/vision/visiontest"
)

type memWriter struct {
	objects map[string][]byte
}

func (m *memWriter) PutObject(_ context.Context, key string, data []byte, _ string) error {
	m.objects[key] = data
	return nil
}

func TestEnhanceStoresJPEG(t *testing.T) {
	w := &memWriter{objects: map[string][]byte{}}
	e := NewEnhancer(w, DefaultSettings())

	key, err := e.Enhance(context.Background(), 1, 2, visiontest.Textured(120, 80, 4, 3))
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	data, ok := w.objects[key]
	if !ok {
		t.Fatalf("no object stored under %q", key)
	}
	img, err := vision.Decode(data)
	if err != nil {
		t.Fatalf("decode enhanced image: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 120 || b.Dy() != 80 {
		t.Fatalf("enhanced size = %v, want 120x80", b)
	}
}
