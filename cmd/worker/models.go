package main

import (
	"fmt"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/recognition"
	"github.com/your-org/snapflow/internal/vision"
)

// faceModels owns the ONNX sessions of the worker.
type faceModels struct {
	detector  *vision.Detector
	embedders []*vision.Embedder
	methods   []recognition.Method
}

func loadFaceModels(vc config.VisionConfig, mc config.MatchingConfig) (*faceModels, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if vc.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(vc.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	det, err := vision.NewDetector(filepath.Join(vc.ModelsDir, vc.DetectorModel), float32(vc.DetectionThreshold), opts)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}
	fm := &faceModels{detector: det}

	for _, m := range mc.Methods {
		spec := vision.EmbedderSpec{
			Method:    m.Name,
			ModelPath: filepath.Join(vc.ModelsDir, m.Model),
			Output:    m.Output,
			InputSize: m.InputSize,
			Dim:       m.Dim,
		}
		if m.Name == "facenet" {
			spec.Std = 128
		}
		emb, err := vision.NewEmbedder(spec, opts)
		if err != nil {
			fm.Close()
			return nil, fmt.Errorf("load %s embedder: %w", m.Name, err)
		}
		fm.embedders = append(fm.embedders, emb)
		fm.methods = append(fm.methods, recognition.Method{
			Embedder:  emb,
			Threshold: m.Threshold,
			Secondary: m.Family == "secondary",
		})
	}
	return fm, nil
}

func (fm *faceModels) Close() {
	if fm.detector != nil {
		fm.detector.Close()
	}
	for _, e := range fm.embedders {
		e.Close()
	}
}

// onnxLibPath returns the ONNX Runtime shared library name for this OS.
func onnxLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
