package vision

import (
	"fmt"
	"image"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// FaceEmbedder turns an aligned face crop into an L2-normalized vector.
// Each implementation is one matching method.
type FaceEmbedder interface {
	Method() string
	Embed(face image.Image) ([]float32, error)
}

// EmbedderSpec describes an ONNX embedding model.
type EmbedderSpec struct {
	Method    string
	ModelPath string
	InputName string // defaults to "input.1"
	Output    string
	InputSize int
	Dim       int
	// Std is the normalization divisor around mean 127.5. ArcFace-family
	// models use 127.5, FaceNet exports use 128.
	Std float32
}

// Embedder extracts face embeddings with an ONNX model.
type Embedder struct {
	mu           sync.Mutex
	method       string
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputSize    int
	embDim       int
	std          float32
}

// NewEmbedder loads an embedding model. opts may be nil.
func NewEmbedder(spec EmbedderSpec, opts *ort.SessionOptions) (*Embedder, error) {
	if spec.InputName == "" {
		spec.InputName = "input.1"
	}
	if spec.Std == 0 {
		spec.Std = 127.5
	}

	inputShape := ort.NewShape(1, 3, int64(spec.InputSize), int64(spec.InputSize))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(spec.Dim))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(spec.ModelPath,
		[]string{spec.InputName},
		[]string{spec.Output},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create %s session: %w", spec.Method, err)
	}

	return &Embedder{
		method:       spec.Method,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputSize:    spec.InputSize,
		embDim:       spec.Dim,
		std:          spec.Std,
	}, nil
}

func (e *Embedder) Method() string { return e.method }

// Embed runs the model on a face crop and returns a normalized vector.
func (e *Embedder) Embed(face image.Image) ([]float32, error) {
	input := imageToFloat32CHW(face, e.inputSize, e.inputSize,
		[3]float32{127.5, 127.5, 127.5}, [3]float32{e.std, e.std, e.std})

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.inputTensor.GetData(), input)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run %s embedding: %w", e.method, err)
	}

	embedding := make([]float32, e.embDim)
	copy(embedding, e.outputTensor.GetData())
	Normalize(embedding)

	return embedding, nil
}

func (e *Embedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
}

// Normalize performs L2 normalization in-place.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
}

// CosineSimilarity computes the cosine of the angle between a and b.
// Mismatched or zero vectors have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return math.Min(1.0, math.Max(-1.0, dot/math.Sqrt(na*nb)))
}

// Confidence converts a cosine similarity to the 0-100 match confidence,
// (1 - cosine distance) * 100, clamped at zero.
func Confidence(similarity float64) float64 {
	return math.Max(0, similarity) * 100
}
