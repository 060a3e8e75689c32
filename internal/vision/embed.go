package vision

import (
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

// Recognizer extracts face embeddings using an ArcFace ONNX model.
type Recognizer struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
	embDim       int
}

// NewRecognizer loads the ArcFace ONNX model. embDim must match the
// model's output width (128 for the mobile backend, 512 for w600k_r50).
func NewRecognizer(modelPath string, embDim int) (*Recognizer, error) {
	inputW, inputH := 112, 112

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(embDim))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		[]string{"683"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create recognizer session: %w", err)
	}

	return &Recognizer{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       inputW,
		inputH:       inputH,
		embDim:       embDim,
	}, nil
}

// Embed runs embedding extraction on a face crop.
// faceData must be CHW [3, 112, 112], normalized.
// Returns an L2-normalized embedding vector of EmbeddingDim length.
func (r *Recognizer) Embed(faceData []float32) ([]float32, error) {
	inputSlice := r.inputTensor.GetData()
	copy(inputSlice, faceData)

	if err := r.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedding: %w", err)
	}

	outputData := r.outputTensor.GetData()

	embedding := make([]float32, r.embDim)
	copy(embedding, outputData)

	Normalize(embedding)

	return embedding, nil
}

// InputSize returns the expected face crop dimensions.
func (r *Recognizer) InputSize() (int, int) {
	return r.inputW, r.inputH
}

// EmbeddingDim returns the embedding vector dimension.
func (r *Recognizer) EmbeddingDim() int {
	return r.embDim
}

func (r *Recognizer) Close() {
	if r.session != nil {
		r.session.Destroy()
	}
	if r.inputTensor != nil {
		r.inputTensor.Destroy()
	}
	if r.outputTensor != nil {
		r.outputTensor.Destroy()
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
