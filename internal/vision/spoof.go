package vision

import (
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

// AntiSpoof scores the probability that a face crop came from a live
// person rather than a printed photo or screen replay. The network is
// a MiniFASNet-style classifier; class index 1 is "real".
type AntiSpoof struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
	classes      int
}

const spoofRealClass = 1

// NewAntiSpoof loads the anti-spoof ONNX model.
func NewAntiSpoof(modelPath string) (*AntiSpoof, error) {
	inputW, inputH := 112, 112
	classes := 3

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(classes))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"},
		[]string{"output"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create anti-spoof session: %w", err)
	}

	return &AntiSpoof{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       inputW,
		inputH:       inputH,
		classes:      classes,
	}, nil
}

// Predict runs the anti-spoof network on a context crop and returns
// the softmaxed "real" probability.
// faceData must be CHW [3, 112, 112], scaled to [0,1] with channels
// swapped to BGR.
func (a *AntiSpoof) Predict(faceData []float32) (float32, error) {
	inputSlice := a.inputTensor.GetData()
	copy(inputSlice, faceData)

	if err := a.session.Run(); err != nil {
		return 0, fmt.Errorf("run anti-spoof: %w", err)
	}

	logits := a.outputTensor.GetData()
	probs := softmax(logits[:a.classes])

	return probs[spoofRealClass], nil
}

// InputSize returns the expected crop dimensions.
func (a *AntiSpoof) InputSize() (int, int) {
	return a.inputW, a.inputH
}

func (a *AntiSpoof) Close() {
	if a.session != nil {
		a.session.Destroy()
	}
	if a.inputTensor != nil {
		a.inputTensor.Destroy()
	}
	if a.outputTensor != nil {
		a.outputTensor.Destroy()
	}
}

func softmax(logits []float32) []float32 {
	maxV := logits[0]
	for _, v := range logits[1:] {
		if v > maxV {
			maxV = v
		}
	}

	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
