package onnx

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// IO describes one model input or output.
type IO struct {
	Name     string
	Dims     []int64
	DataType string
}

// ModelInfo lists a model's inputs and outputs.
type ModelInfo struct {
	Path    string
	Inputs  []IO
	Outputs []IO
}

// Inspect reads the input and output metadata of the model at path. The
// ONNX Runtime environment must already be initialized.
func Inspect(path string) (ModelInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to read model info from %s: %w", path, err)
	}
	return ModelInfo{
		Path:    path,
		Inputs:  convertIO(inputs),
		Outputs: convertIO(outputs),
	}, nil
}

// Inspect reads the metadata of the model registered for styleID.
func (r *Runner) Inspect(styleID string) (ModelInfo, error) {
	m, err := r.registry.Lookup(styleID)
	if err != nil {
		return ModelInfo{}, err
	}
	return Inspect(m.Path)
}

func convertIO(infos []ort.InputOutputInfo) []IO {
	out := make([]IO, 0, len(infos))
	for _, info := range infos {
		out = append(out, IO{
			Name:     info.Name,
			Dims:     append([]int64(nil), info.Dimensions...),
			DataType: fmt.Sprint(info.DataType),
		})
	}
	return out
}

func (io IO) String() string {
	return fmt.Sprintf("%s %v %s", io.Name, io.Dims, io.DataType)
}
