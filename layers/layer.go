package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	Conv2DTranspose
	Flatten
	Reshape
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case Conv2DTranspose:
		return "Conv2DTranspose"
	case Flatten:
		return "Flatten"
	case Reshape:
		return "Reshape"
	default:
		return "Unknown"
	}
}

// Activation names accepted by the "activation" layer parameter.
const (
	ActivationNone = ""
	ActivationELU  = "elu"
)

// LayerSpec defines layer configuration. It is pure configuration; Build
// turns a compiled ModelSpec into executable stages.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation). The first
	// dimension is the batch size the model was compiled for; stages accept
	// any batch size at run time.
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete sequential model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct sequential models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape includes the batch
// dimension, e.g. [batch, height, width, channels] or [batch, features].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer. Inputs of rank > 2 are flattened.
// kernelL2 and activityL2 are L2 regularization coefficients (0 disables).
func (mb *ModelBuilder) AddDense(outputSize int, activation string, kernelL2, activityL2 float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    true,
			"activation":  activation,
			"kernel_l2":   kernelL2,
			"activity_l2": activityL2,
		},
	})
}

// AddConv2D adds a SAME-padded strided convolution over NHWC input
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride int, activation string, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"use_bias":        true,
			"activation":      activation,
		},
	})
}

// AddConv2DTranspose adds a SAME-padded transposed convolution. The output
// paddings select between the two full-resolution sizes a strided map can
// come from and must lie in [0, stride).
func (mb *ModelBuilder) AddConv2DTranspose(outputChannels, kernelSize, stride, outputPaddingH, outputPaddingW int, activation string, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2DTranspose,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels":  outputChannels,
			"kernel_size":      kernelSize,
			"stride":           stride,
			"output_padding_h": outputPaddingH,
			"output_padding_w": outputPaddingW,
			"use_bias":         true,
			"activation":       activation,
		},
	})
}

// AddFlatten collapses every non-batch dimension
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddReshape reshapes the non-batch dimensions to targetShape
func (mb *ModelBuilder) AddReshape(targetShape []int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Reshape,
		Name: name,
		Parameters: map[string]interface{}{
			"target_shape": append([]int(nil), targetShape...),
		},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape %v must include a batch dimension", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
		Compiled:   false,
	}

	copy(model.Layers, mb.layers)

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case Conv2DTranspose:
		return computeConv2DTransposeInfo(layer, inputShape)
	case Flatten:
		return []int{inputShape[0], product(inputShape[1:])}, [][]int{}, 0, nil
	case Reshape:
		return computeReshapeInfo(layer, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}

	// Compute input size by flattening all dimensions except batch
	inputSize := product(inputShape[1:])
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if getBoolParam(layer.Parameters, "use_bias", true) {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

func convParams(layer *LayerSpec, inputShape []int) (outCh, kernel, stride int, err error) {
	if len(inputShape) != 4 {
		return 0, 0, 0, fmt.Errorf("%s layer requires 4D input [batch, height, width, channels], got %v", layer.Type, inputShape)
	}
	outCh = getIntParam(layer.Parameters, "output_channels", 0)
	if outCh <= 0 {
		return 0, 0, 0, fmt.Errorf("missing output_channels parameter")
	}
	kernel = getIntParam(layer.Parameters, "kernel_size", 0)
	if kernel <= 0 {
		return 0, 0, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride = getIntParam(layer.Parameters, "stride", 1)
	if stride <= 0 {
		return 0, 0, 0, fmt.Errorf("invalid stride %d", stride)
	}
	layer.Parameters["input_channels"] = inputShape[3]
	return outCh, kernel, stride, nil
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outCh, kernel, stride, err := convParams(layer, inputShape)
	if err != nil {
		return nil, nil, 0, err
	}
	inCh := inputShape[3]

	// SAME padding: ceil(in / stride)
	outH := (inputShape[1] + stride - 1) / stride
	outW := (inputShape[2] + stride - 1) / stride

	// Kernel tensor: [kernel, kernel, inputChannels, outputChannels]
	paramShapes := [][]int{{kernel, kernel, inCh, outCh}}
	paramCount := int64(kernel * kernel * inCh * outCh)
	if getBoolParam(layer.Parameters, "use_bias", true) {
		paramShapes = append(paramShapes, []int{outCh})
		paramCount += int64(outCh)
	}

	return []int{inputShape[0], outH, outW, outCh}, paramShapes, paramCount, nil
}

func computeConv2DTransposeInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outCh, kernel, stride, err := convParams(layer, inputShape)
	if err != nil {
		return nil, nil, 0, err
	}
	inCh := inputShape[3]
	padH := getIntParam(layer.Parameters, "output_padding_h", 0)
	padW := getIntParam(layer.Parameters, "output_padding_w", 0)
	if padH < 0 || padH >= stride || padW < 0 || padW >= stride {
		return nil, nil, 0, fmt.Errorf("output padding (%d,%d) must be in [0,%d)", padH, padW, stride)
	}

	outH := (inputShape[1]-1)*stride + kernel - 2*(kernel/2) + padH
	outW := (inputShape[2]-1)*stride + kernel - 2*(kernel/2) + padW

	// Kernel tensor: [kernel, kernel, outputChannels, inputChannels]
	paramShapes := [][]int{{kernel, kernel, outCh, inCh}}
	paramCount := int64(kernel * kernel * inCh * outCh)
	if getBoolParam(layer.Parameters, "use_bias", true) {
		paramShapes = append(paramShapes, []int{outCh})
		paramCount += int64(outCh)
	}

	return []int{inputShape[0], outH, outW, outCh}, paramShapes, paramCount, nil
}

func computeReshapeInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	target := getIntSliceParam(layer.Parameters, "target_shape")
	if len(target) == 0 {
		return nil, nil, 0, fmt.Errorf("missing target_shape parameter")
	}
	if product(target) != product(inputShape[1:]) {
		return nil, nil, 0, fmt.Errorf("cannot reshape %v into %v", inputShape[1:], target)
	}
	return append([]int{inputShape[0]}, target...), [][]int{}, 0, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
	}

	return sb.String()
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// Helper functions for parameter extraction. Parameters decoded from JSON
// carry float64 numbers, so both forms are accepted.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return defaultValue
}

func getStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if val, ok := params[key].(string); ok {
		return val
	}
	return defaultValue
}

func getIntSliceParam(params map[string]interface{}, key string) []int {
	switch v := params[key].(type) {
	case []int:
		return v
	case []interface{}:
		out := make([]int, 0, len(v))
		for _, e := range v {
			if f, ok := e.(float64); ok {
				out = append(out, int(f))
			}
		}
		return out
	}
	return nil
}
