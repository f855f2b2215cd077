package layers

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/tsawler/go-dcvae/tensor"
)

// Context carries per-call state through a forward pass: the training flag
// and the regularization terms the stages add. A Context belongs to one
// call, so concurrent passes over the same stages never share losses.
// No stage behaves differently in training mode yet.
type Context struct {
	Training bool

	mu     sync.Mutex
	losses []*tensor.Tensor
}

// NewContext creates a context for a single forward pass
func NewContext(training bool) *Context {
	return &Context{Training: training}
}

// AddLoss records a single-element regularization term
func (c *Context) AddLoss(loss *tensor.Tensor) {
	c.mu.Lock()
	c.losses = append(c.losses, loss)
	c.mu.Unlock()
}

// Losses returns the terms recorded so far
func (c *Context) Losses() []*tensor.Tensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*tensor.Tensor(nil), c.losses...)
}

// TotalLoss sums the recorded terms into one differentiable scalar, or a
// constant zero when nothing was recorded.
func (c *Context) TotalLoss() (*tensor.Tensor, error) {
	losses := c.Losses()
	if len(losses) == 0 {
		return tensor.Scalar(0), nil
	}
	total := losses[0]
	for _, l := range losses[1:] {
		var err error
		if total, err = tensor.AddAutograd(total, l); err != nil {
			return nil, fmt.Errorf("sum regularization losses: %w", err)
		}
	}
	return total, nil
}

// Stage is one executable layer
type Stage interface {
	Name() string
	Forward(ctx *Context, x *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
}

// Sequential runs stages in order
type Sequential struct {
	spec   *ModelSpec
	stages []Stage
}

// Build creates the executable stages for a compiled model. Kernels are
// drawn Glorot-uniform from rng; biases start at zero. Parameters are named
// "<layer name>/kernel" and "<layer name>/bias".
func Build(spec *ModelSpec, rng *rand.Rand) (*Sequential, error) {
	if !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}

	seq := &Sequential{spec: spec}
	for i := range spec.Layers {
		layer := &spec.Layers[i]
		stage, err := buildStage(layer, rng)
		if err != nil {
			return nil, fmt.Errorf("build layer %d (%s): %w", i, layer.Name, err)
		}
		seq.stages = append(seq.stages, stage)
	}
	return seq, nil
}

func buildStage(layer *LayerSpec, rng *rand.Rand) (Stage, error) {
	switch layer.Type {
	case Dense:
		kernel, bias, err := newParameters(layer, rng)
		if err != nil {
			return nil, err
		}
		return &denseStage{
			name:       layer.Name,
			kernel:     kernel,
			bias:       bias,
			activation: getStringParam(layer.Parameters, "activation", ActivationNone),
			kernelL2:   getFloatParam(layer.Parameters, "kernel_l2", 0),
			activityL2: getFloatParam(layer.Parameters, "activity_l2", 0),
		}, nil
	case Conv2D, Conv2DTranspose:
		kernel, bias, err := newParameters(layer, rng)
		if err != nil {
			return nil, err
		}
		return &convStage{
			name:       layer.Name,
			transpose:  layer.Type == Conv2DTranspose,
			kernel:     kernel,
			bias:       bias,
			stride:     getIntParam(layer.Parameters, "stride", 1),
			padH:       getIntParam(layer.Parameters, "output_padding_h", 0),
			padW:       getIntParam(layer.Parameters, "output_padding_w", 0),
			activation: getStringParam(layer.Parameters, "activation", ActivationNone),
		}, nil
	case Flatten, Reshape:
		return &reshapeStage{name: layer.Name, shape: layer.OutputShape[1:]}, nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

func newParameters(layer *LayerSpec, rng *rand.Rand) (kernel, bias *tensor.Tensor, err error) {
	if len(layer.ParameterShapes) == 0 {
		return nil, nil, fmt.Errorf("layer has no parameter shapes")
	}
	kernel, err = GlorotUniform(rng, layer.ParameterShapes[0])
	if err != nil {
		return nil, nil, err
	}
	kernel.SetName(layer.Name + "/kernel")
	kernel.SetRequiresGrad(true)

	if len(layer.ParameterShapes) > 1 {
		if bias, err = tensor.Zeros(layer.ParameterShapes[1]); err != nil {
			return nil, nil, err
		}
		bias.SetName(layer.Name + "/bias")
		bias.SetRequiresGrad(true)
	}
	return kernel, bias, nil
}

// GlorotUniform draws from U(-l, l) with l = sqrt(6 / (fanIn + fanOut)).
// For rank-4 kernels the receptive field multiplies both fans and the last
// two axes are taken as (fanIn, fanOut).
func GlorotUniform(rng *rand.Rand, shape []int) (*tensor.Tensor, error) {
	if len(shape) < 2 {
		return nil, fmt.Errorf("glorot initialisation needs rank >= 2, got %v", shape)
	}
	receptive := product(shape[:len(shape)-2])
	fanIn := receptive * shape[len(shape)-2]
	fanOut := receptive * shape[len(shape)-1]
	limit := float32(math.Sqrt(6 / float64(fanIn+fanOut)))
	return tensor.RandomUniform(rng, shape, limit)
}

// Forward runs every stage, checking that each one receives the non-batch
// shape it was compiled for.
func (s *Sequential) Forward(ctx *Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if ctx == nil {
		ctx = NewContext(false)
	}
	for i, stage := range s.stages {
		want := s.spec.Layers[i].InputShape[1:]
		if len(x.Shape) < 1 || !tensor.SameShape(x.Shape[1:], want) {
			return nil, fmt.Errorf("%s: %w: expected [N %v], got %v", stage.Name(), tensor.ErrShapeMismatch, want, x.Shape)
		}
		var err error
		if x, err = stage.Forward(ctx, x); err != nil {
			return nil, fmt.Errorf("%s: %w", stage.Name(), err)
		}
	}
	return x, nil
}

// Parameters returns every trainable tensor in layer order
func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, stage := range s.stages {
		params = append(params, stage.Parameters()...)
	}
	return params
}

// Stages exposes the executable layers
func (s *Sequential) Stages() []Stage {
	return s.stages
}

// Spec returns the compiled configuration the stages were built from
func (s *Sequential) Spec() *ModelSpec {
	return s.spec
}

// L2 returns coef·Σx² as a differentiable scalar
func L2(coef float32, x *tensor.Tensor) *tensor.Tensor {
	return tensor.ScaleAutograd(tensor.SumAutograd(tensor.SquareAutograd(x)), coef)
}

func activate(name string, x *tensor.Tensor) (*tensor.Tensor, error) {
	switch name {
	case ActivationNone:
		return x, nil
	case ActivationELU:
		return tensor.ELUAutograd(x), nil
	default:
		return nil, fmt.Errorf("unknown activation %q", name)
	}
}

type denseStage struct {
	name         string
	kernel, bias *tensor.Tensor
	activation   string
	kernelL2     float32
	activityL2   float32
}

func (d *denseStage) Name() string { return d.name }

func (d *denseStage) Parameters() []*tensor.Tensor {
	if d.bias == nil {
		return []*tensor.Tensor{d.kernel}
	}
	return []*tensor.Tensor{d.kernel, d.bias}
}

func (d *denseStage) Forward(ctx *Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	n := x.Shape[0]
	if len(x.Shape) != 2 {
		var err error
		if x, err = tensor.ReshapeAutograd(x, []int{n, -1}); err != nil {
			return nil, err
		}
	}

	y, err := tensor.MatMulAutograd(x, d.kernel)
	if err != nil {
		return nil, err
	}
	if d.bias != nil {
		if y, err = tensor.AddBiasAutograd(y, d.bias); err != nil {
			return nil, err
		}
	}
	if y, err = activate(d.activation, y); err != nil {
		return nil, err
	}

	if d.kernelL2 > 0 {
		ctx.AddLoss(L2(d.kernelL2, d.kernel))
	}
	// Activity regularization is averaged over the batch.
	if d.activityL2 > 0 {
		ctx.AddLoss(L2(d.activityL2/float32(n), y))
	}
	return y, nil
}

type convStage struct {
	name         string
	transpose    bool
	kernel, bias *tensor.Tensor
	stride       int
	padH, padW   int
	activation   string
}

func (c *convStage) Name() string { return c.name }

func (c *convStage) Parameters() []*tensor.Tensor {
	if c.bias == nil {
		return []*tensor.Tensor{c.kernel}
	}
	return []*tensor.Tensor{c.kernel, c.bias}
}

func (c *convStage) Forward(_ *Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	var (
		y   *tensor.Tensor
		err error
	)
	if c.transpose {
		y, err = tensor.Conv2DTransposeAutograd(x, c.kernel, c.bias, c.stride, c.padH, c.padW)
	} else {
		y, err = tensor.Conv2DAutograd(x, c.kernel, c.bias, c.stride)
	}
	if err != nil {
		return nil, err
	}
	return activate(c.activation, y)
}

type reshapeStage struct {
	name  string
	shape []int
}

func (r *reshapeStage) Name() string { return r.name }

func (r *reshapeStage) Parameters() []*tensor.Tensor { return nil }

func (r *reshapeStage) Forward(_ *Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReshapeAutograd(x, append([]int{x.Shape[0]}, r.shape...))
}
