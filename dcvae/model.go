// Package dcvae implements a deep convolutional variational autoencoder for
// gridded fields laid out batch × height × width × channel.
package dcvae

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-dcvae/layers"
	"github.com/tsawler/go-dcvae/tensor"
)

// ErrBadBatch is returned for batches without an input and a target tensor.
var ErrBadBatch = errors.New("batch needs at least an input and a target tensor")

// Batch is an indexable set of tensors: index 1 is the input
// (N×H×W×Cin) and the last index is the target (N×H×W×Cout). Any other
// entries are auxiliary and ignored.
type Batch struct {
	Tensors []*tensor.Tensor
}

// NewBatch lays out input and target with an empty auxiliary slot at index 0.
func NewBatch(input, target *tensor.Tensor) Batch {
	return Batch{Tensors: []*tensor.Tensor{nil, input, target}}
}

func (b Batch) Input() (*tensor.Tensor, error) {
	if len(b.Tensors) < 2 || b.Tensors[1] == nil {
		return nil, ErrBadBatch
	}
	return b.Tensors[1], nil
}

func (b Batch) Target() (*tensor.Tensor, error) {
	if len(b.Tensors) < 2 || b.Tensors[len(b.Tensors)-1] == nil {
		return nil, ErrBadBatch
	}
	return b.Tensors[len(b.Tensors)-1], nil
}

// NoiseSource draws the standard-normal eps of the reparameterization.
type NoiseSource interface {
	StandardNormal(shape []int) (*tensor.Tensor, error)
}

type randomNoise struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomNoise returns a goroutine-safe normal generator
func NewRandomNoise(seed int64) NoiseSource {
	return &randomNoise{rng: rand.New(rand.NewSource(seed))}
}

func (r *randomNoise) StandardNormal(shape []int) (*tensor.Tensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return tensor.RandomNormal(r.rng, shape, 0, 1)
}

// ZeroNoise makes the sampler return the mean, giving deterministic
// reconstructions.
type ZeroNoise struct{}

func (ZeroNoise) StandardNormal(shape []int) (*tensor.Tensor, error) {
	return tensor.Zeros(shape)
}

// Model is the encoder and generator pair plus the metric state.
// Training steps and weight loads are serialized; loss evaluation only
// reads the parameters and may run concurrently with itself.
type Model struct {
	spec      Specification
	encoder   *layers.Sequential
	generator *layers.Sequential
	mask      *tensor.Tensor
	noise     NoiseSource
	log       *logrus.Logger

	seed int64

	mu sync.Mutex

	metricsMu sync.Mutex
	metrics   Metrics
}

// Option configures New
type Option func(*Model)

// WithSeed fixes the seed for parameter initialisation and the default
// noise source.
func WithSeed(seed int64) Option {
	return func(m *Model) { m.seed = seed }
}

// WithNoiseSource replaces the sampler's random draw
func WithNoiseSource(ns NoiseSource) Option {
	return func(m *Model) { m.noise = ns }
}

func WithLogger(l *logrus.Logger) Option {
	return func(m *Model) { m.log = l }
}

// New validates a copy of spec and builds freshly initialised networks.
func New(spec Specification, opts ...Option) (*Model, error) {
	spec = spec.clone()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	m := &Model{spec: spec, seed: time.Now().UnixNano()}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logrus.New()
		m.log.SetOutput(io.Discard)
	}
	if m.noise == nil {
		m.noise = NewRandomNoise(m.seed + 1)
	}
	m.mask = spec.maskTensor()
	m.metrics = newMetrics(spec.NOutputChannels)

	rng := rand.New(rand.NewSource(m.seed))
	encSpec, genSpec, err := Architecture(&m.spec)
	if err != nil {
		return nil, err
	}
	if m.encoder, err = layers.Build(encSpec, rng); err != nil {
		return nil, fmt.Errorf("build encoder: %w", err)
	}
	if m.generator, err = layers.Build(genSpec, rng); err != nil {
		return nil, fmt.Errorf("build generator: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"model":      spec.ModelName,
		"grid":       fmt.Sprintf("%dx%d", spec.GridHeight, spec.GridWidth),
		"latent":     spec.LatentDimension,
		"parameters": encSpec.TotalParameters + genSpec.TotalParameters,
		"strategy":   spec.Strategy.Name(),
	}).Debug("model built")
	return m, nil
}

// Architecture compiles the encoder and generator layer stacks for spec.
//
// Encoder: one stride-2 SAME 3×3 ELU convolution per filter, flatten, and a
// dense projection to 2·latent with no activation.
// Generator: dense ELU projection to the coarsest encoder volume, reshape,
// stride-2 transposed convolutions back up the ladder (ELU except the last,
// which emits the output channels).
func Architecture(spec *Specification) (encoder, generator *layers.ModelSpec, err error) {
	r := spec.Regularization
	nf := len(spec.Filters)

	eb := layers.NewModelBuilder([]int{1, spec.GridHeight, spec.GridWidth, spec.NInputChannels})
	for i, f := range spec.Filters {
		eb.AddConv2D(f, 3, 2, layers.ActivationELU, fmt.Sprintf("encoder/conv_%d", i))
	}
	eb.AddFlatten("encoder/flatten").
		AddDense(2*spec.LatentDimension, layers.ActivationNone, r.EncoderKernel, r.EncoderActivity, "encoder/dense")
	if encoder, err = eb.Compile(); err != nil {
		return nil, nil, fmt.Errorf("compile encoder: %w", err)
	}

	hs, ws := spec.SpatialLadder()
	coarse := []int{hs[nf], ws[nf], spec.Filters[nf-1]}
	gb := layers.NewModelBuilder([]int{1, spec.LatentDimension}).
		AddDense(coarse[0]*coarse[1]*coarse[2], layers.ActivationELU, r.GeneratorKernel, r.GeneratorActivity, "generator/dense").
		AddReshape(coarse, "generator/reshape")
	for i, pad := range spec.OutputPaddings() {
		outCh, act := spec.NOutputChannels, layers.ActivationNone
		if i < nf-1 {
			outCh, act = spec.Filters[nf-2-i], layers.ActivationELU
		}
		gb.AddConv2DTranspose(outCh, 3, 2, pad[0], pad[1], act, fmt.Sprintf("generator/deconv_%d", i))
	}
	if generator, err = gb.Compile(); err != nil {
		return nil, nil, fmt.Errorf("compile generator: %w", err)
	}
	return encoder, generator, nil
}

// Specification returns a copy of the model's configuration
func (m *Model) Specification() Specification {
	return m.spec.clone()
}

// Parameters returns every trainable tensor, encoder first
func (m *Model) Parameters() []*tensor.Tensor {
	return append(m.encoder.Parameters(), m.generator.Parameters()...)
}

// Networks returns the compiled encoder and generator layer stacks
func (m *Model) Networks() (encoder, generator *layers.ModelSpec) {
	return m.encoder.Spec(), m.generator.Spec()
}

// Logger returns the model's logger
func (m *Model) Logger() *logrus.Logger {
	return m.log
}

// encode runs the encoder and splits its output into mean and log-variance,
// each N×latent.
func (m *Model) encode(ctx *layers.Context, x *tensor.Tensor) (mean, logVar *tensor.Tensor, err error) {
	out, err := m.encoder.Forward(ctx, x)
	if err != nil {
		return nil, nil, fmt.Errorf("encode: %w", err)
	}
	latent := m.spec.LatentDimension
	if mean, err = tensor.SliceLastAutograd(out, 0, latent); err != nil {
		return nil, nil, err
	}
	if logVar, err = tensor.SliceLastAutograd(out, latent, 2*latent); err != nil {
		return nil, nil, err
	}
	return mean, logVar, nil
}

// Encode maps an N×H×W×Cin field to the latent mean and log-variance.
func (m *Model) Encode(x *tensor.Tensor, training bool) (mean, logVar *tensor.Tensor, err error) {
	return m.encode(layers.NewContext(training), x)
}

// Reparameterize returns eps·exp(logVar/2) + mean with a fresh eps per call.
// eps is a constant input, so gradients flow to mean and logVar only.
func (m *Model) Reparameterize(mean, logVar *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(mean.Shape, logVar.Shape) {
		return nil, fmt.Errorf("reparameterize: %w: mean %v, log-variance %v", tensor.ErrShapeMismatch, mean.Shape, logVar.Shape)
	}
	eps, err := m.noise.StandardNormal(mean.Shape)
	if err != nil {
		return nil, err
	}
	std := tensor.ExpAutograd(tensor.ScaleAutograd(logVar, 0.5))
	scaled, err := tensor.MulAutograd(eps, std)
	if err != nil {
		return nil, err
	}
	return tensor.AddAutograd(scaled, mean)
}

func (m *Model) generate(ctx *layers.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := m.generator.Forward(ctx, z)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return out, nil
}

// Generate maps an N×latent sample to an N×H×W×Cout field.
func (m *Model) Generate(z *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	return m.generate(layers.NewContext(training), z)
}

// Call runs encode, sample and generate on the batch input.
func (m *Model) Call(b Batch, training bool) (*tensor.Tensor, error) {
	x, err := b.Input()
	if err != nil {
		return nil, err
	}
	ctx := layers.NewContext(training)
	mean, logVar, err := m.encode(ctx, x)
	if err != nil {
		return nil, err
	}
	z, err := m.Reparameterize(mean, logVar)
	if err != nil {
		return nil, err
	}
	return m.generate(ctx, z)
}
