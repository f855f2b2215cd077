package dcvae

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tsawler/go-dcvae/distribute"
	"github.com/tsawler/go-dcvae/tensor"
)

// ErrInvalidSpecification wraps every validation failure.
var ErrInvalidSpecification = errors.New("invalid specification")

// Regularization holds the L2 coefficients of the two regularized dense
// layers. Kernel terms penalize Σw², activity terms Σy² averaged over the
// batch.
type Regularization struct {
	EncoderActivity   float32 `json:"encoder_activity"`
	EncoderKernel     float32 `json:"encoder_kernel"`
	GeneratorActivity float32 `json:"generator_activity"`
	GeneratorKernel   float32 `json:"generator_kernel"`
}

// Specification configures a model. It is read-only once passed to New.
type Specification struct {
	ModelName     string   `json:"modelName"`
	InputTensors  []string `json:"inputTensors"`
	OutputTensors []string `json:"outputTensors,omitempty"` // nil: same as input
	OutputNames   []string `json:"outputNames"`

	NInputChannels  int `json:"nInputChannels"`
	NOutputChannels int `json:"nOutputChannels"`
	GridHeight      int `json:"gridHeight"`
	GridWidth       int `json:"gridWidth"`

	LatentDimension int            `json:"latentDimension"`
	Beta            float32        `json:"beta"`
	MaxGradient     *float32       `json:"maxGradient"` // nil: no clipping
	Regularization  Regularization `json:"regularization"`

	// Encoder filter ladder; the generator mirrors it.
	Filters []int `json:"filters,omitempty"`
	// Reference value the reconstruction skill is normalised against.
	// Zero is the missing-data sentinel, so zero selects the default 0.5.
	Climatology float32 `json:"climatology,omitempty"`
	// Optional GridHeight×GridWidth row-major mask; cells where it is zero
	// carry no weight in the reconstruction skill.
	TrainingMask []int32 `json:"trainingMask,omitempty"`

	// Driver settings
	NEpochs            int     `json:"nEpochs"`
	BatchSize          int     `json:"batchSize"`
	TestSplit          int     `json:"testSplit"` // every n-th sample is held out
	PrintInterval      int     `json:"printInterval"`
	ShuffleBufferSize  int     `json:"shuffleBufferSize"`
	MaxTrainingSamples int     `json:"maxTrainingSamples,omitempty"` // 0: all
	MaxTestSamples     int     `json:"maxTestSamples,omitempty"`
	Optimizer          string  `json:"optimizer"`
	LearningRate       float32 `json:"learningRate"`
	Replicas           int     `json:"replicas,omitempty"`

	// Strategy used for metric reduction; nil selects one from Replicas.
	Strategy distribute.Strategy `json:"-"`
}

// DefaultSpecification returns the base 2m-temperature configuration on the
// 721×1440 grid.
func DefaultSpecification() Specification {
	return Specification{
		ModelName:         "Base",
		InputTensors:      []string{"ERA5_tf_MM/2m_temperature"},
		OutputNames:       []string{"T2m"},
		NInputChannels:    1,
		NOutputChannels:   1,
		GridHeight:        721,
		GridWidth:         1440,
		LatentDimension:   100,
		Beta:              0.01,
		Filters:           []int{10, 20, 20, 40, 80},
		Climatology:       0.5,
		NEpochs:           250,
		BatchSize:         32,
		TestSplit:         11,
		PrintInterval:     1,
		ShuffleBufferSize: 1000,
		Optimizer:         "adam",
		LearningRate:      1e-3,
	}
}

// LoadSpecification reads a JSON specification over the defaults and
// validates it.
func LoadSpecification(path string) (Specification, error) {
	spec := DefaultSpecification()
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read specification: %w", err)
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parse specification %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return spec, err
	}
	return spec, nil
}

// Validate fills derived and defaulted fields and checks consistency.
func (s *Specification) Validate() error {
	if len(s.InputTensors) > 0 && s.NInputChannels == 0 {
		s.NInputChannels = len(s.InputTensors)
	}
	if s.NOutputChannels == 0 {
		if s.OutputTensors != nil {
			s.NOutputChannels = len(s.OutputTensors)
		} else {
			s.NOutputChannels = s.NInputChannels
		}
	}
	if len(s.Filters) == 0 {
		s.Filters = []int{10, 20, 20, 40, 80}
	}
	if s.Climatology == 0 {
		s.Climatology = 0.5
	}
	if s.Optimizer == "" {
		s.Optimizer = "adam"
	}
	if s.LearningRate == 0 {
		s.LearningRate = 1e-3
	}
	if s.PrintInterval == 0 {
		s.PrintInterval = 1
	}
	if s.Strategy == nil {
		if s.Replicas > 1 {
			s.Strategy = distribute.Mirrored{Replicas: s.Replicas}
		} else {
			s.Strategy = distribute.OneDevice{}
		}
	}

	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidSpecification, fmt.Sprintf(format, args...))
	}
	switch {
	case s.NInputChannels <= 0:
		return invalid("nInputChannels must be positive, got %d", s.NInputChannels)
	case s.NOutputChannels <= 0:
		return invalid("nOutputChannels must be positive, got %d", s.NOutputChannels)
	case s.GridHeight <= 0 || s.GridWidth <= 0:
		return invalid("grid must be positive, got %dx%d", s.GridHeight, s.GridWidth)
	case s.LatentDimension <= 0:
		return invalid("latentDimension must be positive, got %d", s.LatentDimension)
	case s.Beta < 0:
		return invalid("beta must not be negative, got %g", s.Beta)
	case s.MaxGradient != nil && *s.MaxGradient <= 0:
		return invalid("maxGradient must be positive or null, got %g", *s.MaxGradient)
	case len(s.OutputNames) != s.NOutputChannels:
		return invalid("%d output names for %d output channels", len(s.OutputNames), s.NOutputChannels)
	case s.TrainingMask != nil && len(s.TrainingMask) != s.GridHeight*s.GridWidth:
		return invalid("training mask has %d cells, grid has %d", len(s.TrainingMask), s.GridHeight*s.GridWidth)
	case s.BatchSize < 0 || s.NEpochs < 0 || s.TestSplit < 0:
		return invalid("batchSize, nEpochs and testSplit must not be negative")
	}
	r := s.Regularization
	if r.EncoderActivity < 0 || r.EncoderKernel < 0 || r.GeneratorActivity < 0 || r.GeneratorKernel < 0 {
		return invalid("regularization coefficients must not be negative: %+v", r)
	}
	for i, f := range s.Filters {
		if f <= 0 {
			return invalid("filter %d must be positive, got %d", i, f)
		}
	}
	return nil
}

// SpatialLadder returns the grid size after each encoder convolution,
// starting with the full grid: out = ceil(in/2).
func (s *Specification) SpatialLadder() (heights, widths []int) {
	h, w := s.GridHeight, s.GridWidth
	heights, widths = []int{h}, []int{w}
	for range s.Filters {
		h, w = tensor.SameOutputSize(h, 2), tensor.SameOutputSize(w, 2)
		heights = append(heights, h)
		widths = append(widths, w)
	}
	return heights, widths
}

// OutputPaddings returns the (height, width) output padding of each
// generator transposed convolution, coarsest first, so that the generator
// retraces the encoder ladder exactly. A stride-2 SAME transposed
// convolution maps n cells to 2n-1+p.
func (s *Specification) OutputPaddings() [][2]int {
	hs, ws := s.SpatialLadder()
	pads := make([][2]int, 0, len(s.Filters))
	for i := len(s.Filters); i > 0; i-- {
		pads = append(pads, [2]int{hs[i-1] - (2*hs[i] - 1), ws[i-1] - (2*ws[i] - 1)})
	}
	return pads
}

// maskTensor expands the training mask to H×W weights, or nil
func (s *Specification) maskTensor() *tensor.Tensor {
	if s.TrainingMask == nil {
		return nil
	}
	data := make([]float32, len(s.TrainingMask))
	for i, v := range s.TrainingMask {
		if v != 0 {
			data[i] = 1
		}
	}
	return tensor.MustNew([]int{s.GridHeight, s.GridWidth}, data)
}

func (s *Specification) clone() Specification {
	c := *s
	c.InputTensors = append([]string(nil), s.InputTensors...)
	c.OutputTensors = append([]string(nil), s.OutputTensors...)
	c.OutputNames = append([]string(nil), s.OutputNames...)
	c.Filters = append([]int(nil), s.Filters...)
	c.TrainingMask = append([]int32(nil), s.TrainingMask...)
	if s.MaxGradient != nil {
		v := *s.MaxGradient
		c.MaxGradient = &v
	}
	return c
}
