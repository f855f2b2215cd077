package training

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler maps a 0-based epoch and the base learning rate to the rate
// used for that epoch.
type LRScheduler interface {
	LR(epoch int, base float32) float32
	Name() string
}

// MetricScheduler is an LRScheduler that also reacts to the held-out loss,
// reported once per metrics update.
type MetricScheduler interface {
	LRScheduler
	Observe(loss float32)
}

// NewScheduler returns the named schedule with defaults sized for a run of
// epochs: "constant", "step", "exponential", "cosine" or "plateau".
func NewScheduler(name string, epochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "constant":
		return ConstantLR{}, nil
	case "step":
		return NewStepLR(max(epochs/3, 1), 0.1), nil
	case "exponential":
		return NewExponentialLR(0.95), nil
	case "cosine":
		return NewCosineAnnealingLR(epochs, 0), nil
	case "plateau":
		return NewReduceLROnPlateau(0.5, 10, 1e-4), nil
	default:
		return nil, fmt.Errorf("unknown learning rate schedule %q", name)
	}
}

// StepLR reduces the learning rate by Gamma every StepSize epochs
type StepLR struct {
	StepSize int
	Gamma    float64
}

// NewStepLR creates a step schedule
func NewStepLR(stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLR{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLR) LR(epoch int, base float32) float32 {
	return float32(float64(base) * math.Pow(s.Gamma, float64(epoch/s.StepSize)))
}

func (s *StepLR) Name() string { return "StepLR" }

// ExponentialLR multiplies the learning rate by Gamma every epoch
type ExponentialLR struct {
	Gamma float64
}

// NewExponentialLR creates an exponential decay schedule
func NewExponentialLR(gamma float64) *ExponentialLR {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLR{Gamma: gamma}
}

func (s *ExponentialLR) LR(epoch int, base float32) float32 {
	return float32(float64(base) * math.Pow(s.Gamma, float64(epoch)))
}

func (s *ExponentialLR) Name() string { return "ExponentialLR" }

// CosineAnnealingLR anneals from the base rate to EtaMin over TMax epochs
type CosineAnnealingLR struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLR creates a cosine annealing schedule
func NewCosineAnnealingLR(tMax int, etaMin float64) *CosineAnnealingLR {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLR{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLR) LR(epoch int, base float32) float32 {
	if epoch >= s.TMax {
		return float32(s.EtaMin)
	}
	b := float64(base)
	return float32(s.EtaMin + (b-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2)
}

func (s *CosineAnnealingLR) Name() string { return "CosineAnnealingLR" }

// ReduceLROnPlateau multiplies the learning rate by Factor after Patience
// observations without an improvement larger than Threshold.
type ReduceLROnPlateau struct {
	Factor    float64
	Patience  int
	Threshold float64

	best      float64
	badEpochs int
	scale     float64
	observed  bool
}

// NewReduceLROnPlateau creates a plateau schedule on a loss to be minimised
func NewReduceLROnPlateau(factor float64, patience int, threshold float64) *ReduceLROnPlateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &ReduceLROnPlateau{Factor: factor, Patience: patience, Threshold: threshold, scale: 1}
}

// Observe records one held-out loss. Non-finite losses count as no
// improvement.
func (s *ReduceLROnPlateau) Observe(loss float32) {
	l := float64(loss)
	finite := !math.IsNaN(l) && !math.IsInf(l, 0)
	if !s.observed && finite {
		s.best, s.observed = l, true
		return
	}
	if finite && l < s.best-s.Threshold {
		s.best = l
		s.badEpochs = 0
		return
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.scale *= s.Factor
		s.badEpochs = 0
	}
}

func (s *ReduceLROnPlateau) LR(_ int, base float32) float32 {
	return float32(float64(base) * s.scale)
}

func (s *ReduceLROnPlateau) Name() string { return "ReduceLROnPlateau" }

// ConstantLR keeps the base learning rate
type ConstantLR struct{}

func (ConstantLR) LR(_ int, base float32) float32 { return base }

func (ConstantLR) Name() string { return "ConstantLR" }
