package optimizer

import (
	"math"
	"sync"

	"github.com/tsawler/go-dcvae/tensor"
)

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float32 // Learning rate
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

// AdaGrad scales each coordinate by the inverse root of its accumulated
// squared gradients.
type AdaGrad struct {
	mu          sync.Mutex
	config      AdaGradConfig
	slots       *slotStore
	currentStep uint64
}

// NewAdaGrad creates a new AdaGrad optimizer
func NewAdaGrad(config AdaGradConfig) *AdaGrad {
	return &AdaGrad{config: config, slots: newSlotStore("squared_grad_sum")}
}

func (a *AdaGrad) ApplyGradients(params, grads []*tensor.Tensor) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.currentStep++
	c := a.config
	for i, p := range params {
		g := grads[i]
		if g == nil {
			continue
		}
		acc := a.slots.get("squared_grad_sum", paramKey(i, p), p.NumElems)
		for j, gv := range g.Data {
			if c.WeightDecay != 0 {
				gv += c.WeightDecay * p.Data[j]
			}
			acc[j] += gv * gv
			p.Data[j] -= c.LearningRate * gv / (float32(math.Sqrt(float64(acc[j]))) + c.Epsilon)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (a *AdaGrad) GetState() (*OptimizerState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return &OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.currentStep,
		},
		StateData: a.slots.export(),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdaGrad) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.slots.restore(state.StateData); err != nil {
		return err
	}
	p := state.Parameters
	a.config.LearningRate = extractFloat32Param(p, "learning_rate", a.config.LearningRate)
	a.config.Epsilon = extractFloat32Param(p, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(p, "weight_decay", a.config.WeightDecay)
	a.currentStep = extractUint64Param(p, "step_count", a.currentStep)
	return nil
}

func (a *AdaGrad) GetStepCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentStep
}

func (a *AdaGrad) UpdateLearningRate(lr float32) {
	a.mu.Lock()
	a.config.LearningRate = lr
	a.mu.Unlock()
}

func (a *AdaGrad) LearningRate() float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config.LearningRate
}
