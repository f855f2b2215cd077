package optimizer

import (
	"math"
	"sync"

	"github.com/tsawler/go-dcvae/tensor"
)

// AdaDeltaConfig holds configuration for AdaDelta optimizer
type AdaDeltaConfig struct {
	LearningRate float32 // Multiplier on the computed update (1 = classic AdaDelta)
	Rho          float32 // Decay rate for moving averages (typically 0.95)
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

// DefaultAdaDeltaConfig returns default AdaDelta optimizer configuration
func DefaultAdaDeltaConfig() AdaDeltaConfig {
	return AdaDeltaConfig{
		LearningRate: 1.0,
		Rho:          0.95,
		Epsilon:      1e-6,
		WeightDecay:  0.0,
	}
}

// AdaDelta keeps running averages of squared gradients, E[g²], and squared
// updates, E[Δx²], and steps by -sqrt(E[Δx²]+ε)/sqrt(E[g²]+ε)·g.
type AdaDelta struct {
	mu          sync.Mutex
	config      AdaDeltaConfig
	slots       *slotStore
	currentStep uint64
}

// NewAdaDelta creates a new AdaDelta optimizer
func NewAdaDelta(config AdaDeltaConfig) *AdaDelta {
	return &AdaDelta{config: config, slots: newSlotStore("squared_grad_avg", "squared_update_avg")}
}

func (a *AdaDelta) ApplyGradients(params, grads []*tensor.Tensor) error {
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
		key := paramKey(i, p)
		eg := a.slots.get("squared_grad_avg", key, p.NumElems)
		ex := a.slots.get("squared_update_avg", key, p.NumElems)
		for j, gv := range g.Data {
			if c.WeightDecay != 0 {
				gv += c.WeightDecay * p.Data[j]
			}
			eg[j] = c.Rho*eg[j] + (1-c.Rho)*gv*gv
			update := float32(math.Sqrt(float64(ex[j]+c.Epsilon))/math.Sqrt(float64(eg[j]+c.Epsilon))) * gv
			ex[j] = c.Rho*ex[j] + (1-c.Rho)*update*update
			p.Data[j] -= c.LearningRate * update
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (a *AdaDelta) GetState() (*OptimizerState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return &OptimizerState{
		Type: "AdaDelta",
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"rho":           a.config.Rho,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.currentStep,
		},
		StateData: a.slots.export(),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdaDelta) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaDelta", state); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.slots.restore(state.StateData); err != nil {
		return err
	}
	p := state.Parameters
	a.config.LearningRate = extractFloat32Param(p, "learning_rate", a.config.LearningRate)
	a.config.Rho = extractFloat32Param(p, "rho", a.config.Rho)
	a.config.Epsilon = extractFloat32Param(p, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(p, "weight_decay", a.config.WeightDecay)
	a.currentStep = extractUint64Param(p, "step_count", a.currentStep)
	return nil
}

func (a *AdaDelta) GetStepCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentStep
}

func (a *AdaDelta) UpdateLearningRate(lr float32) {
	a.mu.Lock()
	a.config.LearningRate = lr
	a.mu.Unlock()
}

func (a *AdaDelta) LearningRate() float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config.LearningRate
}
