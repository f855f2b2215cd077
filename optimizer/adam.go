package optimizer

import (
	"math"
	"sync"

	"github.com/tsawler/go-dcvae/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam update with the bias correction folded into the
// step size: lr_t = lr·sqrt(1-β2^t)/(1-β1^t), p -= lr_t·m/(sqrt(v)+ε).
type Adam struct {
	mu        sync.Mutex
	config    AdamConfig
	slots     *slotStore
	stepCount uint64
}

// NewAdam creates a new Adam optimizer
func NewAdam(config AdamConfig) *Adam {
	return &Adam{config: config, slots: newSlotStore("m", "v")}
}

func (adam *Adam) ApplyGradients(params, grads []*tensor.Tensor) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}

	adam.mu.Lock()
	defer adam.mu.Unlock()

	adam.stepCount++
	c := adam.config
	t := float64(adam.stepCount)
	lrT := float32(float64(c.LearningRate) * math.Sqrt(1-math.Pow(float64(c.Beta2), t)) / (1 - math.Pow(float64(c.Beta1), t)))

	for i, p := range params {
		g := grads[i]
		if g == nil {
			continue
		}
		key := paramKey(i, p)
		m := adam.slots.get("m", key, p.NumElems)
		v := adam.slots.get("v", key, p.NumElems)
		for j, gv := range g.Data {
			if c.WeightDecay != 0 {
				gv += c.WeightDecay * p.Data[j]
			}
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*gv
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*gv*gv
			p.Data[j] -= lrT * m[j] / (float32(math.Sqrt(float64(v[j]))) + c.Epsilon)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"weight_decay":  adam.config.WeightDecay,
			"step_count":    adam.stepCount,
		},
		StateData: adam.slots.export(),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.mu.Lock()
	defer adam.mu.Unlock()

	if err := adam.slots.restore(state.StateData); err != nil {
		return err
	}
	p := state.Parameters
	adam.config.LearningRate = extractFloat32Param(p, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractFloat32Param(p, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloat32Param(p, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloat32Param(p, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloat32Param(p, "weight_decay", adam.config.WeightDecay)
	adam.stepCount = extractUint64Param(p, "step_count", adam.stepCount)
	return nil
}

// GetStepCount returns the current step count
func (adam *Adam) GetStepCount() uint64 {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	return adam.stepCount
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *Adam) UpdateLearningRate(newLR float32) {
	adam.mu.Lock()
	adam.config.LearningRate = newLR
	adam.mu.Unlock()
}

func (adam *Adam) LearningRate() float32 {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	return adam.config.LearningRate
}
