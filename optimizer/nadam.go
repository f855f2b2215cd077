package optimizer

import (
	"math"
	"sync"

	"github.com/tsawler/go-dcvae/tensor"
)

// NadamConfig holds configuration for the Nesterov-accelerated Adam optimizer
type NadamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.002,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// Nadam is Adam with a Nesterov look-ahead on the first moment:
// p -= lr·(β1·m̂ + (1-β1)·g/(1-β1^t)) / (sqrt(v̂)+ε)
type Nadam struct {
	mu        sync.Mutex
	config    NadamConfig
	slots     *slotStore
	stepCount uint64
}

// NewNadam creates a new Nadam optimizer
func NewNadam(config NadamConfig) *Nadam {
	return &Nadam{config: config, slots: newSlotStore("m", "v")}
}

func (n *Nadam) ApplyGradients(params, grads []*tensor.Tensor) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.stepCount++
	c := n.config
	t := float64(n.stepCount)
	bc1 := float32(1 - math.Pow(float64(c.Beta1), t))
	bc2 := float32(1 - math.Pow(float64(c.Beta2), t))

	for i, p := range params {
		g := grads[i]
		if g == nil {
			continue
		}
		key := paramKey(i, p)
		m := n.slots.get("m", key, p.NumElems)
		v := n.slots.get("v", key, p.NumElems)
		for j, gv := range g.Data {
			if c.WeightDecay != 0 {
				gv += c.WeightDecay * p.Data[j]
			}
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*gv
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*gv*gv
			mHat := c.Beta1*m[j]/bc1 + (1-c.Beta1)*gv/bc1
			vHat := v[j] / bc2
			p.Data[j] -= c.LearningRate * mHat / (float32(math.Sqrt(float64(vHat))) + c.Epsilon)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (n *Nadam) GetState() (*OptimizerState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	return &OptimizerState{
		Type: "Nadam",
		Parameters: map[string]interface{}{
			"learning_rate": n.config.LearningRate,
			"beta1":         n.config.Beta1,
			"beta2":         n.config.Beta2,
			"epsilon":       n.config.Epsilon,
			"weight_decay":  n.config.WeightDecay,
			"step_count":    n.stepCount,
		},
		StateData: n.slots.export(),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (n *Nadam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Nadam", state); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.slots.restore(state.StateData); err != nil {
		return err
	}
	p := state.Parameters
	n.config.LearningRate = extractFloat32Param(p, "learning_rate", n.config.LearningRate)
	n.config.Beta1 = extractFloat32Param(p, "beta1", n.config.Beta1)
	n.config.Beta2 = extractFloat32Param(p, "beta2", n.config.Beta2)
	n.config.Epsilon = extractFloat32Param(p, "epsilon", n.config.Epsilon)
	n.config.WeightDecay = extractFloat32Param(p, "weight_decay", n.config.WeightDecay)
	n.stepCount = extractUint64Param(p, "step_count", n.stepCount)
	return nil
}

func (n *Nadam) GetStepCount() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stepCount
}

func (n *Nadam) UpdateLearningRate(lr float32) {
	n.mu.Lock()
	n.config.LearningRate = lr
	n.mu.Unlock()
}

func (n *Nadam) LearningRate() float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.config.LearningRate
}
