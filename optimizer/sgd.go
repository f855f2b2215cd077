package optimizer

import (
	"sync"

	"github.com/tsawler/go-dcvae/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional (Nesterov) momentum
type SGD struct {
	mu        sync.Mutex
	config    SGDConfig
	slots     *slotStore
	stepCount uint64
}

// NewSGD creates a new SGD optimizer
func NewSGD(config SGDConfig) *SGD {
	return &SGD{config: config, slots: newSlotStore("momentum")}
}

func (sgd *SGD) ApplyGradients(params, grads []*tensor.Tensor) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}

	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	sgd.stepCount++
	c := sgd.config
	for i, p := range params {
		g := grads[i]
		if g == nil {
			continue
		}
		var buf []float32
		if c.Momentum > 0 {
			buf = sgd.slots.get("momentum", paramKey(i, p), p.NumElems)
		}
		for j, gv := range g.Data {
			if c.WeightDecay != 0 {
				gv += c.WeightDecay * p.Data[j]
			}
			if buf != nil {
				// velocity = momentum * velocity + grad
				buf[j] = c.Momentum*buf[j] + gv
				if c.Nesterov {
					gv += c.Momentum * buf[j]
				} else {
					gv = buf[j]
				}
			}
			p.Data[j] -= c.LearningRate * gv
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*OptimizerState, error) {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.config.LearningRate,
			"momentum":      sgd.config.Momentum,
			"weight_decay":  sgd.config.WeightDecay,
			"nesterov":      sgd.config.Nesterov,
			"step_count":    sgd.stepCount,
		},
		StateData: sgd.slots.export(),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	if err := sgd.slots.restore(state.StateData); err != nil {
		return err
	}
	p := state.Parameters
	sgd.config.LearningRate = extractFloat32Param(p, "learning_rate", sgd.config.LearningRate)
	sgd.config.Momentum = extractFloat32Param(p, "momentum", sgd.config.Momentum)
	sgd.config.WeightDecay = extractFloat32Param(p, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Nesterov = extractBoolParam(p, "nesterov", sgd.config.Nesterov)
	sgd.stepCount = extractUint64Param(p, "step_count", sgd.stepCount)
	return nil
}

func (sgd *SGD) GetStepCount() uint64 {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	return sgd.stepCount
}

func (sgd *SGD) UpdateLearningRate(lr float32) {
	sgd.mu.Lock()
	sgd.config.LearningRate = lr
	sgd.mu.Unlock()
}

func (sgd *SGD) LearningRate() float32 {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	return sgd.config.LearningRate
}
