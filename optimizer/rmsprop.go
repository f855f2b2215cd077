package optimizer

import (
	"math"
	"sync"

	"github.com/tsawler/go-dcvae/tensor"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.001,
		Alpha:        0.9,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// RMSProp divides the gradient by a running root-mean-square of recent
// gradients; the centered variant subtracts the running mean first.
type RMSProp struct {
	mu        sync.Mutex
	config    RMSPropConfig
	slots     *slotStore
	stepCount uint64
}

// NewRMSProp creates a new RMSProp optimizer
func NewRMSProp(config RMSPropConfig) *RMSProp {
	return &RMSProp{config: config, slots: newSlotStore("squared_grad_avg", "grad_avg", "momentum")}
}

func (r *RMSProp) ApplyGradients(params, grads []*tensor.Tensor) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stepCount++
	c := r.config
	for i, p := range params {
		g := grads[i]
		if g == nil {
			continue
		}
		key := paramKey(i, p)
		sq := r.slots.get("squared_grad_avg", key, p.NumElems)
		var avg, mom []float32
		if c.Centered {
			avg = r.slots.get("grad_avg", key, p.NumElems)
		}
		if c.Momentum > 0 {
			mom = r.slots.get("momentum", key, p.NumElems)
		}
		for j, gv := range g.Data {
			if c.WeightDecay != 0 {
				gv += c.WeightDecay * p.Data[j]
			}
			sq[j] = c.Alpha*sq[j] + (1-c.Alpha)*gv*gv
			denom := sq[j]
			if avg != nil {
				avg[j] = c.Alpha*avg[j] + (1-c.Alpha)*gv
				denom -= avg[j] * avg[j]
			}
			step := gv / (float32(math.Sqrt(float64(denom))) + c.Epsilon)
			if mom != nil {
				mom[j] = c.Momentum*mom[j] + step
				step = mom[j]
			}
			p.Data[j] -= c.LearningRate * step
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (r *RMSProp) GetState() (*OptimizerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": r.config.LearningRate,
			"alpha":         r.config.Alpha,
			"epsilon":       r.config.Epsilon,
			"weight_decay":  r.config.WeightDecay,
			"momentum":      r.config.Momentum,
			"centered":      r.config.Centered,
			"step_count":    r.stepCount,
		},
		StateData: r.slots.export(),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (r *RMSProp) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.slots.restore(state.StateData); err != nil {
		return err
	}
	p := state.Parameters
	r.config.LearningRate = extractFloat32Param(p, "learning_rate", r.config.LearningRate)
	r.config.Alpha = extractFloat32Param(p, "alpha", r.config.Alpha)
	r.config.Epsilon = extractFloat32Param(p, "epsilon", r.config.Epsilon)
	r.config.WeightDecay = extractFloat32Param(p, "weight_decay", r.config.WeightDecay)
	r.config.Momentum = extractFloat32Param(p, "momentum", r.config.Momentum)
	r.config.Centered = extractBoolParam(p, "centered", r.config.Centered)
	r.stepCount = extractUint64Param(p, "step_count", r.stepCount)
	return nil
}

func (r *RMSProp) GetStepCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepCount
}

func (r *RMSProp) UpdateLearningRate(lr float32) {
	r.mu.Lock()
	r.config.LearningRate = lr
	r.mu.Unlock()
}

func (r *RMSProp) LearningRate() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.LearningRate
}
