package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-dcvae/checkpoints"
	"github.com/tsawler/go-dcvae/tensor"
)

// Optimizer defines the common interface for all optimizers.
// Parameters are updated in place; per-parameter state (momentum, variance,
// ...) is keyed by parameter name so it survives a checkpoint round trip.
type Optimizer interface {
	// ApplyGradients performs a single optimization step. grads[i] is the
	// gradient of params[i]; nil gradients are skipped.
	ApplyGradients(params, grads []*tensor.Tensor) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate
	LearningRate() float32
}

// OptimizerState represents the complete state of an optimizer.
// It is the checkpoint record, so it serializes with the rest of a checkpoint.
type OptimizerState = checkpoints.OptimizerState

// New creates an optimizer by name ("adam", "nadam", "sgd", "rmsprop",
// "adagrad", "adadelta") with default hyperparameters and the given
// learning rate.
func New(name string, learningRate float32) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = learningRate
		return NewAdam(cfg), nil
	case "nadam":
		cfg := DefaultNadamConfig()
		cfg.LearningRate = learningRate
		return NewNadam(cfg), nil
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = learningRate
		return NewSGD(cfg), nil
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = learningRate
		return NewRMSProp(cfg), nil
	case "adagrad":
		cfg := DefaultAdaGradConfig()
		cfg.LearningRate = learningRate
		return NewAdaGrad(cfg), nil
	case "adadelta":
		cfg := DefaultAdaDeltaConfig()
		cfg.LearningRate = learningRate
		return NewAdaDelta(cfg), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// checkGradients validates that params and grads line up
func checkGradients(params, grads []*tensor.Tensor) error {
	if len(params) != len(grads) {
		return fmt.Errorf("gradients length (%d) doesn't match parameters length (%d)", len(grads), len(params))
	}
	for i, g := range grads {
		if g == nil {
			continue
		}
		if !tensor.SameShape(g.Shape, params[i].Shape) {
			return fmt.Errorf("gradient %d (%s): %w: %v vs %v", i, params[i].Name(), tensor.ErrShapeMismatch, g.Shape, params[i].Shape)
		}
	}
	return nil
}

// paramKey names a parameter's optimizer state
func paramKey(i int, p *tensor.Tensor) string {
	if p.Name() != "" {
		return p.Name()
	}
	return fmt.Sprintf("param_%d", i)
}
