package dcvae

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-dcvae/optimizer"
	"github.com/tsawler/go-dcvae/tensor"
)

// TrainOnBatch performs one gradient step on b.
func (m *Model) TrainOnBatch(b Batch, opt optimizer.Optimizer) error {
	_, err := m.TrainOnBatchWithLoss(b, opt)
	return err
}

// TrainOnBatchWithLoss performs one gradient step and returns the loss
// terms of the forward pass it differentiated. Gradients of the overall
// loss are clipped to MaxGradient one parameter at a time when it is set.
func (m *Model) TrainOnBatchWithLoss(b Batch, opt optimizer.Optimizer) (LossValues, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	params := m.Parameters()
	tensor.ZeroGrad(params)
	defer tensor.ZeroGrad(params)

	g, err := m.forwardLoss(b, true)
	if err != nil {
		return LossValues{}, err
	}
	if err := g.overall.Backward(); err != nil {
		return LossValues{}, fmt.Errorf("backward: %w", err)
	}

	grads := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		if grads[i] = p.Grad(); grads[i] == nil {
			// A parameter the loss does not reach still takes a (zero) step.
			if grads[i], err = tensor.Zeros(p.Shape); err != nil {
				return LossValues{}, err
			}
		}
	}
	if m.spec.MaxGradient != nil {
		grads = optimizer.ClipEachByNorm(grads, *m.spec.MaxGradient)
	}
	if err := opt.ApplyGradients(params, grads); err != nil {
		return LossValues{}, fmt.Errorf("apply gradients: %w", err)
	}

	values := g.values()
	if m.log.IsLevelEnabled(logrus.TraceLevel) {
		m.log.WithFields(logrus.Fields{
			"step":    opt.GetStepCount(),
			"loss":    values.Overall(),
			"logpz":   values.LogPz,
			"logqz_x": values.LogQzX,
		}).Trace("train step")
	}
	if !isFinite(values.Overall()) {
		m.log.WithField("step", opt.GetStepCount()).Warn("non-finite training loss")
	}
	return values, nil
}
