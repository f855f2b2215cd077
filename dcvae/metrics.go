package dcvae

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-dcvae/distribute"
	"github.com/tsawler/go-dcvae/summary"
	"github.com/tsawler/go-dcvae/tensor"
)

// ErrEmptyStream is returned when a metric stream yields no batches.
var ErrEmptyStream = errors.New("batch stream is empty")

// BatchSource yields the batches of one pass over a dataset.
type BatchSource interface {
	Batches(ctx context.Context) iter.Seq2[Batch, error]
}

// Batches is an in-memory BatchSource.
type Batches []Batch

func (bs Batches) Batches(ctx context.Context) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		for _, b := range bs {
			if !yield(b, nil) {
				return
			}
		}
	}
}

// EpochStatistics accumulates per-batch loss values over one stream:
// Reset, Accumulate once per batch, then Finalize to turn sums into means.
type EpochStatistics struct {
	RMSE    []float32
	LogPz   float32
	LogQzX  float32
	Loss    float32
	Batches int

	rmse                 []float64
	logpz, logqzx, total float64
}

// NewEpochStatistics creates zeroed statistics for the given output channels
func NewEpochStatistics(channels int) EpochStatistics {
	s := EpochStatistics{RMSE: make([]float32, channels), rmse: make([]float64, channels)}
	return s
}

// Reset zeroes every accumulator and result
func (s *EpochStatistics) Reset() {
	clear(s.RMSE)
	clear(s.rmse)
	s.LogPz, s.LogQzX, s.Loss = 0, 0, 0
	s.logpz, s.logqzx, s.total = 0, 0, 0
	s.Batches = 0
}

// Accumulate adds one batch's values, including its overall loss
func (s *EpochStatistics) Accumulate(v LossValues) error {
	if len(v.RMSE) != len(s.rmse) {
		return fmt.Errorf("loss has %d channels, statistics have %d", len(v.RMSE), len(s.rmse))
	}
	for i, r := range v.RMSE {
		s.rmse[i] += float64(r)
	}
	s.logpz += float64(v.LogPz)
	s.logqzx += float64(v.LogQzX)
	s.total += float64(v.Overall())
	s.Batches++
	return nil
}

// Finalize divides the sums by the batch count
func (s *EpochStatistics) Finalize() error {
	if s.Batches == 0 {
		return ErrEmptyStream
	}
	n := float64(s.Batches)
	for i, r := range s.rmse {
		s.RMSE[i] = float32(r / n)
	}
	s.LogPz = float32(s.logpz / n)
	s.LogQzX = float32(s.logqzx / n)
	s.Loss = float32(s.total / n)
	return nil
}

func (s EpochStatistics) clone() EpochStatistics {
	s.RMSE = append([]float32(nil), s.RMSE...)
	s.rmse = append([]float64(nil), s.rmse...)
	return s
}

// Metrics is the epoch-level state reported after UpdateMetrics.
// Regularization is the value of the last held-out batch.
type Metrics struct {
	Train          EpochStatistics
	Test           EpochStatistics
	Regularization float32
}

func newMetrics(channels int) Metrics {
	return Metrics{Train: NewEpochStatistics(channels), Test: NewEpochStatistics(channels)}
}

// State returns a copy of the current metrics
func (m *Model) State() Metrics {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	return Metrics{
		Train:          m.metrics.Train.clone(),
		Test:           m.metrics.Test.clone(),
		Regularization: m.metrics.Regularization,
	}
}

// EvaluateBatch computes the inference-mode loss of one batch under the
// model's strategy: the batch is sharded across replicas and the
// per-replica values are averaged.
func (m *Model) EvaluateBatch(ctx context.Context, b Batch) (LossValues, error) {
	channels := m.spec.NOutputChannels
	reduced, err := distribute.RunAndReduce(ctx, m.spec.Strategy, b.Tensors, func(_ context.Context, shard []*tensor.Tensor) ([]float32, error) {
		v, err := m.ComputeLoss(Batch{Tensors: shard}, false)
		if err != nil {
			return nil, err
		}
		return v.flatten(), nil
	})
	if err != nil {
		return LossValues{}, err
	}
	return unflattenLoss(reduced, channels)
}

// evaluate runs one stream. It returns the finalized statistics and the
// regularization of the last batch.
func (m *Model) evaluate(ctx context.Context, src BatchSource) (EpochStatistics, float32, error) {
	stats := NewEpochStatistics(m.spec.NOutputChannels)
	var lastReg float32
	for b, err := range src.Batches(ctx) {
		if err != nil {
			return stats, 0, err
		}
		if err := ctx.Err(); err != nil {
			return stats, 0, err
		}
		v, err := m.EvaluateBatch(ctx, b)
		if err != nil {
			return stats, 0, fmt.Errorf("batch %d: %w", stats.Batches, err)
		}
		if err := stats.Accumulate(v); err != nil {
			return stats, 0, err
		}
		lastReg = v.Regularization
	}
	if err := stats.Finalize(); err != nil {
		return stats, 0, err
	}
	return stats, lastReg, nil
}

// UpdateMetrics recomputes the train and test statistics in inference mode.
// The reported regularization is taken from the last test batch rather than
// averaged; the overwrite is kept on purpose. It matches the mean only when
// the activity coefficients are zero.
// On error the previous metrics are kept.
func (m *Model) UpdateMetrics(ctx context.Context, trainDS, testDS BatchSource) error {
	train, _, err := m.evaluate(ctx, trainDS)
	if err != nil {
		return fmt.Errorf("training stream: %w", err)
	}
	test, reg, err := m.evaluate(ctx, testDS)
	if err != nil {
		return fmt.Errorf("test stream: %w", err)
	}

	m.metricsMu.Lock()
	m.metrics = Metrics{Train: train, Test: test, Regularization: reg}
	m.metricsMu.Unlock()

	m.log.WithFields(logrus.Fields{
		"train_loss":     train.Loss,
		"test_loss":      test.Loss,
		"train_batches":  train.Batches,
		"test_batches":   test.Batches,
		"regularization": reg,
	}).Debug("metrics updated")
	return nil
}

// UpdateLogfile writes the current metrics to sink at the given epoch.
func (m *Model) UpdateLogfile(sink summary.Writer, epoch int) error {
	s := m.State()
	return errors.Join(
		sink.Vector("Train_RMSE", epoch, s.Train.RMSE),
		sink.Scalar("Train_logpz", epoch, s.Train.LogPz),
		sink.Scalar("Train_logqz_x", epoch, s.Train.LogQzX),
		sink.Scalar("Train_loss", epoch, s.Train.Loss),
		sink.Vector("Test_RMSE", epoch, s.Test.RMSE),
		sink.Scalar("Test_logpz", epoch, s.Test.LogPz),
		sink.Scalar("Test_logqz_x", epoch, s.Test.LogQzX),
		sink.Scalar("Test_loss", epoch, s.Test.Loss),
		sink.Scalar("Regularization_loss", epoch, s.Regularization),
	)
}

// PrintState renders the metrics as train, test columns: one line per
// output channel, then the scalar terms.
func (m *Model) PrintState(w io.Writer) error {
	s := m.State()
	for i, name := range m.spec.OutputNames {
		if _, err := fmt.Fprintf(w, "%-10s: %9.3f, %9.3f\n", name, s.Train.RMSE[i], s.Test.RMSE[i]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w,
		"logpz     : %9.3f, %9.3f\n"+
			"logqz_x   : %9.3f, %9.3f\n"+
			"regularize:            %9.3f\n"+
			"loss      : %9.3f, %9.3f\n",
		s.Train.LogPz, s.Test.LogPz,
		s.Train.LogQzX, s.Test.LogQzX,
		s.Regularization,
		s.Train.Loss, s.Test.Loss)
	return err
}
