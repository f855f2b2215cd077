// Package training drives a dcvae model through epochs: data loading,
// learning-rate schedules, progress reporting and periodic saving.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-dcvae/checkpoints"
	"github.com/tsawler/go-dcvae/dcvae"
	"github.com/tsawler/go-dcvae/optimizer"
	"github.com/tsawler/go-dcvae/summary"
)

// ErrEarlyStop is returned by Fit when the held-out loss stopped improving.
var ErrEarlyStop = errors.New("early stopping")

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs        int    // last epoch to train, counted from 1
	StartEpoch    int    // epochs already completed; training resumes after it
	PrintInterval int    // update metrics and save weights every N epochs
	Scratch       string // weights root; empty disables saving
	Scheduler     LRScheduler
	Progress      io.Writer // per-batch progress bar; nil disables
	Report        io.Writer // PrintState output; nil disables
	EarlyStopping bool      // stop when the test loss has not improved
	Patience      int       // metric updates to wait for an improvement
}

// EpochResult summarises one trained epoch
type EpochResult struct {
	Epoch        int
	LearningRate float32
	Steps        int
	TrainLoss    float32 // mean training-mode loss over the epoch's steps
	Metrics      *dcvae.Metrics
	WeightsPath  string
	Duration     time.Duration
}

// Trainer manages the training process
type Trainer struct {
	model     *dcvae.Model
	optimizer optimizer.Optimizer
	sink      summary.Writer
	config    TrainingConfig
	log       *logrus.Logger
	history   []EpochResult

	bestLoss  float32
	badChecks int
}

// NewTrainer creates a new Trainer. sink receives the metrics after every
// update and may be nil.
func NewTrainer(model *dcvae.Model, opt optimizer.Optimizer, sink summary.Writer, config TrainingConfig) *Trainer {
	if config.PrintInterval <= 0 {
		config.PrintInterval = model.Specification().PrintInterval
	}
	if config.Scheduler == nil {
		config.Scheduler = ConstantLR{}
	}
	if config.Patience <= 0 {
		config.Patience = 10
	}
	return &Trainer{
		model:     model,
		optimizer: opt,
		sink:      sink,
		config:    config,
		log:       model.Logger(),
		bestLoss:  float32(math.Inf(1)),
	}
}

// Fit trains epochs StartEpoch+1 … Epochs. Every PrintInterval epochs it
// recomputes the metrics on both streams, writes them to the sink and the
// report, and saves a checkpoint under WeightsDir. Cancelling ctx stops
// between batches.
func (t *Trainer) Fit(ctx context.Context, train, test dcvae.BatchSource) error {
	spec := t.model.Specification()
	t.log.WithFields(logrus.Fields{
		"model":     spec.ModelName,
		"epochs":    t.config.Epochs,
		"start":     t.config.StartEpoch,
		"optimizer": spec.Optimizer,
		"schedule":  t.config.Scheduler.Name(),
		"strategy":  spec.Strategy.Name(),
	}).Info("starting training")

	for epoch := t.config.StartEpoch + 1; epoch <= t.config.Epochs; epoch++ {
		start := time.Now()
		lr := t.config.Scheduler.LR(epoch-1, spec.LearningRate)
		t.optimizer.UpdateLearningRate(lr)

		steps, loss, err := t.trainEpoch(ctx, train, epoch)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}
		result := EpochResult{Epoch: epoch, LearningRate: lr, Steps: steps, TrainLoss: loss}

		if epoch%t.config.PrintInterval == 0 {
			if err := t.report(ctx, train, test, &result); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}
		result.Duration = time.Since(start)
		t.history = append(t.history, result)

		t.log.WithFields(logrus.Fields{
			"epoch":    epoch,
			"steps":    steps,
			"loss":     loss,
			"lr":       lr,
			"duration": result.Duration.Round(time.Millisecond),
		}).Info("epoch complete")

		if t.shouldStop(result) {
			t.log.WithField("epoch", epoch).Warn("held-out loss stopped improving")
			return ErrEarlyStop
		}
	}
	return nil
}

// trainEpoch takes one optimisation step per batch
func (t *Trainer) trainEpoch(ctx context.Context, train dcvae.BatchSource, epoch int) (int, float32, error) {
	var bar *ProgressBar
	if t.config.Progress != nil {
		total := 0
		if l, ok := train.(interface{ Len() int }); ok {
			total = l.Len()
		}
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d/%d", epoch, t.config.Epochs), total)
	}

	var steps int
	var sum float64
	for b, err := range train.Batches(ctx) {
		if err != nil {
			return steps, 0, err
		}
		if err := ctx.Err(); err != nil {
			return steps, 0, err
		}
		v, err := t.model.TrainOnBatchWithLoss(b, t.optimizer)
		if err != nil {
			return steps, 0, fmt.Errorf("step %d: %w", steps, err)
		}
		steps++
		sum += float64(v.Overall())
		if bar != nil {
			bar.Update(steps, map[string]float32{"loss": float32(sum / float64(steps))})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if steps == 0 {
		return 0, 0, dcvae.ErrEmptyStream
	}
	return steps, float32(sum / float64(steps)), nil
}

// report updates the metrics, publishes them and saves the weights
func (t *Trainer) report(ctx context.Context, train, test dcvae.BatchSource, result *EpochResult) error {
	if err := t.model.UpdateMetrics(ctx, train, test); err != nil {
		return err
	}
	m := t.model.State()
	result.Metrics = &m

	if t.sink != nil {
		if err := t.model.UpdateLogfile(t.sink, result.Epoch); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	if t.config.Report != nil {
		fmt.Fprintf(t.config.Report, "Epoch: %d\n", result.Epoch)
		if err := t.model.PrintState(t.config.Report); err != nil {
			return err
		}
	}
	if ms, ok := t.config.Scheduler.(MetricScheduler); ok {
		ms.Observe(m.Test.Loss)
	}

	if t.config.Scratch == "" {
		return nil
	}
	spec := t.model.Specification()
	path := filepath.Join(dcvae.WeightsDir(t.config.Scratch, spec.ModelName, result.Epoch), "ckpt")
	state := checkpoints.TrainingState{
		Epoch:        result.Epoch,
		Step:         result.Steps,
		LearningRate: result.LearningRate,
		BestLoss:     min(t.bestLoss, m.Test.Loss),
		TotalSteps:   int(t.optimizer.GetStepCount()),
	}
	if err := t.model.SaveCheckpoint(path, t.optimizer, state); err != nil {
		return err
	}
	result.WeightsPath = path
	return nil
}

func (t *Trainer) shouldStop(result EpochResult) bool {
	if result.Metrics == nil {
		return false
	}
	loss := result.Metrics.Test.Loss
	if loss < t.bestLoss {
		t.bestLoss = loss
		t.badChecks = 0
		return false
	}
	t.badChecks++
	return t.config.EarlyStopping && t.badChecks >= t.config.Patience
}

// History returns the results of every completed epoch
func (t *Trainer) History() []EpochResult {
	return append([]EpochResult(nil), t.history...)
}
