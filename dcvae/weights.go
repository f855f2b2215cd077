package dcvae

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-dcvae/checkpoints"
	"github.com/tsawler/go-dcvae/envconfig"
	"github.com/tsawler/go-dcvae/layers"
	"github.com/tsawler/go-dcvae/optimizer"
)

// WeightsDir is <scratch>/MLP/<model>/weights/Epoch_NNNN
func WeightsDir(scratch, modelName string, epoch int) string {
	return filepath.Join(scratch, "MLP", modelName, "weights", fmt.Sprintf("Epoch_%04d", epoch))
}

func (m *Model) checkpoint() (*checkpoints.Checkpoint, error) {
	weights, err := checkpoints.ExtractWeights(m.Parameters())
	if err != nil {
		return nil, err
	}
	return &checkpoints.Checkpoint{
		Models: map[string]*layers.ModelSpec{
			"encoder":   m.encoder.Spec(),
			"generator": m.generator.Spec(),
		},
		Weights:  weights,
		Metadata: checkpoints.CheckpointMetadata{Description: m.spec.ModelName},
	}, nil
}

// SaveWeights writes every named parameter to the binary checkpoint at path.
func (m *Model) SaveWeights(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.checkpoint()
	if err != nil {
		return err
	}
	if err := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary).SaveCheckpoint(c, path); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	m.log.WithField("path", path).Debug("weights saved")
	return nil
}

// ExportWeights writes the weights in the given format and precision, for
// consumers that cannot read the default binary checkpoint.
func (m *Model) ExportWeights(path string, format checkpoints.CheckpointFormat, p checkpoints.Precision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.checkpoint()
	if err != nil {
		return err
	}
	saver := checkpoints.NewCheckpointSaver(format)
	saver.SetPrecision(p)
	if err := saver.SaveCheckpoint(c, path); err != nil {
		return fmt.Errorf("export weights: %w", err)
	}
	m.log.WithFields(logrus.Fields{"path": path, "format": format.String()}).Debug("weights exported")
	return nil
}

// LoadWeights restores every parameter from path. A checkpoint that misses
// a parameter, carries an extra one, or disagrees on a shape is rejected and
// the model is left untouched.
func (m *Model) LoadWeights(path string) error {
	c, err := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary).LoadCheckpoint(path)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkpoints.LoadWeights(c.Weights, m.Parameters()); err != nil {
		return fmt.Errorf("load weights from %s: %w", path, err)
	}
	m.log.WithField("path", path).Debug("weights loaded")
	return nil
}

// SaveCheckpoint writes weights, optimizer state and training progress so a
// run can resume exactly.
func (m *Model) SaveCheckpoint(path string, opt optimizer.Optimizer, state checkpoints.TrainingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.checkpoint()
	if err != nil {
		return err
	}
	c.TrainingState = state
	if opt != nil {
		if c.OptimizerState, err = opt.GetState(); err != nil {
			return fmt.Errorf("optimizer state: %w", err)
		}
	}
	return checkpoints.NewCheckpointSaver(checkpoints.FormatBinary).SaveCheckpoint(c, path)
}

// LoadCheckpoint restores weights and, when opt is given, optimizer state.
func (m *Model) LoadCheckpoint(path string, opt optimizer.Optimizer) (checkpoints.TrainingState, error) {
	c, err := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary).LoadCheckpoint(path)
	if err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("load checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkpoints.LoadWeights(c.Weights, m.Parameters()); err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	if opt != nil && c.OptimizerState != nil {
		if err := opt.LoadState(c.OptimizerState); err != nil {
			return checkpoints.TrainingState{}, fmt.Errorf("load optimizer state: %w", err)
		}
	}
	return c.TrainingState, nil
}

// GetModel builds a model for spec and, when restarting after epoch 1,
// loads the weights saved at that epoch under the scratch tree.
func GetModel(spec Specification, epoch int, opts ...Option) (*Model, error) {
	m, err := New(spec, opts...)
	if err != nil {
		return nil, err
	}
	if epoch > 1 {
		path := filepath.Join(WeightsDir(envconfig.Scratch(), m.spec.ModelName, epoch), "ckpt")
		if err := m.LoadWeights(path); err != nil {
			return nil, err
		}
	}
	return m, nil
}
