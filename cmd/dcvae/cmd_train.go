package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-dcvae/dcvae"
	"github.com/tsawler/go-dcvae/envconfig"
	"github.com/tsawler/go-dcvae/optimizer"
	"github.com/tsawler/go-dcvae/summary"
	"github.com/tsawler/go-dcvae/training"
)

func newTrainCmd() *cobra.Command {
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model",
		Long: `Train a model described by a JSON specification.

Weights are saved every printInterval epochs under
$DCVAE_SCRATCH/MLP/<model>/weights/Epoch_NNNN/ckpt and the metrics are
appended to the SQLite store.`,
		Args: cobra.NoArgs,
		RunE: TrainHandler,
	}

	trainCmd.Flags().String("spec", "", "JSON specification (default: the built-in base model)")
	trainCmd.Flags().Int("epochs", 0, "Last epoch to train (overrides nEpochs)")
	trainCmd.Flags().Int("restart", 0, "Resume from the checkpoint saved at this epoch")
	trainCmd.Flags().String("data", "", "Directory of field files (input/, optional target/)")
	trainCmd.Flags().Int("synthetic", 0, "Train on this many generated samples instead of --data")
	trainCmd.Flags().Int("cache", 0, "Keep this many decoded samples in memory")
	trainCmd.Flags().Int("prefetch", 2, "Training batches to load ahead (0 disables)")
	trainCmd.Flags().String("schedule", "constant", "Learning-rate schedule: constant, step, exponential, cosine, plateau")
	trainCmd.Flags().String("db", envconfig.DB(), "SQLite metrics store; empty disables it")
	trainCmd.Flags().Int("patience", 0, "Stop after this many metric updates without improvement (0 disables)")
	trainCmd.Flags().Int("workers", runtime.NumCPU(), "Goroutines loading each batch")
	trainCmd.Flags().Int64("seed", 1, "Seed for initialisation, noise and shuffling")
	trainCmd.Flags().Bool("progress", false, "Show a per-batch progress bar")
	return trainCmd
}

func TrainHandler(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	spec, err := loadSpec(cmd)
	if err != nil {
		return err
	}
	if epochs, _ := flags.GetInt("epochs"); epochs > 0 {
		spec.NEpochs = epochs
	}
	applyReplicas(&spec)

	seed, _ := flags.GetInt64("seed")
	logger := newLogger(cmd)
	model, err := dcvae.New(spec, dcvae.WithLogger(logger), dcvae.WithSeed(seed))
	if err != nil {
		return err
	}
	spec = model.Specification()

	opt, err := optimizer.New(spec.Optimizer, spec.LearningRate)
	if err != nil {
		return err
	}

	startEpoch := 0
	if restart, _ := flags.GetInt("restart"); restart > 0 {
		state, err := model.LoadCheckpoint(weightsPath(spec, restart), opt)
		if err != nil {
			return err
		}
		startEpoch = state.Epoch
		logger.WithFields(logrus.Fields{"epoch": state.Epoch, "steps": state.TotalSteps}).Info("resuming")
	}

	trainLoader, testLoader, err := loaders(cmd, spec, seed)
	if err != nil {
		return err
	}

	name, _ := flags.GetString("schedule")
	scheduler, err := training.NewScheduler(name, spec.NEpochs)
	if err != nil {
		return err
	}

	sink := summary.Writer(summary.NewLogWriter(logger, spec.ModelName))
	if db, _ := flags.GetString("db"); db != "" {
		if err := os.MkdirAll(filepath.Dir(db), 0o755); err != nil {
			return err
		}
		sw, err := summary.NewSQLiteWriter(db, spec.ModelName)
		if err != nil {
			return err
		}
		logger.WithField("run", sw.RunID()).Info("recording metrics")
		sink = summary.Multi(sw, sink)
	}
	defer sink.Close()

	encoder, generator := model.Networks()
	training.PrintArchitecture(cmd.OutOrStdout(), spec.ModelName, encoder, generator)

	patience, _ := flags.GetInt("patience")
	cfg := training.TrainingConfig{
		Epochs:        spec.NEpochs,
		StartEpoch:    startEpoch,
		PrintInterval: spec.PrintInterval,
		Scratch:       envconfig.Scratch(),
		Scheduler:     scheduler,
		Report:        cmd.OutOrStdout(),
		EarlyStopping: patience > 0,
		Patience:      patience,
	}
	if progress, _ := flags.GetBool("progress"); progress {
		cfg.Progress = cmd.ErrOrStderr()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	err = training.NewTrainer(model, opt, sink, cfg).Fit(ctx, trainLoader, testLoader)
	if errors.Is(err, training.ErrEarlyStop) {
		return nil
	}
	return err
}

// loaders builds the training and held-out streams
func loaders(cmd *cobra.Command, spec dcvae.Specification, seed int64) (dcvae.BatchSource, dcvae.BatchSource, error) {
	flags := cmd.Flags()
	var ds training.Dataset
	dir, _ := flags.GetString("data")
	n, _ := flags.GetInt("synthetic")
	switch {
	case dir != "":
		folder, err := training.NewFieldFolderDataset(dir, spec.GridHeight, spec.GridWidth, spec.NInputChannels, spec.NOutputChannels)
		if err != nil {
			return nil, nil, err
		}
		ds = folder
	case n > 0:
		ds = training.NewSyntheticDataset(n, spec.GridHeight, spec.GridWidth, spec.NInputChannels, spec.NOutputChannels, seed)
	default:
		return nil, nil, errors.New("no data source: pass --data DIR or --synthetic N")
	}
	if size, _ := flags.GetInt("cache"); size > 0 {
		ds = training.NewCachedDataset(ds, size)
	}

	train, test, err := training.Split(ds, spec.TestSplit)
	if err != nil {
		return nil, nil, err
	}
	train = train.Limit(spec.MaxTrainingSamples)
	test = test.Limit(spec.MaxTestSamples)
	if train.Len() == 0 || test.Len() == 0 {
		return nil, nil, fmt.Errorf("%d samples with testSplit %d leave %d for training and %d held out", ds.Len(), spec.TestSplit, train.Len(), test.Len())
	}

	workers, _ := flags.GetInt("workers")
	trainLoader := training.NewDataLoader(train, spec.BatchSize, true, workers, seed)
	trainLoader.SetShuffleBuffer(spec.ShuffleBufferSize)
	testLoader := training.NewDataLoader(test, spec.BatchSize, false, workers, seed)

	if depth, _ := flags.GetInt("prefetch"); depth > 0 {
		return training.NewPrefetcher(trainLoader, depth), testLoader, nil
	}
	return trainLoader, testLoader, nil
}
