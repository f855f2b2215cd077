package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-dcvae/checkpoints"
	"github.com/tsawler/go-dcvae/dcvae"
	"github.com/tsawler/go-dcvae/training"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeSpec(t *testing.T, dir string) string {
	t.Helper()
	spec := dcvae.DefaultSpecification()
	spec.ModelName = "cli"
	spec.GridHeight, spec.GridWidth = 4, 4
	spec.LatentDimension = 4
	spec.Filters = []int{4, 8}
	spec.NEpochs = 2
	spec.BatchSize = 4
	spec.TestSplit = 4

	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "spec.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected %s to exist: %v", path, err)
	}
}

func TestSpecCommand(t *testing.T) {
	out, err := run(t, "spec")
	if err != nil {
		t.Fatal(err)
	}
	var spec dcvae.Specification
	if err := json.Unmarshal([]byte(out), &spec); err != nil {
		t.Fatalf("spec output is not JSON: %v\n%s", err, out)
	}
	if spec.ModelName != "Base" || spec.GridHeight != 721 || spec.NOutputChannels != 1 {
		t.Errorf("unexpected default specification: %+v", spec)
	}
}

func TestSpecCommandRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"latentDimension": -1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, "spec", "--spec", path)
	if err == nil || !strings.Contains(err.Error(), "latentDimension") {
		t.Errorf("expected a latentDimension error, got %v", err)
	}
}

func TestTrainResumeHistoryExport(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DCVAE_SCRATCH", dir)
	spec := writeSpec(t, dir)
	db := filepath.Join(dir, "metrics.db")

	out, err := run(t, "train", "--spec", spec, "--synthetic", "12", "--db", db, "--workers", "1")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"cli(\n", "Total parameters:", "Epoch: 1\n", "Epoch: 2\n", "T2m"} {
		if !strings.Contains(out, want) {
			t.Errorf("train output missing %q:\n%s", want, out)
		}
	}
	exists(t, filepath.Join(dcvae.WeightsDir(dir, "cli", 1), "ckpt"))
	exists(t, filepath.Join(dcvae.WeightsDir(dir, "cli", 2), "ckpt"))

	out, err = run(t, "train", "--spec", spec, "--synthetic", "12", "--db", db, "--restart", "2", "--epochs", "3")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "Epoch: 2\n") || !strings.Contains(out, "Epoch: 3\n") {
		t.Errorf("resumed run should only train epoch 3:\n%s", out)
	}
	exists(t, filepath.Join(dcvae.WeightsDir(dir, "cli", 3), "ckpt"))

	out, err = run(t, "history", "--db", db, "--model", "cli", "--spec", spec)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Run ", "Train_loss", "Test_RMSE"} {
		if !strings.Contains(out, want) {
			t.Errorf("history output missing %q:\n%s", want, out)
		}
	}

	exported := filepath.Join(dir, "export", "weights.json")
	out, err = run(t, "export", exported, "--spec", spec, "--epoch", "1", "--format", "json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "exported epoch 1 of cli") {
		t.Errorf("unexpected export output: %s", out)
	}
	c, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(exported)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Weights) == 0 {
		t.Error("exported checkpoint has no weights")
	}
}

func TestTrainNeedsData(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DCVAE_SCRATCH", dir)
	_, err := run(t, "train", "--spec", writeSpec(t, dir), "--db", "")
	if err == nil || !strings.Contains(err.Error(), "no data source") {
		t.Errorf("expected a missing data error, got %v", err)
	}
}

func TestTrainRejectsUnknownSchedule(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DCVAE_SCRATCH", dir)
	_, err := run(t, "train", "--spec", writeSpec(t, dir), "--db", "", "--synthetic", "12", "--schedule", "warmup")
	if err == nil {
		t.Error("expected an unknown schedule error")
	}
}

func TestHistoryEmptyStore(t *testing.T) {
	_, err := run(t, "history", "--db", filepath.Join(t.TempDir(), "empty.db"))
	if err == nil || !strings.Contains(err.Error(), "no runs recorded") {
		t.Errorf("expected no runs error, got %v", err)
	}
}

func TestEnvCommand(t *testing.T) {
	t.Setenv("DCVAE_HOST", "0.0.0.0:9000")
	out, err := run(t, "env")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"DCVAE_HOST", "0.0.0.0:9000", "DCVAE_SCRATCH"} {
		if !strings.Contains(out, want) {
			t.Errorf("env output missing %q:\n%s", want, out)
		}
	}
}

func TestTrainOnFieldFolder(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DCVAE_SCRATCH", dir)
	data := filepath.Join(dir, "fields")
	ds := training.NewSyntheticDataset(8, 4, 4, 1, 1, 2)
	for i := 0; i < ds.Len(); i++ {
		in, _, err := ds.Get(i)
		if err != nil {
			t.Fatal(err)
		}
		if err := training.WriteField(filepath.Join(data, "input", fmt.Sprintf("sample_%02d.f16", i)), in); err != nil {
			t.Fatal(err)
		}
	}

	out, err := run(t, "train", "--spec", writeSpec(t, dir), "--data", data, "--db", "", "--cache", "8", "--epochs", "1", "--progress")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Epoch: 1\n") {
		t.Errorf("train output missing the epoch report:\n%s", out)
	}
	exists(t, filepath.Join(dcvae.WeightsDir(dir, "cli", 1), "ckpt"))
}
