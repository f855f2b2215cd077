package checkpoints

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-dcvae/layers"
	"github.com/tsawler/go-dcvae/tensor"
	"github.com/x448/float16"
)

var (
	// ErrMissingParameter means a model parameter has no stored weight.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrUnexpectedParameter means a stored weight matches no model parameter.
	ErrUnexpectedParameter = errors.New("unexpected parameter")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Precision selects how tensor data is stored
type Precision int

const (
	Float32 Precision = iota
	// Float16 halves file size; values are rounded to the nearest half.
	Float16
)

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architectures by role ("encoder", "generator")
	Models  map[string]*layers.ModelSpec `json:"models,omitempty"`
	Weights []WeightTensor               `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "kernel" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format    CheckpointFormat
	precision Precision
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format:    format,
		precision: Float32,
	}
}

// SetPrecision selects the storage precision for tensor data
func (cs *CheckpointSaver) SetPrecision(p Precision) {
	cs.precision = p
}

// SaveCheckpoint saves a complete model checkpoint, creating parent directories as needed
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-dcvae"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	switch cs.format {
	case FormatJSON:
		err = cs.writeJSON(w, checkpoint)
	case FormatBinary:
		err = cs.writeBinary(w, checkpoint)
	default:
		err = fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return file.Close()
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatBinary:
		return cs.loadBinary(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

func (cs *CheckpointSaver) writeJSON(w *bufio.Writer, checkpoint *Checkpoint) error {
	out := checkpoint
	if cs.precision == Float16 {
		out = roundedCopy(checkpoint)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(bufio.NewReader(file)).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// roundedCopy returns a copy of the checkpoint whose tensor data is rounded to float16
func roundedCopy(c *Checkpoint) *Checkpoint {
	out := *c
	out.Weights = make([]WeightTensor, len(c.Weights))
	for i, w := range c.Weights {
		w.Data = roundHalf(w.Data)
		out.Weights[i] = w
	}
	if c.OptimizerState != nil {
		st := *c.OptimizerState
		st.StateData = make([]OptimizerTensor, len(c.OptimizerState.StateData))
		for i, t := range c.OptimizerState.StateData {
			t.Data = roundHalf(t.Data)
			st.StateData[i] = t
		}
		out.OptimizerState = &st
	}
	return &out
}

func roundHalf(data []float32) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float16.Fromfloat32(v).Float32()
	}
	return out
}

// ExtractWeights copies every named parameter into checkpoint records.
// Parameter names follow "<layer>/<type>", e.g. "encoder/conv_0/kernel".
func ExtractWeights(params []*tensor.Tensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(params))
	seen := make(map[string]bool, len(params))
	for i, p := range params {
		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("parameter %d has no name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate parameter name %q", name)
		}
		seen[name] = true

		layer, kind := name, ""
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			layer, kind = name[:idx], name[idx+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights, nil
}

// LoadWeights copies stored weights into the matching parameters by name.
// Every parameter must be present with the same shape and no stored weight
// may be left over; otherwise nothing is modified.
func LoadWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	var errs []error
	used := make(map[string]bool, len(params))
	for _, p := range params {
		w, ok := byName[p.Name()]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingParameter, p.Name()))
			continue
		}
		used[p.Name()] = true
		if !tensor.SameShape(w.Shape, p.Shape) || len(w.Data) != p.NumElems {
			errs = append(errs, fmt.Errorf("weight %s: %w: stored %v, model %v", w.Name, tensor.ErrShapeMismatch, w.Shape, p.Shape))
		}
	}

	var extra []string
	for name := range byName {
		if !used[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		errs = append(errs, fmt.Errorf("%w: %s", ErrUnexpectedParameter, name))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, p := range params {
		copy(p.Data, byName[p.Name()].Data)
	}
	return nil
}
