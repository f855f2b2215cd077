package checkpoints

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/tsawler/go-dcvae/layers"
	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary checkpoints are a single protobuf-wire message:
//
//	1: string  magic
//	2: bytes   JSON header (models, training state, optimizer scalars, metadata)
//	3: message weight tensor (repeated)
//	4: message optimizer tensor (repeated)
//
// Tensor messages carry 1 name, 2 packed shape, 3 raw little-endian data,
// 4 layer or state type, 5 kind, 6 dtype.
const binaryMagic = "dcvae-ckpt/1"

const (
	fieldMagic     protowire.Number = 1
	fieldHeader    protowire.Number = 2
	fieldWeight    protowire.Number = 3
	fieldOptimizer protowire.Number = 4
)

const (
	tensorName protowire.Number = iota + 1
	tensorShape
	tensorData
	tensorGroup
	tensorKind
	tensorDType
)

var errBadCheckpoint = errors.New("malformed binary checkpoint")

type binaryHeader struct {
	Models          map[string]*layers.ModelSpec `json:"models,omitempty"`
	TrainingState   TrainingState                `json:"training_state"`
	OptimizerType   string                       `json:"optimizer_type,omitempty"`
	OptimizerParams map[string]interface{}       `json:"optimizer_parameters,omitempty"`
	Metadata        CheckpointMetadata           `json:"metadata"`
}

type wireTensor struct {
	name, group, kind string
	shape             []int
	data              []float32
}

func (cs *CheckpointSaver) writeBinary(w io.Writer, c *Checkpoint) error {
	header := binaryHeader{
		Models:        c.Models,
		TrainingState: c.TrainingState,
		Metadata:      c.Metadata,
	}
	if c.OptimizerState != nil {
		header.OptimizerType = c.OptimizerState.Type
		header.OptimizerParams = c.OptimizerState.Parameters
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint header: %w", err)
	}

	var b []byte
	b = protowire.AppendTag(b, fieldMagic, protowire.BytesType)
	b = protowire.AppendString(b, binaryMagic)
	b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
	b = protowire.AppendBytes(b, hdr)
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	for _, wt := range c.Weights {
		msg := cs.appendTensor(nil, wireTensor{name: wt.Name, group: wt.Layer, kind: wt.Type, shape: wt.Shape, data: wt.Data})
		if err := writeField(w, fieldWeight, msg); err != nil {
			return err
		}
	}
	if c.OptimizerState != nil {
		for _, ot := range c.OptimizerState.StateData {
			msg := cs.appendTensor(nil, wireTensor{name: ot.Name, group: ot.StateType, shape: ot.Shape, data: ot.Data})
			if err := writeField(w, fieldOptimizer, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeField(w io.Writer, num protowire.Number, msg []byte) error {
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(len(msg)))
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (cs *CheckpointSaver) appendTensor(b []byte, t wireTensor) []byte {
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.name)

	var shape []byte
	for _, d := range t.shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, packData(t.data, cs.precision))

	if t.group != "" {
		b = protowire.AppendTag(b, tensorGroup, protowire.BytesType)
		b = protowire.AppendString(b, t.group)
	}
	if t.kind != "" {
		b = protowire.AppendTag(b, tensorKind, protowire.BytesType)
		b = protowire.AppendString(b, t.kind)
	}
	b = protowire.AppendTag(b, tensorDType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cs.precision))
	return b
}

func packData(data []float32, p Precision) []byte {
	if p == Float16 {
		out := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
		}
		return out
	}
	out := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func unpackData(raw []byte, p Precision) ([]float32, error) {
	switch p {
	case Float16:
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("%w: float16 data has odd length %d", errBadCheckpoint, len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return out, nil
	case Float32:
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("%w: float32 data length %d not a multiple of 4", errBadCheckpoint, len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown dtype %d", errBadCheckpoint, p)
	}
}

func (cs *CheckpointSaver) loadBinary(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	b, err := io.ReadAll(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return decodeBinary(b)
}

func decodeBinary(b []byte) (*Checkpoint, error) {
	var (
		c         Checkpoint
		header    binaryHeader
		magic     string
		hasHeader bool
		optStates []OptimizerTensor
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errBadCheckpoint, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errBadCheckpoint, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errBadCheckpoint, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldMagic:
			magic = string(v)
		case fieldHeader:
			if err := json.Unmarshal(v, &header); err != nil {
				return nil, fmt.Errorf("%w: header: %v", errBadCheckpoint, err)
			}
			hasHeader = true
		case fieldWeight:
			t, err := decodeTensor(v)
			if err != nil {
				return nil, err
			}
			c.Weights = append(c.Weights, WeightTensor{Name: t.name, Shape: t.shape, Data: t.data, Layer: t.group, Type: t.kind})
		case fieldOptimizer:
			t, err := decodeTensor(v)
			if err != nil {
				return nil, err
			}
			optStates = append(optStates, OptimizerTensor{Name: t.name, Shape: t.shape, Data: t.data, StateType: t.group})
		}
	}

	if magic != binaryMagic {
		return nil, fmt.Errorf("%w: bad magic %q", errBadCheckpoint, magic)
	}
	if !hasHeader {
		return nil, fmt.Errorf("%w: missing header", errBadCheckpoint)
	}

	c.Models = header.Models
	c.TrainingState = header.TrainingState
	c.Metadata = header.Metadata
	if header.OptimizerType != "" {
		c.OptimizerState = &OptimizerState{
			Type:       header.OptimizerType,
			Parameters: header.OptimizerParams,
			StateData:  optStates,
		}
	}
	return &c, nil
}

func decodeTensor(b []byte) (wireTensor, error) {
	var (
		t     wireTensor
		raw   []byte
		dtype Precision
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, fmt.Errorf("%w: %v", errBadCheckpoint, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num == tensorDType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return t, fmt.Errorf("%w: %v", errBadCheckpoint, protowire.ParseError(n))
			}
			dtype = Precision(v)
			b = b[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return t, fmt.Errorf("%w: %v", errBadCheckpoint, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case tensorName:
				t.name = string(v)
			case tensorShape:
				for len(v) > 0 {
					d, m := protowire.ConsumeVarint(v)
					if m < 0 {
						return t, fmt.Errorf("%w: shape: %v", errBadCheckpoint, protowire.ParseError(m))
					}
					t.shape = append(t.shape, int(d))
					v = v[m:]
				}
			case tensorData:
				raw = v
			case tensorGroup:
				t.group = string(v)
			case tensorKind:
				t.kind = string(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return t, fmt.Errorf("%w: %v", errBadCheckpoint, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	data, err := unpackData(raw, dtype)
	if err != nil {
		return t, fmt.Errorf("tensor %s: %w", t.name, err)
	}
	t.data = data

	size := 1
	for _, d := range t.shape {
		size *= d
	}
	if len(t.shape) == 0 || size != len(t.data) {
		return t, fmt.Errorf("%w: tensor %s has shape %v but %d values", errBadCheckpoint, t.name, t.shape, len(t.data))
	}
	return t, nil
}
