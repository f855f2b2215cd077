package training

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/x448/float16"

	"github.com/tsawler/go-dcvae/tensor"
)

// Field file extensions
const (
	ExtFloat32 = ".f32"
	ExtFloat16 = ".f16"
)

// FieldFolderDataset reads one sample per file from a directory:
//
//	root/input/*.f32|*.f16    height×width×inChannels
//	root/target/*.f32|*.f16   height×width×outChannels (optional)
//
// Files hold little-endian float32 (.f32) or IEEE half (.f16) values in
// row-major order with the channel last. Samples are ordered by file name,
// so date-stamped names keep time order. A target pairs with the input of
// the same stem; without a target directory the input is its own target.
type FieldFolderDataset struct {
	inputs   []string
	targets  []string
	inShape  []int
	outShape []int
}

// NewFieldFolderDataset indexes the files under root
func NewFieldFolderDataset(root string, height, width, inChannels, outChannels int) (*FieldFolderDataset, error) {
	inputs, err := listFields(filepath.Join(root, "input"))
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no fields found in %s", filepath.Join(root, "input"))
	}

	ds := &FieldFolderDataset{
		inputs:   inputs,
		inShape:  []int{height, width, inChannels},
		outShape: []int{height, width, outChannels},
	}

	targetDir := filepath.Join(root, "target")
	if info, err := os.Stat(targetDir); err != nil || !info.IsDir() {
		if inChannels != outChannels {
			return nil, fmt.Errorf("%s: no target directory, but %d input and %d output channels", root, inChannels, outChannels)
		}
		return ds, nil
	}

	targets, err := listFields(targetDir)
	if err != nil {
		return nil, err
	}
	byStem := make(map[string]string, len(targets))
	for _, t := range targets {
		byStem[stem(t)] = t
	}
	ds.targets = make([]string, len(inputs))
	for i, in := range inputs {
		t, ok := byStem[stem(in)]
		if !ok {
			return nil, fmt.Errorf("no target for %s in %s", filepath.Base(in), targetDir)
		}
		ds.targets[i] = t
	}
	return ds, nil
}

func listFields(dir string) ([]string, error) {
	var paths []string
	for _, ext := range []string{ExtFloat32, ExtFloat16} {
		files, err := filepath.Glob(filepath.Join(dir, "*"+ext))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		paths = append(paths, files...)
	}
	sort.Strings(paths)
	return paths, nil
}

func stem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func (ds *FieldFolderDataset) Len() int {
	return len(ds.inputs)
}

func (ds *FieldFolderDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(ds.inputs) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.inputs))
	}
	input, err := ReadField(ds.inputs[idx], ds.inShape)
	if err != nil {
		return nil, nil, err
	}
	if ds.targets == nil {
		return input, input, nil
	}
	target, err := ReadField(ds.targets[idx], ds.outShape)
	if err != nil {
		return nil, nil, err
	}
	return input, target, nil
}

// ReadField decodes a field file of the given shape
func ReadField(path string, shape []int) (*tensor.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	n := product(shape)
	data := make([]float32, n)
	switch filepath.Ext(path) {
	case ExtFloat32:
		if len(raw) != 4*n {
			return nil, fmt.Errorf("%s: %d bytes, want %d for %v", path, len(raw), 4*n, shape)
		}
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case ExtFloat16:
		if len(raw) != 2*n {
			return nil, fmt.Errorf("%s: %d bytes, want %d for %v", path, len(raw), 2*n, shape)
		}
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
	default:
		return nil, fmt.Errorf("%s: unknown field format", path)
	}
	return tensor.NewTensor(append([]int(nil), shape...), data)
}

// WriteField encodes t in the format named by the path's extension
func WriteField(path string, t *tensor.Tensor) error {
	var raw []byte
	switch filepath.Ext(path) {
	case ExtFloat32:
		raw = make([]byte, 4*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
	case ExtFloat16:
		raw = make([]byte, 2*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
		}
	default:
		return fmt.Errorf("%s: unknown field format", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
