package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-dcvae/tensor"
)

// Dataset is an indexable collection of H×W×C samples. Get returns the
// input and the target of one sample; autoencoders return the same tensor
// twice.
type Dataset interface {
	Len() int
	Get(idx int) (input *tensor.Tensor, target *tensor.Tensor, err error)
}

// SimpleDataset serves samples held in memory
type SimpleDataset struct {
	inputs  []*tensor.Tensor
	targets []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset. A nil targets slice makes
// every sample its own target.
func NewSimpleDataset(inputs, targets []*tensor.Tensor) (*SimpleDataset, error) {
	if targets == nil {
		targets = inputs
	}
	if len(inputs) != len(targets) {
		return nil, fmt.Errorf("inputs and targets must have the same length: got %d and %d", len(inputs), len(targets))
	}
	return &SimpleDataset{inputs: inputs, targets: targets}, nil
}

func (ds *SimpleDataset) Len() int {
	return len(ds.inputs)
}

func (ds *SimpleDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(ds.inputs) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.inputs))
	}
	return ds.inputs[idx], ds.targets[idx], nil
}

// SubsetDataset exposes a fixed selection of another dataset's samples.
type SubsetDataset struct {
	original Dataset
	indices  []int
}

// NewSubsetDataset limits original to its first limit samples. A limit of
// zero, or one beyond the dataset, keeps everything.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	n := original.Len()
	if limit == 0 || limit > n {
		limit = n
	}
	indices := make([]int, limit)
	for i := range indices {
		indices[i] = i
	}
	return &SubsetDataset{original: original, indices: indices}, nil
}

// Split holds back every nth sample (indices n-1, 2n-1, …) as the test set
// and returns the rest as the training set. n == 0 gives an empty test set.
func Split(ds Dataset, n int) (train, test *SubsetDataset, err error) {
	if n < 0 {
		return nil, nil, fmt.Errorf("test split must not be negative, got %d", n)
	}
	train = &SubsetDataset{original: ds}
	test = &SubsetDataset{original: ds}
	for i := 0; i < ds.Len(); i++ {
		if n > 0 && (i+1)%n == 0 {
			test.indices = append(test.indices, i)
		} else {
			train.indices = append(train.indices, i)
		}
	}
	return train, test, nil
}

// Limit keeps at most limit samples of the subset; zero keeps all.
func (sd *SubsetDataset) Limit(limit int) *SubsetDataset {
	if limit <= 0 || limit >= len(sd.indices) {
		return sd
	}
	return &SubsetDataset{original: sd.original, indices: sd.indices[:limit]}
}

func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

// Get returns a sample from the original dataset.
func (sd *SubsetDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(sd.indices) {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (size: %d)", idx, len(sd.indices))
	}
	return sd.original.Get(sd.indices[idx])
}

// SyntheticDataset generates smooth normalised fields for smoke tests and
// demos. Sample i is a deterministic function of the seed and i, so
// repeated reads agree. Values lie in [0.2, 0.8]; MissingFraction of the
// cells are set to zero, the missing-data marker.
type SyntheticDataset struct {
	size            int
	height, width   int
	inChannels      int
	outChannels     int
	seed            int64
	MissingFraction float64
}

// NewSyntheticDataset creates size samples of height×width fields. Target
// channel c repeats input channel c mod inChannels.
func NewSyntheticDataset(size, height, width, inChannels, outChannels int, seed int64) *SyntheticDataset {
	return &SyntheticDataset{
		size:        size,
		height:      height,
		width:       width,
		inChannels:  inChannels,
		outChannels: outChannels,
		seed:        seed,
	}
}

func (sd *SyntheticDataset) Len() int {
	return sd.size
}

func (sd *SyntheticDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= sd.size {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, sd.size)
	}
	rng := rand.New(rand.NewSource(sd.seed*7919 + int64(idx)))

	h, w, cin := sd.height, sd.width, sd.inChannels
	input := make([]float32, h*w*cin)
	for c := 0; c < cin; c++ {
		// A low wavenumber pattern with a per-sample phase, like a
		// seasonal anomaly on a lat-lon grid.
		ky, kx := 1+rng.Intn(2), 1+rng.Intn(3)
		py, px := rng.Float64(), rng.Float64()
		amp := 0.15 + 0.15*rng.Float64()
		for y := 0; y < h; y++ {
			sy := math.Sin(2 * math.Pi * (float64(ky*y)/float64(h) + py))
			for x := 0; x < w; x++ {
				sx := math.Cos(2 * math.Pi * (float64(kx*x)/float64(w) + px))
				input[(y*w+x)*cin+c] = float32(0.5 + amp*sy*sx)
			}
		}
	}
	if sd.MissingFraction > 0 {
		for cell := 0; cell < h*w; cell++ {
			if rng.Float64() < sd.MissingFraction {
				for c := 0; c < cin; c++ {
					input[cell*cin+c] = 0
				}
			}
		}
	}

	in, err := tensor.NewTensor([]int{h, w, cin}, input)
	if err != nil {
		return nil, nil, err
	}
	if sd.outChannels == cin {
		return in, in, nil
	}
	target := make([]float32, h*w*sd.outChannels)
	for cell := 0; cell < h*w; cell++ {
		for c := 0; c < sd.outChannels; c++ {
			target[cell*sd.outChannels+c] = input[cell*cin+c%cin]
		}
	}
	out, err := tensor.NewTensor([]int{h, w, sd.outChannels}, target)
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}
