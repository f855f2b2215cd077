package optimizer

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-dcvae/checkpoints"
)

// slotStore holds per-parameter state vectors ("slots") of each kind,
// allocated lazily on first use.
type slotStore struct {
	kinds  []string
	values map[string]map[string][]float32 // kind -> parameter key -> values
}

func newSlotStore(kinds ...string) *slotStore {
	s := &slotStore{kinds: kinds, values: make(map[string]map[string][]float32)}
	for _, k := range kinds {
		s.values[k] = make(map[string][]float32)
	}
	return s
}

// get returns the slot of the given kind for key, zero-filled to n elements
// on first access.
func (s *slotStore) get(kind, key string, n int) []float32 {
	v, ok := s.values[kind][key]
	if !ok || len(v) != n {
		v = make([]float32, n)
		s.values[kind][key] = v
	}
	return v
}

// export copies every slot into checkpoint tensors, ordered by kind then key
func (s *slotStore) export() []checkpoints.OptimizerTensor {
	var out []checkpoints.OptimizerTensor
	for _, kind := range s.kinds {
		keys := make([]string, 0, len(s.values[kind]))
		for k := range s.values[kind] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			v := s.values[kind][key]
			out = append(out, checkpoints.OptimizerTensor{
				Name:      key,
				Shape:     []int{len(v)},
				Data:      append([]float32(nil), v...),
				StateType: kind,
			})
		}
	}
	return out
}

// restore replaces all slots with the checkpoint tensors
func (s *slotStore) restore(tensors []checkpoints.OptimizerTensor) error {
	fresh := newSlotStore(s.kinds...)
	for _, t := range tensors {
		slots, ok := fresh.values[t.StateType]
		if !ok {
			return fmt.Errorf("unknown optimizer state type %q for %s", t.StateType, t.Name)
		}
		slots[t.Name] = append([]float32(nil), t.Data...)
	}
	s.values = fresh.values
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values read back from JSON are float64.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case uint64:
		return v
	case float64:
		return uint64(v)
	}
	return defaultValue
}
