package tensor

import "fmt"

// Backward runs reverse-mode differentiation from a single-element tensor and
// accumulates gradients into every leaf that requires one. Intermediate
// gradients are never written back into tensors that are still in use.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element tensor, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("backward called on %s which does not require gradients", t)
	}

	order := topoSort(t)
	grads := make(map[*Tensor]*Tensor, len(order))
	grads[t] = MustNew(t.Shape, []float32{1})

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.grad == nil {
				node.grad = MustNew(node.Shape, append([]float32(nil), g.Data...))
			} else {
				sum, err := Add(node.grad, MustNew(node.Shape, g.Data))
				if err != nil {
					return fmt.Errorf("accumulate gradient for %s: %w", node, err)
				}
				node.grad = sum
			}
			continue
		}

		inputs := node.creator.Inputs()
		inputGrads := node.creator.Backward(g)
		for j, in := range inputs {
			if in == nil || !in.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if prev, ok := grads[in]; ok {
				sum, err := Add(prev, MustNew(prev.Shape, inputGrads[j].Data))
				if err != nil {
					return fmt.Errorf("accumulate gradient for %s: %w", in, err)
				}
				grads[in] = sum
			} else {
				grads[in] = inputGrads[j]
			}
		}
	}
	return nil
}

// topoSort returns every tensor reachable from root that requires a
// gradient, inputs before the tensors computed from them.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node *Tensor
		next int
	}
	stack := []frame{{node: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var inputs []*Tensor
		if top.node.creator != nil {
			inputs = top.node.creator.Inputs()
		}
		if top.next < len(inputs) {
			in := inputs[top.next]
			top.next++
			if in != nil && in.requiresGrad && !visited[in] {
				visited[in] = true
				stack = append(stack, frame{node: in})
			}
			continue
		}
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}
