package distributed

import (
	"github.com/pkg/errors"

	"github.com/tokenset/pretrain/train"
)

// WrapModel wraps a model for gradient synchronization across the process
// group: every backward pass all-reduces the gradients it produced and
// averages them over the world, so parameters stay numerically identical on
// every worker without ever sharing memory. With the wrap in place, every
// optimizer step applies a world-averaged gradient.
//
// Wrapping broadcasts rank 0's parameters to every peer first, so all
// workers start from the same point regardless of how each process
// initialized its copy.
func WrapModel(model train.Model, group ProcessGroup) (train.Model, error) {
	params := model.Parameters()
	scratch := make([][]float32, len(params))
	for i, p := range params {
		if err := group.Broadcast(p.Data, 0); err != nil {
			return nil, errors.Wrapf(err, "failed broadcasting parameter %q from rank 0", p.Name)
		}
		scratch[i] = make([]float32, len(p.Grad))
	}
	return &syncModel{
		Model:    model,
		group:    group,
		params:   params,
		scratch:  scratch,
		invWorld: 1 / float32(group.WorldSize()),
	}, nil
}

// syncModel makes every backward pass a collective: the call returns only
// once all workers have contributed, which keeps optimizer steps aligned at
// global step boundaries.
type syncModel struct {
	train.Model
	group  ProcessGroup
	params []*train.Parameter

	// scratch holds, per parameter, the gradient produced by the current
	// backward pass alone. Gradients accumulate across micro-steps, and
	// contributions already reduced must not be reduced again.
	scratch  [][]float32
	invWorld float32
}

func (m *syncModel) Backward(scale float64) error {
	for i, p := range m.params {
		copy(m.scratch[i], p.Grad)
	}
	if err := m.Model.Backward(scale); err != nil {
		return err
	}
	for i, p := range m.params {
		// Split off this pass's contribution, reduce it across the
		// world, and fold the average back into the accumulation.
		delta := m.scratch[i]
		for j, prev := range delta {
			delta[j] = p.Grad[j] - prev
			p.Grad[j] = prev
		}
		if err := m.group.AllReduceSum(delta); err != nil {
			return errors.Wrapf(err, "gradient all-reduce failed for parameter %q", p.Name)
		}
		for j := range delta {
			p.Grad[j] += delta[j] * m.invWorld
		}
	}
	return nil
}
