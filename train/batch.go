package train

import (
	"github.com/pkg/errors"

	"github.com/tokenset/pretrain/types/tensors"
)

// Batch is one unit of training data: a tuple of aligned tensors whose
// leading dimension is the batch size. The number of target tensors depends
// on the objective (see Descriptor.TargetArity).
type Batch struct {
	// Source are the input token ids, shaped [batch, seqLen].
	Source *tensors.Tensor
	// Targets are the objective's target tensors, leading dim batch.
	Targets []*tensors.Tensor
	// Segment are the segment/position markers, shaped [batch, seqLen].
	Segment *tensors.Tensor
}

// BatchSize returns the leading dimension of the batch.
func (b *Batch) BatchSize() int { return b.Source.Dim(0) }

// SeqLen returns the sequence length of the source tensor.
func (b *Batch) SeqLen() int { return b.Source.Dim(1) }

// Validate checks the batch against the objective descriptor: target arity
// and the shape invariant that every tensor shares the batch leading
// dimension.
func (b *Batch) Validate(desc Descriptor) error {
	if b.Source == nil || b.Segment == nil {
		return errors.New("batch is missing source or segment tensor")
	}
	if b.Source.Rank() != 2 {
		return errors.Errorf("source must be rank 2 [batch, seqLen], got shape %v", b.Source.Shape())
	}
	if len(b.Targets) != desc.TargetArity {
		return errors.Errorf("objective %q expects %d target tensors, batch has %d",
			desc.Name, desc.TargetArity, len(b.Targets))
	}
	batchSize := b.BatchSize()
	if b.Segment.Dim(0) != batchSize {
		return errors.Errorf("segment leading dimension %d != batch size %d", b.Segment.Dim(0), batchSize)
	}
	for i, tgt := range b.Targets {
		if tgt == nil {
			return errors.Errorf("target tensor %d is nil", i)
		}
		if tgt.Dim(0) != batchSize {
			return errors.Errorf("target %d leading dimension %d != batch size %d", i, tgt.Dim(0), batchSize)
		}
	}
	return nil
}

// ToDevice returns the batch with every tensor assigned to the given device.
func (b *Batch) ToDevice(device tensors.DeviceNum) *Batch {
	moved := &Batch{
		Source:  b.Source.ToDevice(device),
		Segment: b.Segment.ToDevice(device),
		Targets: make([]*tensors.Tensor, len(b.Targets)),
	}
	for i, tgt := range b.Targets {
		moved.Targets[i] = tgt.ToDevice(device)
	}
	return moved
}

// targetSpec packs the batch targets into the model's target spec, appending
// the source tensor as extra context when the descriptor asks for it.
func (b *Batch) targetSpec(desc Descriptor) []*tensors.Tensor {
	if !desc.AppendSourceToTargets {
		return b.Targets
	}
	spec := make([]*tensors.Tensor, 0, len(b.Targets)+1)
	spec = append(spec, b.Targets...)
	return append(spec, b.Source)
}
