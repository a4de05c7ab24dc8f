package train

import (
	"github.com/pkg/errors"

	"github.com/tokenset/pretrain/types/tensors"
)

// LossInfo is the result of one forward pass: plain numbers detached from any
// gradient state the model keeps internally. Its arity is fixed per objective
// (see Descriptor).
type LossInfo struct {
	// Losses are the sub-losses, matching Descriptor.LossNames order; a
	// single element for single-loss objectives.
	Losses []float64
	// Correct are the correct-prediction counts, matching
	// Descriptor.Accuracies order.
	Correct []float64
	// Denominator is the token-level accuracy denominator; zero for
	// objectives without one (classification).
	Denominator float64
}

// TotalLoss is the unweighted sum of the sub-losses. When multiple sub-losses
// exist, this sum, not any single sub-loss, drives the backward pass.
func (info *LossInfo) TotalLoss() float64 {
	total := 0.0
	for _, loss := range info.Losses {
		total += loss
	}
	return total
}

// validate checks the loss-info arity against the objective descriptor.
func (info *LossInfo) validate(desc Descriptor) error {
	if len(info.Losses) != desc.NumLosses() {
		return errors.Errorf("objective %q expects %d sub-losses, model returned %d",
			desc.Name, desc.NumLosses(), len(info.Losses))
	}
	if len(info.Correct) != len(desc.Accuracies) {
		return errors.Errorf("objective %q expects %d correct counts, model returned %d",
			desc.Name, len(desc.Accuracies), len(info.Correct))
	}
	return nil
}

// Parameter is one named, trainable tensor of a model, exposed flat. The
// optimizer reads Grad and writes Data; the model accumulates into Grad
// during backward passes.
type Parameter struct {
	// Name of the parameter. Optimizer construction splits parameters into
	// decay groups by markers in this name (bias, gamma, beta).
	Name string
	// Data are the parameter values.
	Data []float32
	// Grad are the accumulated gradients, same length as Data.
	Grad []float32
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	clear(p.Grad)
}

// Model is the contract of the collaborator neural network. Its forward
// signature is shared by every objective: source tokens, a per-objective
// target spec and segment markers in, a LossInfo out. Wrappers (mixed
// precision, gradient synchronization) preserve this contract.
type Model interface {
	// SetTraining toggles between training and evaluation mode.
	SetTraining(training bool)

	// Forward runs one forward pass and retains whatever internal state
	// the following Backward call needs.
	Forward(source *tensors.Tensor, targets []*tensors.Tensor, segment *tensors.Tensor) (*LossInfo, error)

	// Backward accumulates into the parameter gradients the gradient of
	// the last forward pass's total loss, multiplied by scale. The loop
	// passes 1/accumulationSteps so that accumulationSteps consecutive
	// micro-steps sum to one full-batch gradient.
	Backward(scale float64) error

	// Parameters returns the model's named trainable parameters.
	Parameters() []*Parameter

	// ZeroGrad clears all accumulated gradients.
	ZeroGrad()

	// ToDevice moves the model to the given device.
	ToDevice(device tensors.DeviceNum) error
}
