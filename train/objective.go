package train

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Objective is the closed set of supported training objectives. Each value
// selects one training-loop variant: the loop body is shared, only the
// Descriptor differs.
type Objective int

const (
	// ObjectiveBert is masked language modeling plus next-sentence
	// prediction.
	ObjectiveBert Objective = iota
	// ObjectiveMlm is plain masked language modeling.
	ObjectiveMlm
	// ObjectiveAlbert is masked language modeling plus sentence-order
	// prediction.
	ObjectiveAlbert
	// ObjectiveLm is left-to-right language modeling.
	ObjectiveLm
	// ObjectiveBilm is bidirectional language modeling, with separate
	// forward and backward targets.
	ObjectiveBilm
	// ObjectiveCls is sequence classification.
	ObjectiveCls
	// ObjectiveMt is sequence-to-sequence translation.
	ObjectiveMt
)

// AccuracyDenom selects the normalization of one accuracy ratio.
type AccuracyDenom int

const (
	// TokenDenominator divides the correct count by the token-level
	// denominator accumulated from the model's loss info.
	TokenDenominator AccuracyDenom = iota
	// InstanceCount divides the correct count by the number of instances
	// (batch rows) seen in the window.
	InstanceCount
)

// AccuracySpec describes one accuracy ratio reported for an objective.
type AccuracySpec struct {
	// Name suffixes the "acc" report field, e.g. "mlm" -> "acc_mlm".
	// Empty means the objective has a single unnamed accuracy ("acc").
	Name string
	// Denom selects the normalization.
	Denom AccuracyDenom
}

// Descriptor drives the generic training loop for one objective: how targets
// are packed for the model's forward contract, how the loss-info tuple is
// decomposed, and how accuracy ratios are normalized.
type Descriptor struct {
	// Name is the objective's registry key.
	Name string

	// TargetArity is the number of target tensors a batch carries.
	TargetArity int

	// AppendSourceToTargets passes the source tensor as an extra trailing
	// element of the target spec (sequence-to-sequence uses the encoder
	// input as context on the decoder side).
	AppendSourceToTargets bool

	// LossNames are the sub-loss display names, in the order the model
	// reports them. Empty means a single unnamed loss. When there are
	// multiple sub-losses, their unweighted sum is the total loss and
	// drives the backward pass.
	LossNames []string

	// Accuracies are the reported accuracy ratios, in the order the model
	// reports correct-prediction counts.
	Accuracies []AccuracySpec

	// HasDenominator is true when the model reports a token-level
	// denominator in its loss info. Classification counts instances only.
	HasDenominator bool
}

// NumLosses returns the number of sub-losses in the loss-info tuple.
func (d Descriptor) NumLosses() int {
	if len(d.LossNames) == 0 {
		return 1
	}
	return len(d.LossNames)
}

var descriptors = map[Objective]Descriptor{
	ObjectiveBert: {
		Name:        "bert",
		TargetArity: 2,
		LossNames:   []string{"mlm", "nsp"},
		Accuracies: []AccuracySpec{
			{Name: "mlm", Denom: TokenDenominator},
			{Name: "nsp", Denom: InstanceCount},
		},
		HasDenominator: true,
	},
	ObjectiveMlm: {
		Name:           "mlm",
		TargetArity:    1,
		Accuracies:     []AccuracySpec{{Denom: TokenDenominator}},
		HasDenominator: true,
	},
	ObjectiveAlbert: {
		Name:        "albert",
		TargetArity: 2,
		LossNames:   []string{"mlm", "sop"},
		Accuracies: []AccuracySpec{
			{Name: "mlm", Denom: TokenDenominator},
			{Name: "sop", Denom: InstanceCount},
		},
		HasDenominator: true,
	},
	ObjectiveLm: {
		Name:           "lm",
		TargetArity:    1,
		Accuracies:     []AccuracySpec{{Denom: TokenDenominator}},
		HasDenominator: true,
	},
	ObjectiveBilm: {
		Name:        "bilm",
		TargetArity: 2,
		LossNames:   []string{"forward", "backward"},
		Accuracies: []AccuracySpec{
			{Name: "forward", Denom: TokenDenominator},
			{Name: "backward", Denom: TokenDenominator},
		},
		HasDenominator: true,
	},
	ObjectiveCls: {
		Name:        "cls",
		TargetArity: 1,
		Accuracies:  []AccuracySpec{{Denom: InstanceCount}},
	},
	ObjectiveMt: {
		Name:                  "mt",
		TargetArity:           2,
		AppendSourceToTargets: true,
		Accuracies:            []AccuracySpec{{Denom: TokenDenominator}},
		HasDenominator:        true,
	},
}

var objectivesByName = func() map[string]Objective {
	byName := make(map[string]Objective, len(descriptors)+1)
	for obj, desc := range descriptors {
		byName[desc.Name] = obj
	}
	// "t5" trains with the same sequence-to-sequence loop as "mt".
	byName["t5"] = ObjectiveMt
	return byName
}()

// ObjectiveByName resolves an objective registry key. Unknown names are a
// configuration error, reported before any training step runs.
func ObjectiveByName(name string) (Objective, error) {
	obj, found := objectivesByName[name]
	if !found {
		return 0, errors.Errorf("unknown objective %q, valid values are %v", name, maps.Keys(objectivesByName))
	}
	return obj, nil
}

// Descriptor returns the objective's loop descriptor, or an error for values
// outside the closed set.
func (o Objective) Descriptor() (Descriptor, error) {
	desc, found := descriptors[o]
	if !found {
		return Descriptor{}, errors.Errorf("invalid objective value %d", int(o))
	}
	return desc, nil
}

// String implements fmt.Stringer.
func (o Objective) String() string {
	if desc, found := descriptors[o]; found {
		return desc.Name
	}
	return "invalid"
}
