// Package optimizers implements gradient-descent optimizers over the named
// parameters exposed by the model contract, plus learning-rate schedules.
package optimizers

import (
	"strings"

	"github.com/tokenset/pretrain/train"
)

// Interface implemented by optimizers. Step applies one update from the
// gradients currently accumulated in the parameters; the learning rate in
// effect is whatever the schedule last set.
type Interface interface {
	// Step applies one optimizer update.
	Step() error

	// SetLearningRate changes the learning rate used by subsequent steps.
	SetLearningRate(lr float64)

	// LearningRate returns the learning rate currently in effect.
	LearningRate() float64
}

// NoDecayMarkers are the substrings of parameter names exempt from weight
// decay: bias terms and normalization-layer scale/shift parameters. This
// split is an invariant of optimizer construction, independent of any model
// architecture.
var NoDecayMarkers = []string{"bias", "gamma", "beta"}

// ParamGroup is a set of parameters sharing one weight-decay rate.
type ParamGroup struct {
	Params      []*train.Parameter
	WeightDecay float64
}

// GroupForDecay splits parameters into two groups: names containing none of
// the NoDecayMarkers get the given weight decay, the complementary set gets
// zero.
func GroupForDecay(params []*train.Parameter, weightDecay float64) []ParamGroup {
	groups := []ParamGroup{
		{WeightDecay: weightDecay},
		{WeightDecay: 0},
	}
	for _, p := range params {
		if hasNoDecayMarker(p.Name) {
			groups[1].Params = append(groups[1].Params, p)
		} else {
			groups[0].Params = append(groups[0].Params, p)
		}
	}
	return groups
}

func hasNoDecayMarker(name string) bool {
	for _, marker := range NoDecayMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
