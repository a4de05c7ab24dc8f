// Package amp is the mixed-precision adapter: it wraps a model and an
// optimizer so that backward passes run under dynamic loss scaling and
// optimizer steps unscale gradients and skip updates that overflowed.
//
// Two opt levels are supported: "O1" applies loss scaling only; "O2"
// additionally stores gradient traffic in IEEE 754 half precision
// (round-tripped through float16), emulating half-precision training of the
// backward path. Requesting any other level is a configuration error
// reported before training starts.
package amp

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/tokenset/pretrain/train"
	"github.com/tokenset/pretrain/train/optimizers"
)

// Opt levels.
const (
	// OptLevelO1 applies dynamic loss scaling to backward passes.
	OptLevelO1 = "O1"
	// OptLevelO2 also keeps gradients in half precision.
	OptLevelO2 = "O2"
)

// KnownOptLevels are the supported precision modes.
var KnownOptLevels = map[string]bool{
	OptLevelO1: true,
	OptLevelO2: true,
}

// Default dynamic loss-scale parameters.
const (
	DefaultInitialScale  = 65536.0
	DefaultGrowthFactor  = 2.0
	DefaultBackoffFactor = 0.5
	DefaultGrowthSteps   = 2000
)

// Initialize wraps the model and optimizer for mixed precision. The returned
// pair replaces the originals for the remainder of the run: the wrapped
// model owns loss scaling during backward passes, the wrapped optimizer
// unscales gradients, skips overflowed steps and adjusts the scale.
//
// It fails fast with a configuration error if optLevel is not one of
// KnownOptLevels.
func Initialize(model train.Model, opt optimizers.Interface, optLevel string) (train.Model, optimizers.Interface, error) {
	if !KnownOptLevels[optLevel] {
		return nil, nil, errors.Errorf("unknown fp16 opt level %q, valid values are %v",
			optLevel, maps.Keys(KnownOptLevels))
	}
	scaler := NewGradScaler()
	wrappedModel := &scaledModel{Model: model, scaler: scaler}
	wrappedOpt := &scaledOptimizer{
		inner:     opt,
		params:    model.Parameters(),
		scaler:    scaler,
		halfGrads: optLevel == OptLevelO2,
	}
	return wrappedModel, wrappedOpt, nil
}

// GradScaler maintains the dynamic loss scale: it grows the scale after a
// run of successful steps and halves it whenever unscaled gradients
// overflow.
type GradScaler struct {
	scale         float64
	growthFactor  float64
	backoffFactor float64
	growthSteps   int
	goodSteps     int
}

// NewGradScaler creates a scaler with the default dynamic parameters.
func NewGradScaler() *GradScaler {
	return &GradScaler{
		scale:         DefaultInitialScale,
		growthFactor:  DefaultGrowthFactor,
		backoffFactor: DefaultBackoffFactor,
		growthSteps:   DefaultGrowthSteps,
	}
}

// Scale returns the current loss scale.
func (s *GradScaler) Scale() float64 { return s.scale }

// updateOnSuccess records a finite step and possibly grows the scale.
func (s *GradScaler) updateOnSuccess() {
	s.goodSteps++
	if s.goodSteps >= s.growthSteps {
		s.scale *= s.growthFactor
		s.goodSteps = 0
	}
}

// updateOnOverflow backs the scale off after an overflowed step.
func (s *GradScaler) updateOnOverflow() {
	s.scale *= s.backoffFactor
	if s.scale < 1 {
		s.scale = 1
	}
	s.goodSteps = 0
}

// scaledModel multiplies every backward scale by the current loss scale.
type scaledModel struct {
	train.Model
	scaler *GradScaler
}

func (m *scaledModel) Backward(scale float64) error {
	return m.Model.Backward(scale * m.scaler.Scale())
}

// scaledOptimizer unscales gradients before delegating the update.
type scaledOptimizer struct {
	inner     optimizers.Interface
	params    []*train.Parameter
	scaler    *GradScaler
	halfGrads bool
}

func (opt *scaledOptimizer) LearningRate() float64 { return opt.inner.LearningRate() }

func (opt *scaledOptimizer) SetLearningRate(lr float64) { opt.inner.SetLearningRate(lr) }

// Step unscales all gradients in place and applies the inner update. A
// non-finite gradient anywhere skips the update and backs off the loss
// scale; the accumulated gradients are cleared by the loop right after.
func (opt *scaledOptimizer) Step() error {
	invScale := float32(1 / opt.scaler.Scale())
	overflow := false
	for _, p := range opt.params {
		for i, g := range p.Grad {
			if opt.halfGrads {
				g = float16.Fromfloat32(g).Float32()
			}
			g *= invScale
			if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
				overflow = true
			}
			p.Grad[i] = g
		}
	}
	if overflow {
		opt.scaler.updateOnOverflow()
		klog.V(1).Infof("gradient overflow, skipping step and reducing loss scale to %g", opt.scaler.Scale())
		return nil
	}
	if err := opt.inner.Step(); err != nil {
		return err
	}
	opt.scaler.updateOnSuccess()
	return nil
}
