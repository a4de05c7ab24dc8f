package optimizers

import (
	"math"

	"github.com/pkg/errors"
)

const (
	// AdamWDefaultLearningRate is used when no learning rate is set.
	AdamWDefaultLearningRate = 0.001
)

// AdamW returns a configuration object for an AdamW optimizer: Adam with
// decoupled, per-group weight decay. Configure it and call Done with the
// parameter groups (see GroupForDecay).
//
// Example:
//
//	groups := optimizers.GroupForDecay(model.Parameters(), 0.01)
//	opt := optimizers.AdamW().LearningRate(lr).Betas(beta1, beta2).Done(groups)
func AdamW() *AdamWConfig {
	return &AdamWConfig{
		learningRate: AdamWDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-6,
		correctBias:  false,
	}
}

// AdamWConfig holds the configuration of an AdamW optimizer being built.
type AdamWConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	correctBias  bool
}

// LearningRate sets the base learning rate. Defaults to
// AdamWDefaultLearningRate; schedules overwrite it every step.
func (c *AdamWConfig) LearningRate(value float64) *AdamWConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving-average constants (exponential decays). They
// default to 0.9 and 0.999.
func (c *AdamWConfig) Betas(beta1, beta2 float64) *AdamWConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon is the small denominator constant for stability.
func (c *AdamWConfig) Epsilon(epsilon float64) *AdamWConfig {
	c.epsilon = epsilon
	return c
}

// CorrectBias enables bias correction of the moment estimates. Off by
// default, matching BERT-style pretraining.
func (c *AdamWConfig) CorrectBias(enabled bool) *AdamWConfig {
	c.correctBias = enabled
	return c
}

// Done builds the optimizer over the given parameter groups.
func (c *AdamWConfig) Done(groups []ParamGroup) Interface {
	opt := &adamW{config: *c, groups: groups}
	for _, group := range groups {
		for _, p := range group.Params {
			opt.moments = append(opt.moments, adamMoments{
				m: make([]float32, len(p.Data)),
				v: make([]float32, len(p.Data)),
			})
		}
	}
	return opt
}

type adamMoments struct {
	m, v []float32
}

type adamW struct {
	config  AdamWConfig
	groups  []ParamGroup
	moments []adamMoments
	step    int
}

func (opt *adamW) LearningRate() float64 { return opt.config.learningRate }

func (opt *adamW) SetLearningRate(lr float64) { opt.config.learningRate = lr }

// Step implements Interface.
func (opt *adamW) Step() error {
	opt.step++
	lr := opt.config.learningRate
	beta1 := float32(opt.config.beta1)
	beta2 := float32(opt.config.beta2)
	eps := float32(opt.config.epsilon)

	stepSize := lr
	if opt.config.correctBias {
		biasCorrection1 := 1 - math.Pow(opt.config.beta1, float64(opt.step))
		biasCorrection2 := 1 - math.Pow(opt.config.beta2, float64(opt.step))
		stepSize = lr * math.Sqrt(biasCorrection2) / biasCorrection1
	}

	momentIdx := 0
	for _, group := range opt.groups {
		decay := float32(group.WeightDecay) * float32(lr)
		for _, p := range group.Params {
			if len(p.Grad) != len(p.Data) {
				return errors.Errorf("parameter %q has %d values but %d gradients", p.Name, len(p.Data), len(p.Grad))
			}
			moments := opt.moments[momentIdx]
			momentIdx++
			for i, g := range p.Grad {
				moments.m[i] = beta1*moments.m[i] + (1-beta1)*g
				moments.v[i] = beta2*moments.v[i] + (1-beta2)*g*g
				update := float32(stepSize) * moments.m[i] / (float32(math.Sqrt(float64(moments.v[i]))) + eps)
				p.Data[i] -= update
				if decay != 0 {
					p.Data[i] -= decay * p.Data[i]
				}
			}
		}
	}
	return nil
}
