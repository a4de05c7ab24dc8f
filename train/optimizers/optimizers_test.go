package optimizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenset/pretrain/train"
)

func newParam(name string, values ...float32) *train.Parameter {
	return &train.Parameter{
		Name: name,
		Data: values,
		Grad: make([]float32, len(values)),
	}
}

func TestGroupForDecay(t *testing.T) {
	params := []*train.Parameter{
		newParam("embedding.weight", 1),
		newParam("mlm.weight", 1),
		newParam("mlm.bias", 1),
		newParam("norm.gamma", 1),
		newParam("norm.beta", 1),
	}
	groups := GroupForDecay(params, 0.01)
	require.Len(t, groups, 2)

	assert.Equal(t, 0.01, groups[0].WeightDecay)
	require.Len(t, groups[0].Params, 2)
	assert.Equal(t, "embedding.weight", groups[0].Params[0].Name)
	assert.Equal(t, "mlm.weight", groups[0].Params[1].Name)

	assert.Equal(t, 0.0, groups[1].WeightDecay)
	require.Len(t, groups[1].Params, 3)
}

func TestAdamWStepDirection(t *testing.T) {
	p := newParam("weight", 1.0)
	p.Grad[0] = 0.5
	opt := AdamW().LearningRate(0.1).Done([]ParamGroup{{Params: []*train.Parameter{p}}})

	before := p.Data[0]
	require.NoError(t, opt.Step())
	// A positive gradient moves the value down.
	assert.Less(t, p.Data[0], before)

	// A negative gradient moves it back up.
	p.Grad[0] = -0.5
	before = p.Data[0]
	require.NoError(t, opt.Step())
	assert.Greater(t, p.Data[0], before)
}

func TestAdamWDecoupledWeightDecay(t *testing.T) {
	decayed := newParam("weight", 1.0)
	exempt := newParam("norm.gamma", 1.0)
	groups := GroupForDecay([]*train.Parameter{decayed, exempt}, 0.5)
	opt := AdamW().LearningRate(0.1).Done(groups)

	// With zero gradients the moment update is zero; only decay moves values.
	require.NoError(t, opt.Step())
	assert.InDelta(t, 1.0-0.5*0.1, decayed.Data[0], 1e-6)
	assert.InDelta(t, 1.0, exempt.Data[0], 1e-6)
}

func TestAdamWLearningRateIsMutable(t *testing.T) {
	opt := AdamW().LearningRate(0.01).Done(nil)
	assert.Equal(t, 0.01, opt.LearningRate())
	opt.SetLearningRate(0.002)
	assert.Equal(t, 0.002, opt.LearningRate())
}

func TestWarmupLinearSchedule(t *testing.T) {
	// 100 steps total, warmup over the first 10.
	schedule := WarmupLinear(1.0, 100, 0.1)

	assert.InDelta(t, 0.1, schedule.LearningRateAt(1), 1e-12)
	assert.InDelta(t, 0.5, schedule.LearningRateAt(5), 1e-12)
	assert.InDelta(t, 1.0, schedule.LearningRateAt(10), 1e-12)

	// Linear decay from the end of warmup down to zero at the last step.
	assert.InDelta(t, 0.5, schedule.LearningRateAt(55), 1e-12)
	assert.InDelta(t, 0.0, schedule.LearningRateAt(100), 1e-12)
	assert.InDelta(t, 0.0, schedule.LearningRateAt(120), 1e-12)
}

func TestStepSchedulerDrivesOptimizer(t *testing.T) {
	opt := AdamW().LearningRate(12345).Done(nil)
	scheduler := NewStepScheduler(opt, WarmupLinear(1.0, 100, 0.1))

	scheduler.Step()
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-12)
	for i := 0; i < 9; i++ {
		scheduler.Step()
	}
	assert.InDelta(t, 1.0, opt.LearningRate(), 1e-12)
}
