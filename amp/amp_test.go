package amp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenset/pretrain/train"
	"github.com/tokenset/pretrain/types/tensors"
)

// gradModel is a model whose Backward writes scale into every gradient, so
// tests can observe the loss scaling applied by the adapter.
type gradModel struct {
	params []*train.Parameter
}

func newGradModel(names ...string) *gradModel {
	m := &gradModel{}
	for _, name := range names {
		m.params = append(m.params, &train.Parameter{
			Name: name,
			Data: make([]float32, 2),
			Grad: make([]float32, 2),
		})
	}
	return m
}

func (m *gradModel) SetTraining(bool) {}

func (m *gradModel) Forward(*tensors.Tensor, []*tensors.Tensor, *tensors.Tensor) (*train.LossInfo, error) {
	return &train.LossInfo{Losses: []float64{1}, Correct: []float64{1}, Denominator: 1}, nil
}

func (m *gradModel) Backward(scale float64) error {
	for _, p := range m.params {
		for i := range p.Grad {
			p.Grad[i] = float32(scale)
		}
	}
	return nil
}

func (m *gradModel) Parameters() []*train.Parameter { return m.params }

func (m *gradModel) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

func (m *gradModel) ToDevice(tensors.DeviceNum) error { return nil }

type countingOptimizer struct{ steps int }

func (opt *countingOptimizer) Step() error { opt.steps++; return nil }

func (opt *countingOptimizer) SetLearningRate(float64) {}

func (opt *countingOptimizer) LearningRate() float64 { return 0 }

func TestInitializeRejectsUnknownOptLevel(t *testing.T) {
	_, _, err := Initialize(newGradModel("w"), &countingOptimizer{}, "O3")
	require.ErrorContains(t, err, `unknown fp16 opt level "O3"`)
}

func TestLossScalingRoundTrip(t *testing.T) {
	model := newGradModel("w")
	inner := &countingOptimizer{}
	wrappedModel, wrappedOpt, err := Initialize(model, inner, OptLevelO1)
	require.NoError(t, err)

	// Backward multiplies the loop's scale by the loss scale...
	require.NoError(t, wrappedModel.Backward(0.5))
	assert.Equal(t, float32(0.5*DefaultInitialScale), model.params[0].Grad[0])

	// ...and the optimizer step divides it back out before updating.
	require.NoError(t, wrappedOpt.Step())
	assert.Equal(t, 1, inner.steps)
	assert.InDelta(t, 0.5, float64(model.params[0].Grad[0]), 1e-6)
}

func TestOverflowSkipsStepAndBacksOff(t *testing.T) {
	model := newGradModel("w")
	inner := &countingOptimizer{}
	wrappedModel, wrappedOpt, err := Initialize(model, inner, OptLevelO1)
	require.NoError(t, err)
	scaled := wrappedModel.(*scaledModel)

	model.params[0].Grad[0] = float32(math.Inf(1))
	require.NoError(t, wrappedOpt.Step())
	assert.Equal(t, 0, inner.steps, "overflowed step must be skipped")
	assert.Equal(t, DefaultInitialScale*DefaultBackoffFactor, scaled.scaler.Scale())

	// A finite step afterwards goes through.
	require.NoError(t, wrappedModel.Backward(1))
	require.NoError(t, wrappedOpt.Step())
	assert.Equal(t, 1, inner.steps)
}

func TestScaleFloorsAtOne(t *testing.T) {
	scaler := NewGradScaler()
	for i := 0; i < 64; i++ {
		scaler.updateOnOverflow()
	}
	assert.Equal(t, 1.0, scaler.Scale())
}

func TestScaleGrowsAfterGoodSteps(t *testing.T) {
	scaler := NewGradScaler()
	for i := 0; i < DefaultGrowthSteps; i++ {
		scaler.updateOnSuccess()
	}
	assert.Equal(t, DefaultInitialScale*DefaultGrowthFactor, scaler.Scale())
}

func TestHalfPrecisionGradientsRounded(t *testing.T) {
	model := newGradModel("w")
	inner := &countingOptimizer{}
	_, wrappedOpt, err := Initialize(model, inner, OptLevelO2)
	require.NoError(t, err)

	// 2049 is not representable in float16; it rounds to 2048.
	model.params[0].Grad[0] = 2049
	require.NoError(t, wrappedOpt.Step())
	assert.InDelta(t, 2048.0/DefaultInitialScale, float64(model.params[0].Grad[0]), 1e-9)
}
