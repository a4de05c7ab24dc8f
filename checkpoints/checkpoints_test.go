package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenset/pretrain/train"
	"github.com/tokenset/pretrain/types/tensors"
)

// paramsModel implements just enough of the model contract for persistence.
type paramsModel struct {
	params []*train.Parameter
}

func newParamsModel(values map[string][]float32) *paramsModel {
	m := &paramsModel{}
	for _, name := range []string{"embedding.weight", "norm.gamma", "mlm.bias"} {
		if data, found := values[name]; found {
			m.params = append(m.params, &train.Parameter{
				Name: name,
				Data: data,
				Grad: make([]float32, len(data)),
			})
		}
	}
	return m
}

func (m *paramsModel) SetTraining(bool) {}

func (m *paramsModel) Forward(*tensors.Tensor, []*tensors.Tensor, *tensors.Tensor) (*train.LossInfo, error) {
	return nil, nil
}

func (m *paramsModel) Backward(float64) error { return nil }

func (m *paramsModel) Parameters() []*train.Parameter { return m.params }

func (m *paramsModel) ZeroGrad() {}

func (m *paramsModel) ToDevice(tensors.DeviceNum) error { return nil }

func TestBuildRejectsEmptyPrefix(t *testing.T) {
	_, err := Build("").Done()
	require.ErrorContains(t, err, "cannot be empty")
}

func TestPathForStep(t *testing.T) {
	handler, err := Build(filepath.Join(t.TempDir(), "model.bin")).Done()
	require.NoError(t, err)
	assert.Equal(t, handler.PathForStep(5), handler.prefix+"-5")
	assert.Equal(t, handler.PathForStep(10000), handler.prefix+"-10000")
}

func TestSaveStepTagsFiles(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "run", "model.bin")
	handler, err := Build(prefix).Done()
	require.NoError(t, err)

	model := newParamsModel(map[string][]float32{"norm.gamma": {1, 2, 3}})
	// Checkpoint cadence of 5 over 10 steps writes exactly "-5" and "-10".
	for _, step := range []int{5, 10} {
		require.NoError(t, handler.SaveStep(model, step))
	}

	matches, err := filepath.Glob(prefix + "-*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{prefix + "-5", prefix + "-10"}, matches)
	_, err = os.Stat(prefix + "-0")
	assert.True(t, os.IsNotExist(err))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin-42")
	saved := newParamsModel(map[string][]float32{
		"embedding.weight": {0.5, -1.5, 2.25, 0},
		"norm.gamma":       {1, 1},
		"mlm.bias":         {0.125},
	})
	require.NoError(t, Save(saved, path))

	loaded := newParamsModel(map[string][]float32{
		"embedding.weight": make([]float32, 4),
		"norm.gamma":       make([]float32, 2),
		"mlm.bias":         make([]float32, 1),
	})
	require.NoError(t, Load(loaded, path))
	for i, p := range loaded.Parameters() {
		assert.Equal(t, saved.params[i].Data, p.Data, p.Name)
	}
}

func TestLoadRejectsMismatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, Save(newParamsModel(map[string][]float32{"norm.gamma": {1, 2}}), path))

	err := Load(newParamsModel(map[string][]float32{"mlm.bias": {0}}), path)
	require.ErrorContains(t, err, "not present in the model")

	err = Load(newParamsModel(map[string][]float32{"norm.gamma": {0}}), path)
	require.ErrorContains(t, err, "model expects 1")
}
