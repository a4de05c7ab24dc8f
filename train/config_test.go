package train

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() TrainingConfig {
	return TrainingConfig{
		Objective:           ObjectiveMlm,
		TotalSteps:          100,
		BatchSize:           8,
		AccumulationSteps:   1,
		ReportSteps:         10,
		SaveCheckpointSteps: 50,
		LearningRate:        1e-4,
		Beta1:               0.9,
		Beta2:               0.999,
		Warmup:              0.1,
	}
}

func TestConfigValidate(t *testing.T) {
	config := validConfig()
	require.NoError(t, config.Validate())

	tests := []struct {
		name    string
		mutate  func(c *TrainingConfig)
		errPart string
	}{
		{"zero total steps", func(c *TrainingConfig) { c.TotalSteps = 0 }, "total steps"},
		{"zero batch size", func(c *TrainingConfig) { c.BatchSize = 0 }, "batch size"},
		{"zero accumulation", func(c *TrainingConfig) { c.AccumulationSteps = 0 }, "accumulation"},
		{"zero report interval", func(c *TrainingConfig) { c.ReportSteps = 0 }, "report steps"},
		{"zero save interval", func(c *TrainingConfig) { c.SaveCheckpointSteps = 0 }, "save checkpoint"},
		{"warmup out of range", func(c *TrainingConfig) { c.Warmup = 1 }, "warmup"},
		{"conflicting topology", func(c *TrainingConfig) { c.DistTrain = true; c.SingleGPU = true }, "mutually exclusive"},
		{"distributed without peers", func(c *TrainingConfig) { c.DistTrain = true; c.WorldSize = 1 }, "world size"},
		{"distributed without ranks", func(c *TrainingConfig) {
			c.DistTrain = true
			c.WorldSize = 2
			c.MasterAddr = "localhost:23456"
		}, "gpu_ranks"},
		{"rank out of range", func(c *TrainingConfig) {
			c.DistTrain = true
			c.WorldSize = 2
			c.MasterAddr = "localhost:23456"
			c.GPURanks = []int{0, 2}
		}, "out of range"},
		{"duplicate rank", func(c *TrainingConfig) {
			c.DistTrain = true
			c.WorldSize = 2
			c.MasterAddr = "localhost:23456"
			c.GPURanks = []int{0, 0}
		}, "more than one process"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := validConfig()
			test.mutate(&config)
			require.ErrorContains(t, config.Validate(), test.errPart)
		})
	}
}

func TestRendezvousTimeoutDefault(t *testing.T) {
	config := validConfig()
	assert.Equal(t, DefaultRendezvousTimeout, config.RendezvousTimeoutOrDefault())
	config.RendezvousTimeout = time.Second
	assert.Equal(t, time.Second, config.RendezvousTimeoutOrDefault())
}
