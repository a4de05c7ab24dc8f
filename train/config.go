package train

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultRendezvousTimeout bounds how long a worker waits at the distributed
// process-group join before giving up on missing peers.
const DefaultRendezvousTimeout = 5 * time.Minute

// TrainingConfig holds every knob of one training run. It is built once at
// startup, validated, and then passed by value: nothing mutates it after
// Validate returns.
type TrainingConfig struct {
	// Objective selects the training-loop variant. See ObjectiveByName.
	Objective Objective

	// TotalSteps is the total number of micro-steps to run. The loop
	// terminates purely by this count, never by dataset exhaustion.
	TotalSteps int

	// BatchSize is the per-worker micro-batch size.
	BatchSize int

	// AccumulationSteps is the number of consecutive micro-steps whose
	// gradients compose one optimizer update.
	AccumulationSteps int

	// ReportSteps is the cadence, in steps, of metric reports.
	ReportSteps int

	// SaveCheckpointSteps is the cadence, in steps, of checkpoints.
	SaveCheckpointSteps int

	// LearningRate is the peak learning rate reached at the end of warmup.
	LearningRate float64

	// Beta1, Beta2 are the AdamW momentum coefficients.
	Beta1, Beta2 float64

	// Warmup is the fraction of TotalSteps spent linearly warming up the
	// learning rate; the remainder decays linearly to zero.
	Warmup float64

	// FP16 requests the mixed-precision adapter; FP16OptLevel selects its
	// mode (see package amp). Unknown modes are a startup error.
	FP16         bool
	FP16OptLevel string

	// DistTrain enables multi-process data-parallel training. SingleGPU
	// binds the sole process to one accelerator instead. When neither is
	// set the worker runs host-only.
	DistTrain bool
	SingleGPU bool

	// GPUID is the device bound in single-accelerator mode.
	GPUID int

	// WorldSize is the total number of distributed workers.
	WorldSize int

	// Backend names the collective-communication backend (see package
	// distributed). MasterAddr is the rendezvous address of rank 0.
	Backend    string
	MasterAddr string

	// GPURanks maps process index to distributed rank.
	GPURanks []int

	// RendezvousTimeout bounds the process-group join. Zero means
	// DefaultRendezvousTimeout.
	RendezvousTimeout time.Duration

	// DatasetPath is handed to the loader factory of the objective.
	DatasetPath string

	// OutputModelPath is the checkpoint path prefix: checkpoints are
	// written to OutputModelPath + "-" + step.
	OutputModelPath string

	// PretrainedModelPath, when set, re-initializes the model from a
	// previous checkpoint before training starts.
	PretrainedModelPath string

	// Seed for parameter initialization and any loader shuffling.
	Seed int64

	// LabelsNum is the label count for the classification objective,
	// derived by the vocabulary/config resolver.
	LabelsNum int
}

// Validate checks the configuration invariants. It must be called once before
// the configuration is used; every component takes a validated config.
func (c *TrainingConfig) Validate() error {
	if _, err := c.Objective.Descriptor(); err != nil {
		return err
	}
	if c.TotalSteps < 1 {
		return errors.Errorf("total steps must be >= 1, got %d", c.TotalSteps)
	}
	if c.BatchSize < 1 {
		return errors.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.AccumulationSteps < 1 {
		return errors.Errorf("accumulation steps must be >= 1, got %d", c.AccumulationSteps)
	}
	if c.ReportSteps < 1 {
		return errors.Errorf("report steps must be a positive interval, got %d", c.ReportSteps)
	}
	if c.SaveCheckpointSteps < 1 {
		return errors.Errorf("save checkpoint steps must be a positive interval, got %d", c.SaveCheckpointSteps)
	}
	if c.Warmup < 0 || c.Warmup >= 1 {
		return errors.Errorf("warmup must be a fraction in [0, 1), got %g", c.Warmup)
	}
	if c.DistTrain && c.SingleGPU {
		return errors.New("dist_train and single_gpu are mutually exclusive topology modes")
	}
	if c.DistTrain {
		if c.WorldSize < 2 {
			return errors.Errorf("distributed training requires world size >= 2, got %d", c.WorldSize)
		}
		if len(c.GPURanks) == 0 {
			return errors.New("distributed training requires a process-to-rank list (gpu_ranks)")
		}
		if c.MasterAddr == "" {
			return errors.New("distributed training requires a master address for the rendezvous")
		}
		seen := make(map[int]bool, len(c.GPURanks))
		for _, rank := range c.GPURanks {
			if rank < 0 || rank >= c.WorldSize {
				return errors.Errorf("rank %d out of range for world size %d", rank, c.WorldSize)
			}
			if seen[rank] {
				return errors.Errorf("rank %d assigned to more than one process", rank)
			}
			seen[rank] = true
		}
	}
	return nil
}

// RendezvousTimeoutOrDefault returns the configured rendezvous timeout, or
// DefaultRendezvousTimeout when unset.
func (c *TrainingConfig) RendezvousTimeoutOrDefault() time.Duration {
	if c.RendezvousTimeout <= 0 {
		return DefaultRendezvousTimeout
	}
	return c.RendezvousTimeout
}
