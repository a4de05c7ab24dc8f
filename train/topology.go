package train

import (
	"github.com/pkg/errors"

	"github.com/tokenset/pretrain/types/tensors"
)

// NoRank marks a worker that is not part of a distributed run.
const NoRank = -1

// ProcessContext is one worker's identity, established once at worker start
// and immutable thereafter.
type ProcessContext struct {
	// Device assigned to the worker; tensors.Host when running host-only.
	Device tensors.DeviceNum
	// Rank within the distributed run; NoRank when non-distributed.
	Rank int
	// WorldSize is the total number of workers; 1 when non-distributed.
	WorldSize int
}

// IsDistributed reports whether the worker is part of a distributed run.
func (pc ProcessContext) IsDistributed() bool { return pc.Rank != NoRank }

// IsReporter reports whether this worker owns metric reports and
// checkpoints: rank 0 in distributed mode, the sole worker otherwise.
func (pc ProcessContext) IsReporter() bool { return pc.Rank == NoRank || pc.Rank == 0 }

// ResolveTopology derives a worker's (rank, device) pair from the process
// index under the three mutually exclusive topology modes:
//
//   - distributed: rank = GPURanks[procID], device = procID;
//   - single accelerator: no rank, device = GPUID;
//   - host-only: no rank, no device.
func ResolveTopology(config TrainingConfig, procID int) (ProcessContext, error) {
	switch {
	case config.DistTrain:
		if procID < 0 || procID >= len(config.GPURanks) {
			return ProcessContext{}, errors.Errorf(
				"process index %d out of range for %d configured ranks", procID, len(config.GPURanks))
		}
		return ProcessContext{
			Device:    tensors.DeviceNum(procID),
			Rank:      config.GPURanks[procID],
			WorldSize: config.WorldSize,
		}, nil
	case config.SingleGPU:
		return ProcessContext{Device: tensors.DeviceNum(config.GPUID), Rank: NoRank, WorldSize: 1}, nil
	default:
		return ProcessContext{Device: tensors.Host, Rank: NoRank, WorldSize: 1}, nil
	}
}
