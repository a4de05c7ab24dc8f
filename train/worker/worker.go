// Package worker implements the per-process launcher: given a process index,
// the training configuration and a constructed model, it establishes the
// worker's execution environment (topology, loader shard, device, optimizer,
// schedule, optional mixed precision and gradient synchronization) and runs
// the training loop to completion.
package worker

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tokenset/pretrain/amp"
	"github.com/tokenset/pretrain/checkpoints"
	"github.com/tokenset/pretrain/distributed"
	"github.com/tokenset/pretrain/train"
	"github.com/tokenset/pretrain/train/optimizers"
	"github.com/tokenset/pretrain/ui/commandline"
)

// WeightDecay applied to parameters outside the no-decay groups.
const WeightDecay = 0.01

// checkpointPriority makes checkpointing run after reporting within a step.
const checkpointPriority = 100

// Options tweak a worker run. The zero value is what production uses.
type Options struct {
	// ReportWriter receives the report lines; defaults to os.Stdout.
	ReportWriter io.Writer

	// ProgressBar attaches a terminal progress bar on the reporting
	// worker.
	ProgressBar bool
}

// Run executes one worker: the process identified by procID under the
// configured topology. It returns once all configured steps have run or on
// the first error. The config must already be validated.
func Run(procID int, config train.TrainingConfig, model train.Model, opts Options) error {
	pc, err := train.ResolveTopology(config, procID)
	if err != nil {
		return err
	}
	desc, err := config.Objective.Descriptor()
	if err != nil {
		return err
	}

	// Loader scoped to this worker: a disjoint deterministic shard per
	// rank when distributed, the whole dataset otherwise.
	loaderFactory, err := train.LoaderFor(config.Objective)
	if err != nil {
		return err
	}
	shardRank, shardCount := 0, 1
	if pc.IsDistributed() {
		shardRank, shardCount = pc.Rank, pc.WorldSize
	}
	dataset, err := loaderFactory(config, config.DatasetPath, config.BatchSize, shardRank, shardCount, true)
	if err != nil {
		return errors.WithMessagef(err, "failed building %q loader for worker %d", desc.Name, procID)
	}

	if pc.Device >= 0 {
		if err = model.ToDevice(pc.Device); err != nil {
			return errors.WithMessagef(err, "failed moving model to device %d", pc.Device)
		}
	}

	// Optimizer over two parameter groups: the no-decay set (bias and
	// normalization scale/shift) gets zero weight decay.
	groups := optimizers.GroupForDecay(model.Parameters(), WeightDecay)
	var optimizer optimizers.Interface = optimizers.AdamW().
		LearningRate(config.LearningRate).
		Betas(config.Beta1, config.Beta2).
		Done(groups)

	loopModel := model
	if config.FP16 {
		loopModel, optimizer, err = amp.Initialize(model, optimizer, config.FP16OptLevel)
		if err != nil {
			return err
		}
	}
	scheduler := optimizers.NewStepScheduler(optimizer,
		optimizers.WarmupLinear(config.LearningRate, config.TotalSteps, config.Warmup))

	if pc.IsDistributed() {
		group, err := distributed.Join(config.Backend, config.MasterAddr,
			config.WorldSize, pc.Rank, config.RendezvousTimeoutOrDefault())
		if err != nil {
			return errors.WithMessagef(err, "worker %d failed joining the process group", pc.Rank)
		}
		defer func() { _ = group.Close() }()
		loopModel, err = distributed.WrapModel(loopModel, group)
		if err != nil {
			return err
		}
		klog.Infof("worker %d is training", pc.Rank)
	} else {
		klog.Info("worker is training")
	}

	loop := train.NewLoop(config, desc, loopModel, optimizer, scheduler, dataset, pc.Device)
	loop.WorldSize = pc.WorldSize

	// Reports and checkpoints come from exactly one worker.
	if pc.IsReporter() {
		reportWriter := opts.ReportWriter
		if reportWriter == nil {
			reportWriter = os.Stdout
		}
		train.AttachReporter(loop, reportWriter)

		handler, err := checkpoints.Build(config.OutputModelPath).Done()
		if err != nil {
			return err
		}
		train.EveryNSteps(loop, config.SaveCheckpointSteps, "checkpointing", checkpointPriority,
			func(loop *train.Loop) error { return handler.SaveStep(loop.Model, loop.Step) })

		if opts.ProgressBar {
			commandline.AttachProgressBar(loop)
		}
	}

	return loop.Run()
}
