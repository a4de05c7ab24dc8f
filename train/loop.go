package train

import (
	"io"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/tokenset/pretrain/types/tensors"
)

// Optimizer is what the loop needs from an optimizer: apply one update from
// the gradients accumulated so far. Package optimizers provides
// implementations; the mixed-precision adapter wraps them.
type Optimizer interface {
	Step() error
}

// Scheduler advances the learning-rate schedule by one optimizer step.
type Scheduler interface {
	Step()
}

// Priority orders hooks; the lowest values run first. Negative values are ok.
type Priority int

// OnStepFn is the type of per-step hooks. It runs after the step's
// forward/backward and optimizer cadence.
type OnStepFn func(loop *Loop) error

// Loop drives a fixed number of optimization micro-steps over a stream of
// batches: the single training-loop implementation shared by every
// objective, parameterized by the objective's Descriptor.
//
// Reporting and checkpointing attach as OnStep hooks (see AttachReporter and
// EveryNSteps), so that only the designated worker registers them.
//
// The public fields are meant for reading, mostly by hooks; don't change
// them mid-run.
type Loop struct {
	// Config for the run. Immutable.
	Config TrainingConfig

	// Desc is the objective descriptor driving the loop body.
	Desc Descriptor

	// Collaborators, possibly wrapped for mixed precision or gradient
	// synchronization.
	Model     Model
	Optimizer Optimizer
	Scheduler Scheduler
	Dataset   Dataset

	// Device assigned to this worker, tensors.Host when none.
	Device tensors.DeviceNum

	// WorldSize scales the reported throughput under data parallelism.
	// 1 when non-distributed.
	WorldSize int

	// Step currently being executed, from 1 to Config.TotalSteps.
	Step int

	// Metrics is the current report window.
	Metrics *RunningMetrics

	// WindowStart is the wall-clock start of the current report window.
	WindowStart time.Time

	onStep *priorityHooks[*hookWithName[OnStepFn]]
}

// NewLoop creates a training loop over validated collaborators. The config
// must have been validated.
func NewLoop(config TrainingConfig, desc Descriptor, model Model, optimizer Optimizer, scheduler Scheduler, dataset Dataset, device tensors.DeviceNum) *Loop {
	return &Loop{
		Config:    config,
		Desc:      desc,
		Model:     model,
		Optimizer: optimizer,
		Scheduler: scheduler,
		Dataset:   dataset,
		Device:    device,
		WorldSize: 1,
		Metrics:   NewRunningMetrics(desc),
		onStep:    newPriorityHooks[*hookWithName[OnStepFn]](),
	}
}

// OnStep adds a hook with the given priority and name (for error reporting)
// to each step of the loop.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// Run executes the loop to completion: Config.TotalSteps micro-steps, with
// an optimizer update every Config.AccumulationSteps of them. Any error
// during batch fetch, forward or backward aborts the run; there is no retry
// state.
func (loop *Loop) Run() error {
	loop.Model.SetTraining(true)
	loop.Metrics.Reset()
	loop.WindowStart = time.Now()
	totalSteps := loop.Config.TotalSteps
	accumulation := loop.Config.AccumulationSteps
	scale := 1.0 / float64(accumulation)

	for step := 1; step <= totalSteps; step++ {
		loop.Step = step
		batch, err := loop.Dataset.Yield()
		if err != nil {
			if err == io.EOF {
				return errors.Errorf(
					"dataset %q ended after %d of %d steps: the loop terminates by step count and requires a cyclic dataset",
					loop.Dataset.Name(), step-1, totalSteps)
			}
			return errors.WithMessagef(err, "failed reading from dataset %q at step %d", loop.Dataset.Name(), step)
		}
		if err = batch.Validate(loop.Desc); err != nil {
			return errors.WithMessagef(err, "invalid batch at step %d", step)
		}
		if loop.Device != tensors.Host {
			batch = batch.ToDevice(loop.Device)
		}

		info, err := loop.Model.Forward(batch.Source, batch.targetSpec(loop.Desc), batch.Segment)
		if err != nil {
			return errors.WithMessagef(err, "forward pass failed at step %d", step)
		}
		if err = info.validate(loop.Desc); err != nil {
			return errors.WithMessagef(err, "bad loss info at step %d", step)
		}
		if total := info.TotalLoss(); math.IsNaN(total) || math.IsInf(total, 0) {
			return errors.Errorf("loss is %f at step %d, training interrupted", total, step)
		}
		loop.Metrics.Accumulate(info, batch.BatchSize(), batch.SeqLen())

		// Scaled so that accumulation consecutive micro-steps sum to one
		// full-batch gradient. The adapter, when present, owns any extra
		// loss scaling.
		if err = loop.Model.Backward(scale); err != nil {
			return errors.WithMessagef(err, "backward pass failed at step %d", step)
		}

		if step%accumulation == 0 {
			if err = loop.Optimizer.Step(); err != nil {
				return errors.WithMessagef(err, "optimizer step failed at step %d", step)
			}
			loop.Scheduler.Step()
			loop.Model.ZeroGrad()
		}

		if err = loop.runStepHooks(); err != nil {
			return err
		}
	}
	return nil
}

func (loop *Loop) runStepHooks() (err error) {
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	return
}

// AttachReporter registers the metric reporter on the loop: every
// Config.ReportSteps steps it writes one formatted status line to w and
// resets the window. Only the metrics-owning worker should attach it.
func AttachReporter(loop *Loop, w io.Writer) {
	EveryNSteps(loop, loop.Config.ReportSteps, "reporting", 0, func(loop *Loop) error {
		line := FormatReport(loop.Desc, loop.Step, loop.Config.TotalSteps,
			loop.Metrics, time.Since(loop.WindowStart), loop.WorldSize)
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return errors.Wrap(err, "writing report line")
		}
		loop.Metrics.Reset()
		loop.WindowStart = time.Now()
		return nil
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks of type H per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
