package optimizers

// This file implements learning-rate schedules.

// Schedule maps an optimizer step number (1-based) to a learning rate. It is
// a pure function of the step.
type Schedule interface {
	LearningRateAt(step int) float64
}

// WarmupLinear returns the linear-warmup-then-linear-decay schedule used for
// pretraining: the learning rate rises linearly from 0 to base over
// warmup*totalSteps optimizer steps, then decays linearly back to 0 at
// totalSteps.
func WarmupLinear(base float64, totalSteps int, warmup float64) Schedule {
	warmupSteps := float64(totalSteps) * warmup
	return warmupLinear{base: base, totalSteps: float64(totalSteps), warmupSteps: warmupSteps}
}

type warmupLinear struct {
	base, totalSteps, warmupSteps float64
}

func (s warmupLinear) LearningRateAt(step int) float64 {
	progress := float64(step)
	if progress < s.warmupSteps {
		return s.base * progress / s.warmupSteps
	}
	remaining := (s.totalSteps - progress) / (s.totalSteps - s.warmupSteps)
	if remaining < 0 {
		remaining = 0
	}
	return s.base * remaining
}

// StepScheduler binds a Schedule to an optimizer: each Step advances the
// schedule by one optimizer step and updates the optimizer's learning rate.
// It implements train.Scheduler.
type StepScheduler struct {
	opt      Interface
	schedule Schedule
	step     int
}

// NewStepScheduler creates a scheduler over the optimizer. The optimizer
// starts with the schedule's step-0 learning rate only after the first Step.
func NewStepScheduler(opt Interface, schedule Schedule) *StepScheduler {
	return &StepScheduler{opt: opt, schedule: schedule}
}

// Step advances the schedule by one optimizer step.
func (s *StepScheduler) Step() {
	s.step++
	s.opt.SetLearningRate(s.schedule.LearningRateAt(s.step))
}
