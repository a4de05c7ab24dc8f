package train

import (
	"fmt"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
)

// RunningMetrics accumulates scalar sums over one report window: sub-losses,
// correct-prediction counts and their normalization denominators. It is
// created at loop start, mutated every step, flushed (read and reset) every
// report interval and discarded at loop end.
type RunningMetrics struct {
	desc Descriptor

	// Steps is the number of micro-steps accumulated in the window.
	Steps int
	// TotalLoss is the sum over the window of per-step total losses.
	TotalLoss float64
	// Losses are per-sub-loss sums, matching Descriptor.LossNames.
	Losses []float64
	// Correct are correct-prediction count sums, matching
	// Descriptor.Accuracies.
	Correct []float64
	// Denominator is the token-level accuracy denominator sum.
	Denominator float64
	// Instances is the number of batch rows seen in the window.
	Instances float64
	// Tokens is the number of source tokens processed in the window by
	// this worker (before any world-size scaling).
	Tokens int
}

// NewRunningMetrics creates an empty metrics window for the objective.
func NewRunningMetrics(desc Descriptor) *RunningMetrics {
	return &RunningMetrics{
		desc:    desc,
		Losses:  make([]float64, desc.NumLosses()),
		Correct: make([]float64, len(desc.Accuracies)),
	}
}

// Accumulate folds one step's loss info into the window.
func (m *RunningMetrics) Accumulate(info *LossInfo, batchSize, seqLen int) {
	if len(info.Losses) != len(m.Losses) || len(info.Correct) != len(m.Correct) {
		exceptions.Panicf("loss info arity changed mid-run: got %d losses/%d counts, window has %d/%d",
			len(info.Losses), len(info.Correct), len(m.Losses), len(m.Correct))
	}
	m.Steps++
	m.TotalLoss += info.TotalLoss()
	for i, loss := range info.Losses {
		m.Losses[i] += loss
	}
	for i, correct := range info.Correct {
		m.Correct[i] += correct
	}
	m.Denominator += info.Denominator
	m.Instances += float64(batchSize)
	m.Tokens += batchSize * seqLen
}

// Reset zeroes the window. Called immediately after each emitted report.
func (m *RunningMetrics) Reset() {
	m.Steps = 0
	m.TotalLoss = 0
	clear(m.Losses)
	clear(m.Correct)
	m.Denominator = 0
	m.Instances = 0
	m.Tokens = 0
}

// Accuracy returns the i-th accuracy ratio of the window, normalized per the
// descriptor. A zero denominator yields 0 rather than dividing by zero.
func (m *RunningMetrics) Accuracy(i int) float64 {
	denom := m.Denominator
	if m.desc.Accuracies[i].Denom == InstanceCount {
		denom = m.Instances
	}
	if denom == 0 {
		return 0
	}
	return m.Correct[i] / denom
}

// FormatReport renders one status line for a flushed window. It is a pure
// function of its arguments: two windows with identical accumulated values
// and identical elapsed time produce byte-identical lines.
//
// Throughput is tokens-processed-in-window scaled by worldSize (each peer
// processed its own shard) divided by elapsed wall time. Losses are averaged
// over the window's steps.
func FormatReport(desc Descriptor, step, totalSteps int, m *RunningMetrics, elapsed time.Duration, worldSize int) string {
	if worldSize < 1 {
		worldSize = 1
	}
	steps := m.Steps
	if steps == 0 {
		steps = 1
	}
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1e-9
	}
	tokensPerSecond := float64(m.Tokens*worldSize) / seconds

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "| %8d/%8d steps| %8.2f tokens/s| loss %7.2f",
		step, totalSteps, tokensPerSecond, m.TotalLoss/float64(steps))
	for i, name := range desc.LossNames {
		_, _ = fmt.Fprintf(&sb, "| loss_%s: %3.3f", name, m.Losses[i]/float64(steps))
	}
	for i, acc := range desc.Accuracies {
		if acc.Name == "" {
			_, _ = fmt.Fprintf(&sb, "| acc: %3.3f", m.Accuracy(i))
		} else {
			_, _ = fmt.Fprintf(&sb, "| acc_%s: %3.3f", acc.Name, m.Accuracy(i))
		}
	}
	return sb.String()
}
