// Package commandline provides terminal UI attachments for the training loop.
package commandline

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/tokenset/pretrain/train"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version,
// but it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

const progressBarName = "pretrain.ui.commandline.progressBar"

var suffixStyle = lipgloss.NewStyle().Faint(true).PaddingLeft(1)

// progressBar holds a progress bar being displayed alongside the loop's
// periodic reports.
type progressBar struct {
	bar      *progressbar.ProgressBar
	termenv  *termenv.Output
	lastStep int
}

func (pBar *progressBar) onStep(loop *train.Loop) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.Step - pBar.lastStep
	if amount <= 0 {
		return nil
	}
	pBar.lastStep = loop.Step

	// Average loss over the open report window; blank right after a reset.
	if loop.Metrics.Steps > 0 {
		avgLoss := loop.Metrics.TotalLoss / float64(loop.Metrics.Steps)
		pBar.bar.Describe(suffixStyle.Render(fmt.Sprintf("loss %7.2f", avgLoss)))
	}
	if err := pBar.bar.Add(amount); err != nil {
		return err
	}
	if loop.Step == loop.Config.TotalSteps {
		pBar.termenv.ShowCursor()
		fmt.Println()
	}
	return nil
}

// AttachProgressBar creates a command-line progress bar and attaches it to
// the loop, displaying progression over the total steps and the running loss
// of the current report window. Attach it on one worker only, the same one
// that reports.
func AttachProgressBar(loop *train.Loop) {
	pBar := &progressBar{
		termenv: termenv.NewOutput(os.Stdout),
	}
	pBar.bar = progressbar.NewOptions(loop.Config.TotalSteps,
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	pBar.termenv.HideCursor()
	loop.OnStep(progressBarName, 10, pBar.onStep)
}
