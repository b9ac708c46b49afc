package builder

import (
	"context"
	"fmt"
	"time"

	"buildhook/shared/model"
)

const simulatedPrefix = "[simulated] "

// Outcome scripts a simulated step.
type Outcome struct {
	Lines    []string
	ExitCode int
}

// SimulatedRunner fabricates step output without running anything. It is a
// demo and test mode only; every line it produces carries a [simulated]
// prefix so its output can never pass for a real build.
type SimulatedRunner struct {
	Delay    time.Duration
	Outcomes map[model.StepKind]Outcome
}

// NewSimulatedRunner creates a new SimulatedRunner
func NewSimulatedRunner(delay time.Duration) *SimulatedRunner {
	return &SimulatedRunner{Delay: delay, Outcomes: map[model.StepKind]Outcome{}}
}

func (r *SimulatedRunner) Run(ctx context.Context, c Command, output func([]string)) (int, error) {
	out, ok := r.Outcomes[c.Kind]
	if !ok {
		out = Outcome{Lines: []string{
			fmt.Sprintf("$ %s", c.Script),
			fmt.Sprintf("%s step completed", c.Kind),
		}}
	}

	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return -1, context.Cause(ctx)
		case <-t.C:
		}
	} else if ctx.Err() != nil {
		return -1, context.Cause(ctx)
	}

	if len(out.Lines) > 0 {
		lines := make([]string, len(out.Lines))
		for i, l := range out.Lines {
			lines[i] = simulatedPrefix + l
		}
		output(lines)
	}
	return out.ExitCode, nil
}
