package builder

import (
	"fmt"
	"strings"

	"buildhook/shared/model"
)

// Source is what the Clone step checks out.
type Source struct {
	URL       string
	Branch    string
	CommitSHA string
}

const setupCommand = "printf 'Preparing workspace\\n' && git --version"

// Plan returns the five queued pipeline steps in execution order. Step ids
// are left to the caller.
func Plan(t BuildType, packageManager string, src Source) []model.BuildStep {
	cmds := t.Commands(packageManager)
	steps := make([]model.BuildStep, 0, len(model.Pipeline))
	for _, p := range model.Pipeline {
		steps = append(steps, model.BuildStep{
			Name:    p.Name,
			Kind:    p.Kind,
			Status:  model.StepQueued,
			Command: command(p.Kind, cmds, src),
		})
	}
	return steps
}

// Rerender replaces the commands of still-queued type-dependent steps, used
// once the real build type is known from the cloned workspace.
func Rerender(steps []model.BuildStep, t BuildType, packageManager string) {
	cmds := t.Commands(packageManager)
	for i := range steps {
		if steps[i].Status != model.StepQueued {
			continue
		}
		switch steps[i].Kind {
		case model.StepInstall, model.StepTest, model.StepBuild:
			steps[i].Command = command(steps[i].Kind, cmds, Source{})
		}
	}
}

func command(kind model.StepKind, cmds Commands, src Source) string {
	switch kind {
	case model.StepSetup:
		return setupCommand
	case model.StepClone:
		return CloneCommand(src)
	case model.StepInstall:
		return cmds.Install
	case model.StepTest:
		return cmds.Test
	case model.StepBuild:
		return cmds.Build
	}
	return ""
}

// CloneCommand checks src out into the current directory with the git CLI.
func CloneCommand(src Source) string {
	var b strings.Builder
	b.WriteString("git clone --quiet")
	if src.Branch != "" {
		fmt.Fprintf(&b, " --branch %s", shellQuote(src.Branch))
	}
	fmt.Fprintf(&b, " %s .", shellQuote(src.URL))
	if src.CommitSHA != "" {
		fmt.Fprintf(&b, " && git checkout --quiet %s", shellQuote(src.CommitSHA))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
