package model

import (
	"fmt"
	"time"
)

type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StepQueued:  {StepRunning, StepSkipped},
	StepRunning: {StepSuccess, StepFailed, StepCancelled},
}

func (s StepStatus) Terminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// ValidateStepTransition returns ErrInvalidTransition unless from -> to is allowed.
func ValidateStepTransition(from, to StepStatus) error {
	for _, next := range stepTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: step %s -> %s", ErrInvalidTransition, from, to)
}

// StepKind identifies a pipeline stage independently of its display name.
type StepKind string

const (
	StepSetup   StepKind = "setup"
	StepClone   StepKind = "clone"
	StepInstall StepKind = "install"
	StepTest    StepKind = "test"
	StepBuild   StepKind = "build"
)

// Pipeline is the fixed step order of every build.
var Pipeline = []struct {
	Kind StepKind
	Name string
}{
	{StepSetup, "Setup"},
	{StepClone, "Clone Repository"},
	{StepInstall, "Install Dependencies"},
	{StepTest, "Run Tests"},
	{StepBuild, "Build"},
}

type BuildStep struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Kind       StepKind   `json:"kind"`
	Status     StepStatus `json:"status"`
	Command    string     `json:"command"`
	Logs       []string   `json:"logs"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   int64      `json:"duration"` // in seconds
}

func (s *BuildStep) start(now time.Time) error {
	if err := ValidateStepTransition(s.Status, StepRunning); err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	s.Status = StepRunning
	s.StartedAt = &now
	return nil
}

func (s *BuildStep) finish(to StepStatus, now time.Time) error {
	if err := ValidateStepTransition(s.Status, to); err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	s.Status = to
	s.FinishedAt = &now
	if s.StartedAt != nil {
		s.Duration = int64(now.Sub(*s.StartedAt) / time.Second)
	}
	return nil
}

func (s BuildStep) clone() BuildStep {
	c := s
	c.Logs = append([]string(nil), s.Logs...)
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	c.StartedAt = cloneTime(s.StartedAt)
	c.FinishedAt = cloneTime(s.FinishedAt)
	return c
}
