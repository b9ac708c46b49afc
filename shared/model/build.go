// shared/model/build.go
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a build or step is moved to a status
// its current status does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

type BuildStatus string

const (
	BuildQueued    BuildStatus = "queued"
	BuildRunning   BuildStatus = "running"
	BuildSuccess   BuildStatus = "success"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

var buildTransitions = map[BuildStatus][]BuildStatus{
	BuildQueued:  {BuildRunning, BuildCancelled},
	BuildRunning: {BuildSuccess, BuildFailed, BuildCancelled},
}

// Terminal reports whether no further transition is possible.
func (s BuildStatus) Terminal() bool {
	return s == BuildSuccess || s == BuildFailed || s == BuildCancelled
}

func (s BuildStatus) Valid() bool {
	switch s {
	case BuildQueued, BuildRunning, BuildSuccess, BuildFailed, BuildCancelled:
		return true
	}
	return false
}

// ValidateBuildTransition returns ErrInvalidTransition unless from -> to is allowed.
func ValidateBuildTransition(from, to BuildStatus) error {
	for _, next := range buildTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: build %s -> %s", ErrInvalidTransition, from, to)
}

const TriggerWebhook = "webhook"

type PullRequest struct {
	Number       int    `json:"number"`
	Title        string `json:"title,omitempty"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	Author       string `json:"author,omitempty"`
}

// Trigger is the snapshot of what caused a build. It is never modified after
// the build is created.
type Trigger struct {
	Type          string       `json:"type"`
	EventType     string       `json:"event_type"`
	Sender        string       `json:"sender,omitempty"`
	CommitSHA     string       `json:"commit_sha,omitempty"`
	CommitMessage string       `json:"commit_message,omitempty"`
	Author        string       `json:"author,omitempty"`
	Branch        string       `json:"branch"`
	PullRequest   *PullRequest `json:"pull_request,omitempty"`
}

type Build struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"project_id"`
	OwnerID    string      `json:"owner_id"`
	EventID    string      `json:"event_id,omitempty"`
	Status     BuildStatus `json:"status"`
	BuildType  string      `json:"build_type"`
	Trigger    Trigger     `json:"trigger"`
	Steps      []BuildStep `json:"steps"`
	Reason     string      `json:"reason,omitempty"`
	Artifact   string      `json:"artifact,omitempty"`
	QueuedAt   time.Time   `json:"queued_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Duration   int64       `json:"duration"` // in seconds
	Version    int64       `json:"version"`
}

// Clone returns a deep copy so stores never share step slices with callers.
func (b *Build) Clone() *Build {
	if b == nil {
		return nil
	}
	c := *b
	if b.Trigger.PullRequest != nil {
		pr := *b.Trigger.PullRequest
		c.Trigger.PullRequest = &pr
	}
	c.StartedAt = cloneTime(b.StartedAt)
	c.FinishedAt = cloneTime(b.FinishedAt)
	c.Steps = make([]BuildStep, len(b.Steps))
	for i := range b.Steps {
		c.Steps[i] = b.Steps[i].clone()
	}
	return &c
}

func (b *Build) setStatus(to BuildStatus) error {
	if err := ValidateBuildTransition(b.Status, to); err != nil {
		return err
	}
	b.Status = to
	return nil
}

// Start moves a queued build to running.
func (b *Build) Start(now time.Time) error {
	if err := b.setStatus(BuildRunning); err != nil {
		return err
	}
	b.StartedAt = &now
	return nil
}

// StartStep marks step i running. Every earlier step must have succeeded.
func (b *Build) StartStep(i int, now time.Time) error {
	if b.Status != BuildRunning {
		return fmt.Errorf("%w: step start on %s build", ErrInvalidTransition, b.Status)
	}
	if i < 0 || i >= len(b.Steps) {
		return fmt.Errorf("step index %d out of range", i)
	}
	for j := 0; j < i; j++ {
		if b.Steps[j].Status != StepSuccess {
			return fmt.Errorf("%w: step %q is %s", ErrInvalidTransition, b.Steps[j].Name, b.Steps[j].Status)
		}
	}
	return b.Steps[i].start(now)
}

// FinishStep records the exit code of a running step: zero is success,
// anything else a failure.
func (b *Build) FinishStep(i int, exitCode int, now time.Time) error {
	to := StepSuccess
	if exitCode != 0 {
		to = StepFailed
	}
	if err := b.Steps[i].finish(to, now); err != nil {
		return err
	}
	code := exitCode
	b.Steps[i].ExitCode = &code
	return nil
}

// FailStep fails a running step without an exit code (timeouts, execution errors).
func (b *Build) FailStep(i int, reason string, now time.Time) error {
	if err := b.Steps[i].finish(StepFailed, now); err != nil {
		return err
	}
	b.Steps[i].Reason = reason
	return nil
}

// SkipRemaining moves every queued step to skipped and records why.
func (b *Build) SkipRemaining(logLine string) {
	for i := range b.Steps {
		if b.Steps[i].Status != StepQueued {
			continue
		}
		b.Steps[i].Status = StepSkipped
		b.Steps[i].Logs = append(b.Steps[i].Logs, logLine)
	}
}

// AppendLogs adds output lines to step i in order.
func (b *Build) AppendLogs(i int, lines ...string) {
	if i < 0 || i >= len(b.Steps) {
		return
	}
	b.Steps[i].Logs = append(b.Steps[i].Logs, lines...)
}

// Finish moves a running build to a terminal status.
func (b *Build) Finish(to BuildStatus, reason string, now time.Time) error {
	if err := b.setStatus(to); err != nil {
		return err
	}
	b.Reason = reason
	b.FinishedAt = &now
	b.Duration = b.computeDuration()
	return nil
}

// Cancel stops a queued or running build: the running step is cancelled,
// queued steps are skipped.
func (b *Build) Cancel(reason string, now time.Time) error {
	if err := ValidateBuildTransition(b.Status, BuildCancelled); err != nil {
		return err
	}
	for i := range b.Steps {
		if b.Steps[i].Status == StepRunning {
			if err := b.Steps[i].finish(StepCancelled, now); err != nil {
				return err
			}
			b.Steps[i].Reason = reason
		}
	}
	b.SkipRemaining("Skipped: build cancelled")
	b.Status = BuildCancelled
	b.Reason = reason
	b.FinishedAt = &now
	b.Duration = b.computeDuration()
	return nil
}

// RunningStep returns the index of the running step or -1.
func (b *Build) RunningStep() int {
	for i := range b.Steps {
		if b.Steps[i].Status == StepRunning {
			return i
		}
	}
	return -1
}

// Progress is the share of steps in a terminal state, 0 to 100.
func (b *Build) Progress() int {
	if len(b.Steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range b.Steps {
		if s.Status.Terminal() {
			done++
		}
	}
	return done * 100 / len(b.Steps)
}

// computeDuration is the wall time from the first step start to the last
// step finish, truncated to whole seconds.
func (b *Build) computeDuration() int64 {
	var first, last *time.Time
	for i := range b.Steps {
		s := &b.Steps[i]
		if s.StartedAt != nil && (first == nil || s.StartedAt.Before(*first)) {
			first = s.StartedAt
		}
		if s.FinishedAt != nil && (last == nil || s.FinishedAt.After(*last)) {
			last = s.FinishedAt
		}
	}
	if first == nil || last == nil || last.Before(*first) {
		return 0
	}
	return int64(last.Sub(*first) / time.Second)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
