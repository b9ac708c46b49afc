package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuild() *Build {
	b := &Build{ID: "b1", Status: BuildQueued}
	for _, p := range Pipeline {
		b.Steps = append(b.Steps, BuildStep{Name: p.Name, Kind: p.Kind, Status: StepQueued})
	}
	return b
}

func TestStepTransitions(t *testing.T) {
	allowed := [][2]StepStatus{
		{StepQueued, StepRunning},
		{StepQueued, StepSkipped},
		{StepRunning, StepSuccess},
		{StepRunning, StepFailed},
		{StepRunning, StepCancelled},
	}
	for _, tr := range allowed {
		assert.NoError(t, ValidateStepTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	rejected := [][2]StepStatus{
		{StepQueued, StepSuccess},
		{StepSuccess, StepRunning},
		{StepFailed, StepQueued},
		{StepSkipped, StepRunning},
		{StepCancelled, StepSuccess},
		{StepRunning, StepQueued},
	}
	for _, tr := range rejected {
		assert.ErrorIs(t, ValidateStepTransition(tr[0], tr[1]), ErrInvalidTransition, "%s -> %s", tr[0], tr[1])
	}
}

func TestBuildTransitions(t *testing.T) {
	assert.NoError(t, ValidateBuildTransition(BuildQueued, BuildRunning))
	assert.NoError(t, ValidateBuildTransition(BuildQueued, BuildCancelled))
	assert.NoError(t, ValidateBuildTransition(BuildRunning, BuildFailed))
	assert.ErrorIs(t, ValidateBuildTransition(BuildSuccess, BuildRunning), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateBuildTransition(BuildQueued, BuildSuccess), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateBuildTransition(BuildCancelled, BuildQueued), ErrInvalidTransition)
}

func TestStartStepRequiresSuccessfulPredecessors(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newTestBuild()
	require.NoError(t, b.Start(now))

	assert.Error(t, b.StartStep(1, now), "clone cannot start before setup")

	require.NoError(t, b.StartStep(0, now))
	assert.Error(t, b.StartStep(1, now), "setup still running")

	require.NoError(t, b.FinishStep(0, 0, now.Add(time.Second)))
	require.NoError(t, b.StartStep(1, now.Add(time.Second)))
	require.NoError(t, b.FinishStep(1, 128, now.Add(2*time.Second)))
	assert.Equal(t, StepFailed, b.Steps[1].Status)
	require.NotNil(t, b.Steps[1].ExitCode)
	assert.Equal(t, 128, *b.Steps[1].ExitCode)

	assert.Error(t, b.StartStep(2, now), "install cannot follow a failed clone")
}

func TestFinishComputesDurationFromSteps(t *testing.T) {
	start := time.Unix(5000, 0)
	b := newTestBuild()
	require.NoError(t, b.Start(start.Add(-30*time.Second)))

	at := start
	for i := range b.Steps {
		require.NoError(t, b.StartStep(i, at))
		at = at.Add(3*time.Second + 400*time.Millisecond)
		require.NoError(t, b.FinishStep(i, 0, at))
	}
	require.NoError(t, b.Finish(BuildSuccess, "", at.Add(time.Minute)))

	// 5 * 3.4s = 17s after truncation, independent of queue time and finalisation.
	assert.Equal(t, int64(17), b.Duration)
	assert.Equal(t, 100, b.Progress())
	assert.Equal(t, BuildSuccess, b.Status)
	require.NotNil(t, b.FinishedAt)
}

func TestCancelRunningBuild(t *testing.T) {
	now := time.Unix(100, 0)
	b := newTestBuild()
	require.NoError(t, b.Start(now))
	require.NoError(t, b.StartStep(0, now))
	require.NoError(t, b.FinishStep(0, 0, now.Add(time.Second)))
	require.NoError(t, b.StartStep(1, now.Add(time.Second)))

	require.NoError(t, b.Cancel("cancelled by user", now.Add(4*time.Second)))

	assert.Equal(t, BuildCancelled, b.Status)
	assert.Equal(t, StepSuccess, b.Steps[0].Status)
	assert.Equal(t, StepCancelled, b.Steps[1].Status)
	for _, s := range b.Steps[2:] {
		assert.Equal(t, StepSkipped, s.Status)
		assert.Equal(t, []string{"Skipped: build cancelled"}, s.Logs)
	}
	require.NotNil(t, b.FinishedAt)
	assert.Equal(t, int64(4), b.Duration)

	assert.ErrorIs(t, b.Cancel("again", now), ErrInvalidTransition)
}

func TestCancelQueuedBuild(t *testing.T) {
	b := newTestBuild()
	require.NoError(t, b.Cancel("cancelled", time.Unix(1, 0)))
	assert.Equal(t, BuildCancelled, b.Status)
	assert.Equal(t, int64(0), b.Duration)
	for _, s := range b.Steps {
		assert.Equal(t, StepSkipped, s.Status)
	}
}

func TestProgress(t *testing.T) {
	b := newTestBuild()
	assert.Equal(t, 0, b.Progress())
	b.Steps[0].Status = StepSuccess
	b.Steps[1].Status = StepSuccess
	assert.Equal(t, 40, b.Progress())
	b.Steps[2].Status = StepRunning
	assert.Equal(t, 40, b.Progress())
	b.Steps[2].Status = StepFailed
	b.SkipRemaining("skipped")
	assert.Equal(t, 100, b.Progress())
}

func TestCloneIsDeep(t *testing.T) {
	b := newTestBuild()
	b.Trigger.PullRequest = &PullRequest{Number: 7}
	b.Steps[0].Logs = []string{"one"}

	c := b.Clone()
	c.Steps[0].Logs[0] = "changed"
	c.Steps[1].Status = StepRunning
	c.Trigger.PullRequest.Number = 8

	assert.Equal(t, "one", b.Steps[0].Logs[0])
	assert.Equal(t, StepQueued, b.Steps[1].Status)
	assert.Equal(t, 7, b.Trigger.PullRequest.Number)
}

func TestSettingsTimeoutAndNotifications(t *testing.T) {
	var nilSettings *ProjectSettings
	assert.Equal(t, 30*time.Minute, nilSettings.Timeout(30*time.Minute))

	s := &ProjectSettings{BuildTimeoutMinutes: 5, NotifyOnSuccess: false, NotifyOnFailure: true}
	assert.Equal(t, 5*time.Minute, s.Timeout(time.Hour))
	assert.False(t, s.WantsNotification(BuildSuccess))
	assert.True(t, s.WantsNotification(BuildFailed))
	assert.True(t, s.WantsNotification(BuildCancelled))
}
