package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildhook/shared/model"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
}

func TestParseBuildType(t *testing.T) {
	bt, ok := ParseBuildType("Python")
	assert.True(t, ok)
	assert.Equal(t, Python, bt)

	bt, ok = ParseBuildType("")
	assert.False(t, ok)
	assert.Equal(t, Node, bt)

	bt, ok = ParseBuildType("cobol")
	assert.False(t, ok)
	assert.Equal(t, Node, bt)

	assert.Equal(t, "docker", Docker.String())
	assert.Equal(t, "node", BuildType(42).String())
}

func TestEveryBuildTypeHasCommands(t *testing.T) {
	for _, bt := range []BuildType{Node, Python, Java, Go, Ruby, Docker} {
		c := bt.Commands("")
		assert.NotEmpty(t, c.Install, bt.String())
		assert.NotEmpty(t, c.Test, bt.String())
		assert.NotEmpty(t, c.Build, bt.String())
	}
	assert.Equal(t, "pnpm run build", Node.Commands("pnpm").Build)
	assert.Equal(t, "go test ./...", Go.Commands("").Test)
}

func TestDetectBuildType(t *testing.T) {
	cases := []struct {
		files []string
		want  BuildType
		ok    bool
	}{
		{nil, Node, false},
		{[]string{"package.json", "Dockerfile"}, Node, true},
		{[]string{"go.mod"}, Go, true},
		{[]string{"pyproject.toml"}, Python, true},
		{[]string{"build.gradle"}, Java, true},
		{[]string{"Gemfile"}, Ruby, true},
		{[]string{"Dockerfile"}, Docker, true},
	}
	for _, tc := range cases {
		dir := t.TempDir()
		for _, f := range tc.files {
			touch(t, dir, f)
		}
		got, ok := DetectBuildType(dir)
		assert.Equal(t, tc.want, got, "%v", tc.files)
		assert.Equal(t, tc.ok, ok, "%v", tc.files)
	}
}

func TestDetectPackageManager(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "npm", DetectPackageManager(dir))
	touch(t, dir, "yarn.lock")
	assert.Equal(t, "yarn", DetectPackageManager(dir))
	touch(t, dir, "pnpm-lock.yaml")
	assert.Equal(t, "pnpm", DetectPackageManager(dir))
}

func TestPlan(t *testing.T) {
	steps := Plan(Node, "npm", Source{URL: "https://github.com/octo/app.git", Branch: "main", CommitSHA: "abc"})
	require.Len(t, steps, 5)

	var names []string
	for _, s := range steps {
		names = append(names, s.Name)
		assert.Equal(t, model.StepQueued, s.Status)
	}
	assert.Equal(t, []string{"Setup", "Clone Repository", "Install Dependencies", "Run Tests", "Build"}, names)
	assert.Equal(t, "git clone --quiet --branch 'main' 'https://github.com/octo/app.git' . && git checkout --quiet 'abc'", steps[1].Command)
	assert.Equal(t, "npm install", steps[2].Command)

	steps[2].Status = model.StepSuccess
	Rerender(steps, Go, "")
	assert.Equal(t, "npm install", steps[2].Command, "finished steps keep their command")
	assert.Equal(t, "go test ./...", steps[3].Command)
	assert.Equal(t, "go build ./...", steps[4].Command)
	assert.Contains(t, steps[1].Command, "git clone")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestLineWriter(t *testing.T) {
	var got []string
	w := newLineWriter(func(lines []string) { got = append(got, lines...) })

	_, _ = w.Write([]byte("one\ntw"))
	_, _ = w.Write([]byte("o\r\nthree"))
	assert.Equal(t, []string{"one", "two"}, got)
	w.Flush()
	assert.Equal(t, []string{"one", "two", "three"}, got)
	w.Flush()
	assert.Len(t, got, 3)
}

func TestWorkspaces(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir())
	require.NoError(t, err)

	dir, err := ws.Acquire("b1")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	_, err = ws.Acquire("b1")
	assert.ErrorIs(t, err, ErrWorkspaceInUse)

	_, err = ws.Acquire("../escape")
	assert.Error(t, err)

	require.NoError(t, ws.Release("b1"))
	assert.NoDirExists(t, dir)
	require.NoError(t, ws.Release("b1"))
}

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) add(lines []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, lines...)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
}

func TestShellRunnerCapturesOutputAndExitCode(t *testing.T) {
	requireShell(t)
	r := NewShellRunner("")
	var out collector

	code, err := r.Run(context.Background(), Command{
		Dir:    t.TempDir(),
		Script: "echo test1 pass; echo test2 fail 1>&2; exit 1",
	}, out.add)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.ElementsMatch(t, []string{"test1 pass", "test2 fail"}, out.lines)
}

func TestShellRunnerRunsInDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	touch(t, dir, "marker.txt")
	var out collector

	code, err := NewShellRunner("/bin/sh").Run(context.Background(), Command{Dir: dir, Script: "ls"}, out.add)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"marker.txt"}, out.lines)
}

func TestShellRunnerKillsProcessGroupOnTimeout(t *testing.T) {
	requireShell(t)
	errDeadline := errors.New("deadline")
	ctx, cancel := context.WithTimeoutCause(context.Background(), 200*time.Millisecond, errDeadline)
	defer cancel()

	start := time.Now()
	_, err := NewShellRunner("").Run(ctx, Command{Dir: t.TempDir(), Script: "sleep 30 & sleep 30; wait"}, func([]string) {})
	assert.ErrorIs(t, err, errDeadline)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSimulatedRunnerLabelsOutput(t *testing.T) {
	r := NewSimulatedRunner(0)
	r.Outcomes[model.StepTest] = Outcome{Lines: []string{"test1 pass", "test2 fail"}, ExitCode: 1}
	var out collector

	code, err := r.Run(context.Background(), Command{Kind: model.StepTest, Script: "npm test"}, out.add)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Equal(t, []string{"[simulated] test1 pass", "[simulated] test2 fail"}, out.lines)

	out.lines = nil
	code, err = r.Run(context.Background(), Command{Kind: model.StepInstall, Script: "npm install"}, out.add)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	for _, l := range out.lines {
		assert.Contains(t, l, "[simulated]")
	}
}

func TestSimulatedRunnerHonoursCancellation(t *testing.T) {
	r := NewSimulatedRunner(time.Minute)
	cause := errors.New("stop")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(cause)
	}()

	_, err := r.Run(ctx, Command{Kind: model.StepBuild}, func([]string) {})
	assert.ErrorIs(t, err, cause)
}
