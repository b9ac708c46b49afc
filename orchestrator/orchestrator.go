// Package orchestrator runs builds step by step and records every transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"buildhook/builder"
	"buildhook/dispatcher"
	"buildhook/identity"
	"buildhook/metrics"
	"buildhook/shared/model"
	"buildhook/storage"
)

var (
	ErrBuildCancelled = errors.New("build cancelled")
	ErrBuildTimeout   = errors.New("build timed out")
)

const (
	CancelReason  = "cancelled by user"
	RecoverReason = "interrupted: orchestrator restarted"
)

type Store interface {
	storage.BuildStore
	storage.ProjectStore
}

// Cloner checks out sources without the git CLI.
type Cloner interface {
	Clone(ctx context.Context, dir string, src builder.Source, token string, output func([]string)) error
}

// Reporter mirrors build state to the provider, e.g. as a commit status.
type Reporter interface {
	Report(ctx context.Context, p *model.Project, b *model.Build) error
}

type Options struct {
	Store      Store
	Runner     builder.Runner
	Workspaces *builder.Workspaces

	// Optional collaborators.
	Cloner    Cloner
	Tokens    identity.TokenSource
	Artifacts *storage.Artifacts
	Sink      EventSink
	Reporter  Reporter
	// Release frees the account slot of a finished build.
	Release func(ctx context.Context, b *model.Build) error

	Metrics *metrics.Metrics
	Log     *zap.Logger

	DefaultTimeout time.Duration
	MaxParallel    int
	KeepWorkspaces bool
	PublicURL      string
}

type activeBuild struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Orchestrator struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu     sync.Mutex
	active map[string]*activeBuild

	cleanup sync.WaitGroup
}

// New creates a new Orchestrator
func New(opts Options) *Orchestrator {
	if opts.Sink == nil {
		opts.Sink = MultiSink{}
	}
	if opts.Tokens == nil {
		opts.Tokens = identity.NewStatic("", nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	return &Orchestrator{
		opts:   opts,
		log:    opts.Log,
		now:    time.Now,
		active: make(map[string]*activeBuild),
	}
}

// Run executes a queued build to completion. Builds that are not queued any
// more are left alone, so a redelivered job is harmless.
func (o *Orchestrator) Run(ctx context.Context, buildID string) error {
	b, err := o.opts.Store.GetBuild(ctx, buildID)
	if err != nil {
		return fmt.Errorf("load build %s: %w", buildID, err)
	}
	if b.Status != model.BuildQueued {
		o.log.Debug("Build is not queued, skipping",
			zap.String("build_id", buildID), zap.String("status", string(b.Status)))
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a, ok := o.register(buildID, cancel)
	if !ok {
		return nil
	}
	defer o.unregister(buildID, a)

	r := o.newRun(ctx, b)
	b, err = r.mutate(func(b *model.Build) error { return b.Start(o.now()) })
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("start build %s: %w", buildID, err)
	}

	runCtx, stop := context.WithTimeoutCause(runCtx, r.timeout, ErrBuildTimeout)
	defer stop()

	o.opts.Metrics.BuildsRunning.Inc()
	defer o.opts.Metrics.BuildsRunning.Dec()
	o.log.Info("🚀 Build started",
		zap.String("build_id", buildID), zap.String("project_id", b.ProjectID), zap.Duration("timeout", r.timeout))
	r.publish(b)
	r.report(b)

	if b = r.pipeline(runCtx, b); b != nil {
		r.finalize(b)
	}
	return nil
}

// Serve runs builds delivered by q, at most MaxParallel at a time, until ctx
// is done. It waits for running builds before returning.
func (o *Orchestrator) Serve(ctx context.Context, q dispatcher.Queue) error {
	sem := make(chan struct{}, o.opts.MaxParallel)
	var wg sync.WaitGroup
	err := q.Consume(ctx, func(ctx context.Context, id string) error {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := o.Run(ctx, id); err != nil {
				o.log.Error("❌ Build run failed", zap.String("build_id", id), zap.Error(err))
			}
		}()
		return nil
	})
	wg.Wait()
	return err
}

// Wait blocks until background workspace cleanups are done.
func (o *Orchestrator) Wait() {
	o.cleanup.Wait()
}

// Active reports whether the build is running in this process.
func (o *Orchestrator) Active(buildID string) bool {
	return o.lookup(buildID) != nil
}

func (o *Orchestrator) register(id string, cancel context.CancelCauseFunc) (*activeBuild, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[id]; ok {
		return nil, false
	}
	a := &activeBuild{cancel: cancel, done: make(chan struct{})}
	o.active[id] = a
	return a, true
}

func (o *Orchestrator) unregister(id string, a *activeBuild) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
	close(a.done)
}

func (o *Orchestrator) lookup(id string) *activeBuild {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[id]
}

// Summary is the human readable outcome used in notifications.
func Summary(b *model.Build) string {
	switch b.Status {
	case model.BuildSuccess:
		return fmt.Sprintf("Build succeeded in %ds", b.Duration)
	case model.BuildCancelled:
		return "Build cancelled"
	}
	return "Build failed: " + b.Reason
}
