package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"buildhook/builder"
	"buildhook/shared/apperr"
	"buildhook/shared/message"
	"buildhook/shared/model"
	"buildhook/storage"
)

// run carries what one build execution needs. Store writes go through bg so
// they still land after the build context timed out or was cancelled.
type run struct {
	o        *Orchestrator
	build    *model.Build
	project  *model.Project
	settings *model.ProjectSettings
	timeout  time.Duration
	dir      string
	bg       context.Context
}

func (o *Orchestrator) newRun(ctx context.Context, b *model.Build) *run {
	r := &run{o: o, build: b, bg: context.WithoutCancel(ctx)}

	p, err := o.opts.Store.GetProject(ctx, b.ProjectID)
	switch {
	case err == nil:
		r.project = p
	case !errors.Is(err, storage.ErrNotFound):
		o.log.Warn("⚠️ Failed to load project", zap.String("project_id", b.ProjectID), zap.Error(err))
	}
	s, err := o.opts.Store.GetSettings(ctx, b.ProjectID)
	switch {
	case err == nil:
		r.settings = s
	case !errors.Is(err, storage.ErrNotFound):
		o.log.Warn("⚠️ Failed to load project settings", zap.String("project_id", b.ProjectID), zap.Error(err))
	}

	r.timeout = r.settings.Timeout(o.opts.DefaultTimeout)
	return r
}

func (r *run) mutate(fn func(*model.Build) error) (*model.Build, error) {
	return storage.MutateBuild(r.bg, r.o.opts.Store, r.build.ID, fn)
}

func (r *run) publish(b *model.Build) {
	r.o.opts.Sink.BuildStatus(r.bg, b)
}

func (r *run) report(b *model.Build) {
	if r.o.opts.Reporter == nil || r.project == nil {
		return
	}
	if err := r.o.opts.Reporter.Report(r.bg, r.project, b); err != nil {
		r.o.log.Warn("⚠️ Failed to report build status", zap.String("build_id", b.ID), zap.Error(err))
	}
}

// pipeline runs the steps in order. It returns the terminal build, or nil
// when the build was moved out of running by someone else and there is
// nothing left to finalise here.
func (r *run) pipeline(ctx context.Context, b *model.Build) *model.Build {
	for i := range b.Steps {
		if ctx.Err() != nil {
			return r.interrupt(-1, "", context.Cause(ctx))
		}

		next, err := r.mutate(func(b *model.Build) error { return b.StartStep(i, r.o.now()) })
		if err != nil {
			return r.abort(err)
		}
		b = next
		r.publish(b)

		step := b.Steps[i]
		code, err := r.runStep(ctx, i, step)
		if err != nil && ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		if err != nil {
			return r.interrupt(i, step.Name, err)
		}

		next, err = r.mutate(func(b *model.Build) error {
			now := r.o.now()
			if err := b.FinishStep(i, code, now); err != nil {
				return err
			}
			if code == 0 {
				return nil
			}
			b.SkipRemaining(fmt.Sprintf("Skipped: %s failed", step.Name))
			return b.Finish(model.BuildFailed, fmt.Sprintf("%s exited with code %d", step.Name, code), now)
		})
		if err != nil {
			return r.abort(err)
		}
		b = next
		r.observe(b.Steps[i])
		if code != 0 {
			return b
		}
		r.publish(b)
	}

	b, err := r.mutate(func(b *model.Build) error { return b.Finish(model.BuildSuccess, "", r.o.now()) })
	if err != nil {
		return r.abort(err)
	}
	return b
}

// interrupt ends the build after step i could not complete. i < 0 means the
// build was stopped between steps.
func (r *run) interrupt(i int, step string, cause error) *model.Build {
	var fn func(*model.Build) error
	switch {
	case errors.Is(cause, ErrBuildCancelled):
		fn = func(b *model.Build) error { return b.Cancel(CancelReason, r.o.now()) }
	case errors.Is(cause, ErrBuildTimeout):
		fn = r.fail(i, "timeout", "Skipped: build timed out", "timeout: build exceeded "+r.timeout.String())
	case errors.Is(cause, context.Canceled):
		fn = r.fail(i, "interrupted", "Skipped: build interrupted", "interrupted: orchestrator shutting down")
	default:
		r.o.log.Error("❌ Step execution error",
			zap.String("build_id", r.build.ID), zap.String("step", step), zap.Error(cause))
		fail := r.fail(i, cause.Error(), fmt.Sprintf("Skipped: %s failed", step), fmt.Sprintf("%s failed: %v", step, cause))
		fn = func(b *model.Build) error {
			b.AppendLogs(i, "Error: "+cause.Error())
			return fail(b)
		}
	}

	b, err := r.mutate(fn)
	if err != nil {
		return r.abort(err)
	}
	if i >= 0 {
		r.observe(b.Steps[i])
	}
	return b
}

func (r *run) fail(i int, stepReason, skipLine, buildReason string) func(*model.Build) error {
	return func(b *model.Build) error {
		now := r.o.now()
		if i >= 0 && b.Steps[i].Status == model.StepRunning {
			if err := b.FailStep(i, stepReason, now); err != nil {
				return err
			}
		}
		b.SkipRemaining(skipLine)
		return b.Finish(model.BuildFailed, buildReason, now)
	}
}

func (r *run) abort(err error) *model.Build {
	if errors.Is(err, model.ErrInvalidTransition) {
		r.o.log.Info("Build changed state elsewhere, stopping", zap.String("build_id", r.build.ID), zap.Error(err))
	} else {
		// left running; Recover closes it after a restart
		r.o.log.Error("❌ Failed to record build state", zap.String("build_id", r.build.ID), zap.Error(err))
	}
	r.releaseWorkspace()
	return nil
}

// runStep executes one step. Panics become execution errors of this build
// only.
func (r *run) runStep(ctx context.Context, i int, step model.BuildStep) (code int, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.o.log.Error("💥 Step panicked",
				zap.String("build_id", r.build.ID), zap.String("step", step.Name), zap.Any("panic", p))
			code, err = -1, apperr.Errorf(apperr.Execution, step.Name, "panic: %v", p)
		}
	}()

	output := func(lines []string) { r.logs(i, step.Name, lines) }

	switch step.Kind {
	case model.StepSetup:
		dir, err := r.o.opts.Workspaces.Acquire(r.build.ID)
		if err != nil {
			return -1, apperr.E(apperr.Execution, "acquire workspace", err)
		}
		r.dir = dir
	case model.StepClone:
		if r.o.opts.Cloner != nil {
			if err := r.clone(ctx, output); err != nil {
				return -1, err
			}
			return 0, r.detect(output)
		}
	}

	code, err = r.o.opts.Runner.Run(ctx, builder.Command{Kind: step.Kind, Dir: r.dir, Script: step.Command}, output)
	if err != nil {
		return -1, apperr.E(apperr.Execution, step.Name, err)
	}
	if step.Kind == model.StepClone && code == 0 {
		return 0, r.detect(output)
	}
	return code, nil
}

func (r *run) clone(ctx context.Context, output func([]string)) error {
	if r.project == nil {
		return apperr.Errorf(apperr.Execution, "clone", "project %s not found", r.build.ProjectID)
	}
	token, err := r.o.opts.Tokens.AccessToken(ctx, r.project)
	if err != nil {
		return apperr.E(apperr.Execution, "resolve access token", err)
	}
	src := builder.Source{
		URL:       r.project.RepositoryURL,
		Branch:    r.build.Trigger.Branch,
		CommitSHA: r.build.Trigger.CommitSHA,
	}
	return apperr.E(apperr.Execution, "clone", r.o.opts.Cloner.Clone(ctx, r.dir, src, token, output))
}

// detect settles the build type from the checkout and re-renders the
// commands of the remaining steps.
func (r *run) detect(output func([]string)) error {
	t, explicit := builder.ParseBuildType(r.build.BuildType)
	if !explicit {
		found := false
		if t, found = builder.DetectBuildType(r.dir); found {
			output([]string{"Detected build type: " + t.String()})
		} else {
			output([]string{"No build markers found, defaulting to " + t.String()})
		}
	}
	pm := ""
	if t == builder.Node {
		pm = builder.DetectPackageManager(r.dir)
	}

	_, err := r.mutate(func(b *model.Build) error {
		b.BuildType = t.String()
		builder.Rerender(b.Steps, t, pm)
		return nil
	})
	return err
}

func (r *run) logs(i int, step string, lines []string) {
	if len(lines) == 0 {
		return
	}
	if _, err := r.mutate(func(b *model.Build) error {
		b.AppendLogs(i, lines...)
		return nil
	}); err != nil {
		r.o.log.Warn("⚠️ Failed to store step logs",
			zap.String("build_id", r.build.ID), zap.String("step", step), zap.Error(err))
	}
	r.o.opts.Sink.BuildLogs(r.bg, r.build.ID, step, lines)
}

func (r *run) observe(s model.BuildStep) {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return
	}
	r.o.opts.Metrics.StepDuration.WithLabelValues(string(s.Kind), string(s.Status)).
		Observe(s.FinishedAt.Sub(*s.StartedAt).Seconds())
}

// finalize runs once per terminal build: artifact, slot, status, owner
// notification, provider status and workspace cleanup.
func (r *run) finalize(b *model.Build) {
	o := r.o
	fields := []zap.Field{zap.String("build_id", b.ID), zap.String("project_id", b.ProjectID), zap.Int64("duration", b.Duration)}
	switch b.Status {
	case model.BuildSuccess:
		o.log.Info("✅ Build succeeded", fields...)
	case model.BuildCancelled:
		o.log.Info("🛑 Build cancelled", fields...)
	default:
		o.log.Warn("❌ Build failed", append(fields, zap.String("reason", b.Reason))...)
	}
	o.opts.Metrics.BuildsFinished.WithLabelValues(string(b.Status)).Inc()

	artifactURL := ""
	if b.Status == model.BuildSuccess && o.opts.Artifacts != nil && r.dir != "" {
		b, artifactURL = r.archive(b)
	}

	if o.opts.Release != nil {
		if err := o.opts.Release(r.bg, b); err != nil {
			o.log.Error("❌ Failed to release build slot", zap.String("build_id", b.ID), zap.Error(err))
		}
	}

	r.publish(b)
	if r.settings.WantsNotification(b.Status) {
		o.opts.Sink.Notify(r.bg, message.NewNotification(b, Summary(b), artifactURL, o.now()))
	}
	r.report(b)
	r.releaseWorkspace()
}

func (r *run) archive(b *model.Build) (*model.Build, string) {
	size, err := r.o.opts.Artifacts.Archive(r.bg, b.ID, r.dir)
	if err != nil {
		r.o.log.Warn("⚠️ Failed to archive artifact", zap.String("build_id", b.ID), zap.Error(err))
		return b, ""
	}
	next, err := r.mutate(func(b *model.Build) error {
		b.Artifact = b.ID + ".tar.gz"
		return nil
	})
	if err != nil {
		r.o.log.Warn("⚠️ Failed to record artifact", zap.String("build_id", b.ID), zap.Error(err))
		return b, ""
	}
	r.o.log.Info("📦 Artifact stored", zap.String("build_id", b.ID), zap.Int64("bytes", size))
	return next, strings.TrimRight(r.o.opts.PublicURL, "/") + "/api/builds/" + b.ID + "/artifact"
}

func (r *run) releaseWorkspace() {
	if r.dir == "" || r.o.opts.KeepWorkspaces {
		return
	}
	id := r.build.ID
	r.o.cleanup.Add(1)
	go func() {
		defer r.o.cleanup.Done()
		if err := r.o.opts.Workspaces.Release(id); err != nil {
			r.o.log.Warn("⚠️ Failed to clean up workspace", zap.String("build_id", id), zap.Error(err))
		}
	}()
	r.dir = ""
}
