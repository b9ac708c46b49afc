package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"buildhook/shared/apperr"
	"buildhook/shared/model"
	"buildhook/storage"
)

// Cancel stops a queued or running build. A build running in this process is
// interrupted through its context and Cancel waits until it is finalised;
// any other build is rewritten in the store. Finished builds are a conflict.
func (o *Orchestrator) Cancel(ctx context.Context, buildID string) (*model.Build, error) {
	const op = "cancel build"

	if a := o.lookup(buildID); a != nil {
		a.cancel(ErrBuildCancelled)
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		b, err := o.opts.Store.GetBuild(ctx, buildID)
		if err != nil {
			return nil, err
		}
		if b.Status != model.BuildCancelled {
			return b, apperr.Errorf(apperr.Conflict, op, "build %s is already %s", buildID, b.Status)
		}
		return b, nil
	}

	b, err := storage.MutateBuild(ctx, o.opts.Store, buildID, func(b *model.Build) error {
		if b.Status.Terminal() {
			return apperr.Errorf(apperr.Conflict, op, "build %s is already %s", buildID, b.Status)
		}
		return b.Cancel(CancelReason, o.now())
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.E(apperr.NotFound, op, err)
		}
		return nil, err
	}
	// Run may have picked the build up after the lookup; it finds the build
	// cancelled on its next write and stops there.
	if a := o.lookup(buildID); a != nil {
		a.cancel(ErrBuildCancelled)
	}
	o.newRun(ctx, b).finalize(b)
	return b, nil
}

// Recover fails builds a previous process left running and frees their
// slots. It returns how many builds it closed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	running, err := o.opts.Store.ListBuilds(ctx, storage.BuildFilter{Status: model.BuildRunning})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, b := range running {
		id := b.ID
		if o.Active(id) {
			continue
		}
		b, err := storage.MutateBuild(ctx, o.opts.Store, id, func(b *model.Build) error {
			if b.Status != model.BuildRunning {
				return model.ErrInvalidTransition
			}
			now := o.now()
			if i := b.RunningStep(); i >= 0 {
				if err := b.FailStep(i, "interrupted", now); err != nil {
					return err
				}
			}
			b.SkipRemaining("Skipped: build interrupted")
			return b.Finish(model.BuildFailed, RecoverReason, now)
		})
		if err != nil {
			if !errors.Is(err, model.ErrInvalidTransition) {
				o.log.Error("❌ Failed to recover build", zap.String("build_id", id), zap.Error(err))
			}
			continue
		}

		r := o.newRun(ctx, b)
		if dir, err := o.opts.Workspaces.Path(id); err == nil {
			r.dir = dir
		}
		r.finalize(b)
		n++
	}
	if n > 0 {
		o.log.Warn("🩹 Recovered interrupted builds", zap.Int("count", n))
	}
	return n, nil
}
