// Package storage persists webhook events, the project registry, builds and
// the per-account running-slot counters.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"buildhook/shared/model"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrConflict          = errors.New("storage: version conflict")
	ErrAlreadyProcessed  = errors.New("storage: event already processed")
	ErrDuplicateDelivery = errors.New("storage: duplicate delivery")
	ErrExists            = errors.New("storage: already exists")
)

type EventStore interface {
	// CreateEvent fails with ErrDuplicateDelivery when an event with the
	// same provider and delivery id exists.
	CreateEvent(ctx context.Context, e *model.WebhookEvent) error
	GetEvent(ctx context.Context, id string) (*model.WebhookEvent, error)
	FindEventByDelivery(ctx context.Context, provider model.Provider, deliveryID string) (*model.WebhookEvent, error)
	// MarkEventProcessed flips processed exactly once; a second call fails
	// with ErrAlreadyProcessed.
	MarkEventProcessed(ctx context.Context, id string, out model.EventOutcome, at time.Time) error
	// ListUnprocessedEvents returns pending events, oldest first.
	ListUnprocessedEvents(ctx context.Context) ([]*model.WebhookEvent, error)
}

type ProjectStore interface {
	SaveProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjectsByRepository(ctx context.Context, provider model.Provider, repositoryID string) ([]*model.Project, error)
	SaveSettings(ctx context.Context, s *model.ProjectSettings) error
	GetSettings(ctx context.Context, projectID string) (*model.ProjectSettings, error)
}

type BuildFilter struct {
	ProjectID string
	Status    model.BuildStatus
	Limit     int
}

func (f BuildFilter) match(b *model.Build) bool {
	if f.ProjectID != "" && b.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	return true
}

type BuildStore interface {
	// CreateBuild stores b with version 1.
	CreateBuild(ctx context.Context, b *model.Build) error
	GetBuild(ctx context.Context, id string) (*model.Build, error)
	// UpdateBuild replaces the stored record if its version still equals
	// b.Version, then increments b.Version. Otherwise ErrConflict.
	UpdateBuild(ctx context.Context, b *model.Build) error
	// ListBuilds returns matching builds, newest first.
	ListBuilds(ctx context.Context, f BuildFilter) ([]*model.Build, error)
}

// SlotStore counts running builds per account.
type SlotStore interface {
	// AcquireSlot atomically takes a slot for buildID if fewer than limit are
	// held by the account. Acquiring twice for the same build is a no-op.
	AcquireSlot(ctx context.Context, accountID, buildID string, limit int) (bool, error)
	// ReleaseSlot is idempotent per build.
	ReleaseSlot(ctx context.Context, accountID, buildID string) error
}

type Store interface {
	EventStore
	ProjectStore
	BuildStore
	SlotStore
	Close() error
}

// MutateBuild loads a build, applies fn and writes it back, retrying with
// backoff when another writer got there first. Errors from fn are returned
// unchanged and nothing is written.
func MutateBuild(ctx context.Context, s BuildStore, id string, fn func(*model.Build) error) (*model.Build, error) {
	var out *model.Build
	op := func() error {
		b, err := s.GetBuild(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(b); err != nil {
			return backoff.Permanent(err)
		}
		if err := s.UpdateBuild(ctx, b); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = b
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 250 * time.Millisecond
	eb.MaxElapsedTime = 0

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, 25), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}
