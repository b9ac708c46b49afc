// Package dispatcher creates builds and decides when they may start.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"buildhook/builder"
	"buildhook/metrics"
	"buildhook/resolver"
	"buildhook/shared/model"
	"buildhook/storage"
)

// Limits reports how many builds an account may run at once.
type Limits interface {
	ConcurrentBuilds(accountID string) int
}

type StaticLimits struct {
	Default  int
	Accounts map[string]int
}

func (l StaticLimits) ConcurrentBuilds(accountID string) int {
	if n, ok := l.Accounts[accountID]; ok && n > 0 {
		return n
	}
	if l.Default > 0 {
		return l.Default
	}
	return 1
}

type Store interface {
	storage.BuildStore
	storage.SlotStore
}

// Dispatcher takes a running slot for a build at creation time. Builds that
// do not get one wait in a per-account FIFO until Release frees a slot.
type Dispatcher struct {
	store   Store
	queue   Queue
	limits  Limits
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	deferred map[string][]string
}

// New creates a new Dispatcher
func New(store Store, queue Queue, limits Limits, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		queue:    queue,
		limits:   limits,
		metrics:  m,
		log:      log,
		now:      time.Now,
		deferred: make(map[string][]string),
	}
}

// Dispatch creates a queued build for match and schedules it. The build is
// returned even when it had to be deferred.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *model.WebhookEvent, match resolver.Match, trigger model.Trigger) (*model.Build, error) {
	p, s := match.Project, match.Settings

	bt, explicit := builder.ParseBuildType(s.BuildType)
	if s.BuildType != "" && !explicit {
		d.log.Warn("⚠️ Unknown build type, falling back to detection",
			zap.String("project_id", p.ID), zap.String("build_type", s.BuildType))
	}

	b := &model.Build{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		OwnerID:   p.OwnerID,
		Status:    model.BuildQueued,
		Trigger:   trigger,
		QueuedAt:  d.now(),
	}
	if ev != nil {
		b.EventID = ev.ID
	}
	if explicit {
		b.BuildType = bt.String()
	}

	b.Steps = builder.Plan(bt, "", builder.Source{
		URL:       p.RepositoryURL,
		Branch:    trigger.Branch,
		CommitSHA: trigger.CommitSHA,
	})
	for i := range b.Steps {
		b.Steps[i].ID = uuid.New().String()
	}

	if err := d.store.CreateBuild(ctx, b); err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	d.log.Info("🔄 Build created",
		zap.String("build_id", b.ID), zap.String("project_id", p.ID), zap.String("branch", trigger.Branch))

	d.schedule(ctx, b)
	return b, nil
}

// schedule enqueues b if its account has a free slot and defers it
// otherwise. A build that could not be enqueued is deferred as well, so
// Release or Promote retries it later.
func (d *Dispatcher) schedule(ctx context.Context, b *model.Build) bool {
	ok, err := d.start(ctx, b.OwnerID, b.ID)
	if ok {
		return true
	}
	d.pushBack(b.OwnerID, b.ID)
	d.metrics.BuildsDeferred.Inc()
	if err != nil {
		d.log.Warn("⚠️ Build deferred, could not be queued",
			zap.String("build_id", b.ID), zap.String("account", b.OwnerID), zap.Error(err))
	} else {
		d.log.Info("⏸️ Build deferred by concurrency limit",
			zap.String("build_id", b.ID), zap.String("account", b.OwnerID))
	}
	return false
}

func (d *Dispatcher) start(ctx context.Context, account, buildID string) (bool, error) {
	ok, err := d.store.AcquireSlot(ctx, account, buildID, d.limits.ConcurrentBuilds(account))
	if err != nil || !ok {
		return false, err
	}
	if err := d.queue.Enqueue(ctx, buildID); err != nil {
		if rerr := d.store.ReleaseSlot(ctx, account, buildID); rerr != nil {
			d.log.Error("❌ Failed to release slot", zap.String("build_id", buildID), zap.Error(rerr))
		}
		return false, err
	}
	d.metrics.BuildsDispatched.Inc()
	d.log.Info("✅ Build queued", zap.String("build_id", buildID), zap.String("account", account))
	return true, nil
}

// Release frees the build's slot and starts the account's next deferred
// build. Calling it twice for a build is harmless.
func (d *Dispatcher) Release(ctx context.Context, b *model.Build) error {
	if err := d.store.ReleaseSlot(ctx, b.OwnerID, b.ID); err != nil {
		return fmt.Errorf("release slot for %s: %w", b.ID, err)
	}
	d.promote(ctx, b.OwnerID)
	return nil
}

// Promote starts deferred builds of every account while slots are free.
func (d *Dispatcher) Promote(ctx context.Context) {
	for _, account := range d.accounts() {
		for d.promote(ctx, account) {
		}
	}
}

// Run calls Promote every interval until ctx is done. It picks up builds
// whose enqueue failed while no other build of the account was running.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Promote(ctx)
		}
	}
}

// promote starts the account's oldest deferred build that is still queued
// and reports whether one was started.
func (d *Dispatcher) promote(ctx context.Context, account string) bool {
	for {
		id, ok := d.popFront(account)
		if !ok {
			return false
		}

		b, err := d.store.GetBuild(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				d.log.Error("❌ Failed to load deferred build", zap.String("build_id", id), zap.Error(err))
				d.pushFront(account, id)
				return false
			}
			continue
		}
		if b.Status != model.BuildQueued {
			continue
		}

		started, err := d.start(ctx, account, id)
		if err != nil {
			d.log.Error("❌ Failed to start deferred build", zap.String("build_id", id), zap.Error(err))
		}
		if !started {
			d.pushFront(account, id)
		}
		return started
	}
}

// Resume schedules every queued build, oldest first. It runs at startup;
// slots taken before a restart are reused because acquiring is idempotent.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	queued, err := d.store.ListBuilds(ctx, storage.BuildFilter{Status: model.BuildQueued})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := len(queued) - 1; i >= 0; i-- {
		b := queued[i]
		if d.isDeferred(b.OwnerID, b.ID) {
			continue
		}
		if d.schedule(ctx, b) {
			n++
		}
	}
	return n, nil
}

// Deferred lists the account's waiting builds in start order.
func (d *Dispatcher) Deferred(account string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.deferred[account]...)
}

func (d *Dispatcher) accounts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	accounts := make([]string, 0, len(d.deferred))
	for a := range d.deferred {
		accounts = append(accounts, a)
	}
	return accounts
}

func (d *Dispatcher) isDeferred(account, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, x := range d.deferred[account] {
		if x == id {
			return true
		}
	}
	return false
}

func (d *Dispatcher) pushBack(account, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deferred[account] = append(d.deferred[account], id)
}

func (d *Dispatcher) pushFront(account, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deferred[account] = append([]string{id}, d.deferred[account]...)
}

func (d *Dispatcher) popFront(account string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.deferred[account]
	if len(q) == 0 {
		return "", false
	}
	id := q[0]
	if len(q) == 1 {
		delete(d.deferred, account)
	} else {
		d.deferred[account] = q[1:]
	}
	return id, true
}
