package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"buildhook/metrics"
	"buildhook/resolver"
	"buildhook/shared/model"
	"buildhook/storage"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type fixture struct {
	store *storage.MemoryStore
	queue *recordingQueue
	m     *metrics.Metrics
	d     *Dispatcher
}

func newFixture(limit int) *fixture {
	f := &fixture{store: storage.NewMemoryStore(), queue: &recordingQueue{}, m: metrics.NewNop()}
	f.d = New(f.store, f.queue, StaticLimits{Default: limit}, f.m, zap.NewNop())
	return f
}

func testMatch() resolver.Match {
	return resolver.Match{
		Project: &model.Project{
			ID: "p1", RepositoryID: "octo/app", RepositoryURL: "https://github.com/octo/app.git",
			Provider: model.ProviderGitHub, DefaultBranch: "main", OwnerID: "acct-1",
		},
		Settings: &model.ProjectSettings{ProjectID: "p1", AutoDeployEnabled: true},
	}
}

func pushTrigger() model.Trigger {
	return model.Trigger{Type: model.TriggerWebhook, EventType: "push", Branch: "main", CommitSHA: "abc123", Author: "octocat"}
}

func TestDispatchCreatesQueuedBuild(t *testing.T) {
	f := newFixture(2)
	ev := &model.WebhookEvent{ID: "ev1"}

	b, err := f.d.Dispatch(context.Background(), ev, testMatch(), pushTrigger())
	require.NoError(t, err)

	got, err := f.store.GetBuild(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildQueued, got.Status)
	assert.Equal(t, "p1", got.ProjectID)
	assert.Equal(t, "acct-1", got.OwnerID)
	assert.Equal(t, "ev1", got.EventID)
	assert.Equal(t, model.TriggerWebhook, got.Trigger.Type)
	assert.Equal(t, "main", got.Trigger.Branch)
	assert.Empty(t, got.BuildType, "type is detected after clone")
	require.Len(t, got.Steps, 5)
	for i, s := range got.Steps {
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, model.Pipeline[i].Name, s.Name)
		assert.Equal(t, model.StepQueued, s.Status)
	}
	assert.Contains(t, got.Steps[1].Command, "https://github.com/octo/app.git")

	assert.Equal(t, []string{b.ID}, f.queue.enqueued())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.BuildsDispatched))
}

func TestDispatchUsesConfiguredBuildType(t *testing.T) {
	f := newFixture(1)
	m := testMatch()
	m.Settings.BuildType = "go"

	b, err := f.d.Dispatch(context.Background(), nil, m, pushTrigger())
	require.NoError(t, err)
	assert.Equal(t, "go", b.BuildType)
	assert.Equal(t, "go test ./...", b.Steps[3].Command)
}

func TestConcurrentDispatchRespectsAccountLimit(t *testing.T) {
	f := newFixture(1)

	var wg sync.WaitGroup
	builds := make([]*model.Build, 2)
	for i := range builds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := f.d.Dispatch(context.Background(), nil, testMatch(), pushTrigger())
			assert.NoError(t, err)
			builds[i] = b
		}(i)
	}
	wg.Wait()

	enqueued := f.queue.enqueued()
	deferred := f.d.Deferred("acct-1")
	require.Len(t, enqueued, 1)
	require.Len(t, deferred, 1)
	assert.NotEqual(t, enqueued[0], deferred[0])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.BuildsDeferred))

	for _, b := range builds {
		got, err := f.store.GetBuild(context.Background(), b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BuildQueued, got.Status)
	}
}

func TestReleasePromotesNextDeferredBuild(t *testing.T) {
	f := newFixture(1)
	ctx := context.Background()

	first, err := f.d.Dispatch(ctx, nil, testMatch(), pushTrigger())
	require.NoError(t, err)
	second, err := f.d.Dispatch(ctx, nil, testMatch(), pushTrigger())
	require.NoError(t, err)
	third, err := f.d.Dispatch(ctx, nil, testMatch(), pushTrigger())
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID, third.ID}, f.d.Deferred("acct-1"))

	require.NoError(t, f.d.Release(ctx, first))
	assert.Equal(t, []string{first.ID, second.ID}, f.queue.enqueued())
	assert.Equal(t, []string{third.ID}, f.d.Deferred("acct-1"))

	// releasing again must not free a second slot
	require.NoError(t, f.d.Release(ctx, first))
	assert.Len(t, f.queue.enqueued(), 2)
	assert.Equal(t, []string{third.ID}, f.d.Deferred("acct-1"))
}

func TestReleaseSkipsDeferredBuildsNoLongerQueued(t *testing.T) {
	f := newFixture(1)
	ctx := context.Background()

	first, err := f.d.Dispatch(ctx, nil, testMatch(), pushTrigger())
	require.NoError(t, err)
	second, err := f.d.Dispatch(ctx, nil, testMatch(), pushTrigger())
	require.NoError(t, err)
	third, err := f.d.Dispatch(ctx, nil, testMatch(), pushTrigger())
	require.NoError(t, err)

	_, err = storage.MutateBuild(ctx, f.store, second.ID, func(b *model.Build) error {
		return b.Cancel("cancelled by user", time.Now())
	})
	require.NoError(t, err)

	require.NoError(t, f.d.Release(ctx, first))
	assert.Equal(t, []string{first.ID, third.ID}, f.queue.enqueued())
	assert.Empty(t, f.d.Deferred("acct-1"))
}

func (q *recordingQueue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func TestEnqueueFailureDefersBuild(t *testing.T) {
	f := newFixture(1)
	ctx := context.Background()
	f.queue.fail(ErrQueueFull)

	b, err := f.d.Dispatch(ctx, nil, testMatch(), pushTrigger())
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, f.d.Deferred("acct-1"))
	assert.Empty(t, f.queue.enqueued())

	// nothing runs for the account, so only Promote can start it
	f.d.Promote(ctx)
	assert.Equal(t, []string{b.ID}, f.d.Deferred("acct-1"))

	f.queue.fail(nil)
	f.d.Promote(ctx)
	assert.Equal(t, []string{b.ID}, f.queue.enqueued())
	assert.Empty(t, f.d.Deferred("acct-1"))

	got, err := f.store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildQueued, got.Status)
}

func TestEnqueueFailureIsRetriedOnRelease(t *testing.T) {
	f := newFixture(2)
	ctx := context.Background()

	first, err := f.d.Dispatch(ctx, nil, testMatch(), pushTrigger())
	require.NoError(t, err)
	f.queue.fail(ErrQueueFull)
	second, err := f.d.Dispatch(ctx, nil, testMatch(), pushTrigger())
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, f.d.Deferred("acct-1"))

	f.queue.fail(nil)
	require.NoError(t, f.d.Release(ctx, first))
	assert.Equal(t, []string{first.ID, second.ID}, f.queue.enqueued())
	assert.Empty(t, f.d.Deferred("acct-1"))
}

func TestRunPromotesPeriodically(t *testing.T) {
	f := newFixture(1)
	f.queue.fail(ErrQueueFull)
	b, err := f.d.Dispatch(context.Background(), nil, testMatch(), pushTrigger())
	require.NoError(t, err)
	f.queue.fail(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.d.Run(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		q := f.queue.enqueued()
		return len(q) == 1 && q[0] == b.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResumeSchedulesQueuedBuildsOldestFirst(t *testing.T) {
	f := newFixture(5)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, f.store.CreateBuild(ctx, &model.Build{
			ID: id, OwnerID: "acct-1", Status: model.BuildQueued, QueuedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, f.store.CreateBuild(ctx, &model.Build{ID: "done", OwnerID: "acct-1", Status: model.BuildSuccess, QueuedAt: base}))

	n, err := f.d.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"b1", "b2", "b3"}, f.queue.enqueued())
}

func TestStaticLimits(t *testing.T) {
	l := StaticLimits{Default: 2, Accounts: map[string]int{"pro": 10, "broken": 0}}
	assert.Equal(t, 10, l.ConcurrentBuilds("pro"))
	assert.Equal(t, 2, l.ConcurrentBuilds("free"))
	assert.Equal(t, 2, l.ConcurrentBuilds("broken"))
	assert.Equal(t, 1, StaticLimits{}.ConcurrentBuilds("x"))
}
