package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"buildhook/shared/model"
)

// MemoryStore keeps everything in process. Values are copied on the way in
// and out so callers never alias stored records.
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[string]*model.WebhookEvent
	deliveries map[string]string
	projects   map[string]*model.Project
	settings   map[string]*model.ProjectSettings
	builds     map[string]*model.Build
	slots      map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[string]*model.WebhookEvent),
		deliveries: make(map[string]string),
		projects:   make(map[string]*model.Project),
		settings:   make(map[string]*model.ProjectSettings),
		builds:     make(map[string]*model.Build),
		slots:      make(map[string]map[string]struct{}),
	}
}

func deliveryIndex(p model.Provider, id string) string { return string(p) + ":" + id }

func (m *MemoryStore) CreateEvent(_ context.Context, e *model.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[e.ID]; ok {
		return ErrExists
	}
	if e.DeliveryID != "" {
		key := deliveryIndex(e.Provider, e.DeliveryID)
		if _, ok := m.deliveries[key]; ok {
			return ErrDuplicateDelivery
		}
		m.deliveries[key] = e.ID
	}
	m.events[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*model.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) FindEventByDelivery(ctx context.Context, provider model.Provider, deliveryID string) (*model.WebhookEvent, error) {
	m.mu.RLock()
	id, ok := m.deliveries[deliveryIndex(provider, deliveryID)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetEvent(ctx, id)
}

func (m *MemoryStore) MarkEventProcessed(_ context.Context, id string, out model.EventOutcome, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.Processed {
		return ErrAlreadyProcessed
	}
	e.Processed = true
	e.ProjectID = out.ProjectID
	e.BuildIDs = append([]string(nil), out.BuildIDs...)
	e.Error = out.Error
	e.ProcessedAt = &at
	return nil
}

func (m *MemoryStore) ListUnprocessedEvents(_ context.Context) ([]*model.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.WebhookEvent
	for _, e := range m.events {
		if !e.Processed {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *MemoryStore) SaveProject(_ context.Context, p *model.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.projects[p.ID] = &c
	return nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (*model.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) ListProjectsByRepository(_ context.Context, provider model.Provider, repositoryID string) ([]*model.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Project
	for _, p := range m.projects {
		if p.Provider == provider && p.RepositoryID == repositoryID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, s *model.ProjectSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.settings[s.ProjectID] = &c
	return nil
}

func (m *MemoryStore) GetSettings(_ context.Context, projectID string) (*model.ProjectSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) CreateBuild(_ context.Context, b *model.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[b.ID]; ok {
		return ErrExists
	}
	b.Version = 1
	m.builds[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) GetBuild(_ context.Context, id string) (*model.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.builds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) UpdateBuild(_ context.Context, b *model.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.builds[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != b.Version {
		return ErrConflict
	}
	b.Version++
	m.builds[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) ListBuilds(_ context.Context, f BuildFilter) ([]*model.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Build
	for _, b := range m.builds {
		if f.match(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.After(out[j].QueuedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AcquireSlot(_ context.Context, accountID, buildID string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.slots[accountID]
	if held == nil {
		held = make(map[string]struct{})
		m.slots[accountID] = held
	}
	if _, ok := held[buildID]; ok {
		return true, nil
	}
	if len(held) >= limit {
		return false, nil
	}
	held[buildID] = struct{}{}
	return true, nil
}

func (m *MemoryStore) ReleaseSlot(_ context.Context, accountID, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots[accountID], buildID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
