package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"buildhook/shared/model"
)

const (
	unprocessedKey  = "events:unprocessed"
	buildsByDateKey = "builds:by_date"
)

func eventKey(id string) string { return "event:" + id }
func deliveryKey(p model.Provider, id string) string {
	return fmt.Sprintf("event:delivery:%s:%s", p, id)
}
func projectKey(id string) string  { return "project:" + id }
func settingsKey(id string) string { return "settings:" + id }
func repoIndexKey(p model.Provider, repo string) string {
	return fmt.Sprintf("projects:repo:%s:%s", p, repo)
}
func buildKey(id string) string                 { return "build:" + id }
func projectBuildsKey(id string) string         { return "builds:project:" + id }
func buildStatusKey(s model.BuildStatus) string { return "builds:status:" + string(s) }
func slotsKey(accountID string) string          { return "slots:" + accountID }

// KEYS: event, delivery, unprocessed. ARGV: id, json, delivery id, score.
var createEventScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return -1 end
if ARGV[3] ~= '' then
  if redis.call('SETNX', KEYS[2], ARGV[1]) == 0 then return 0 end
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// KEYS: slots set. ARGV: build id, limit.
var acquireSlotScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then return 1 end
if redis.call('SCARD', KEYS[1]) < tonumber(ARGV[2]) then
  redis.call('SADD', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// RedisStore keeps records as JSON strings with sorted-set indexes.
// Build updates use WATCH/MULTI so concurrent writers cannot lose updates.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Close() error { return r.rdb.Close() }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) getJSON(ctx context.Context, c getter, key string, v any) error {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (r *RedisStore) CreateEvent(ctx context.Context, e *model.WebhookEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	dk := deliveryKey(e.Provider, e.DeliveryID)
	res, err := createEventScript.Run(ctx, r.rdb,
		[]string{eventKey(e.ID), dk, unprocessedKey},
		e.ID, data, e.DeliveryID, e.ReceivedAt.UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrExists
	case 0:
		return ErrDuplicateDelivery
	}
	return nil
}

func (r *RedisStore) GetEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	if err := r.getJSON(ctx, r.rdb, eventKey(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *RedisStore) FindEventByDelivery(ctx context.Context, provider model.Provider, deliveryID string) (*model.WebhookEvent, error) {
	id, err := r.rdb.Get(ctx, deliveryKey(provider, deliveryID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetEvent(ctx, id)
}

func (r *RedisStore) MarkEventProcessed(ctx context.Context, id string, out model.EventOutcome, at time.Time) error {
	key := eventKey(id)
	txf := func(tx *redis.Tx) error {
		var e model.WebhookEvent
		if err := r.getJSON(ctx, tx, key, &e); err != nil {
			return err
		}
		if e.Processed {
			return ErrAlreadyProcessed
		}
		e.Processed = true
		e.ProjectID = out.ProjectID
		e.BuildIDs = out.BuildIDs
		e.Error = out.Error
		e.ProcessedAt = &at

		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZRem(ctx, unprocessedKey, id)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := r.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrConflict
}

func (r *RedisStore) ListUnprocessedEvents(ctx context.Context) ([]*model.WebhookEvent, error) {
	ids, err := r.rdb.ZRange(ctx, unprocessedKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.WebhookEvent, 0, len(ids))
	for _, id := range ids {
		e, err := r.GetEvent(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisStore) SaveProject(ctx context.Context, p *model.Project) error {
	key := projectKey(p.ID)
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var old model.Project
		err := r.getJSON(ctx, tx, key, &old)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		existed := err == nil

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if existed && (old.Provider != p.Provider || old.RepositoryID != p.RepositoryID) {
				pipe.SRem(ctx, repoIndexKey(old.Provider, old.RepositoryID), p.ID)
			}
			pipe.SAdd(ctx, repoIndexKey(p.Provider, p.RepositoryID), p.ID)
			return nil
		})
		return err
	}, key)
}

func (r *RedisStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	if err := r.getJSON(ctx, r.rdb, projectKey(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *RedisStore) ListProjectsByRepository(ctx context.Context, provider model.Provider, repositoryID string) ([]*model.Project, error) {
	ids, err := r.rdb.SMembers(ctx, repoIndexKey(provider, repositoryID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*model.Project, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetProject(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisStore) SaveSettings(ctx context.Context, s *model.ProjectSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, settingsKey(s.ProjectID), data, 0).Err()
}

func (r *RedisStore) GetSettings(ctx context.Context, projectID string) (*model.ProjectSettings, error) {
	var s model.ProjectSettings
	if err := r.getJSON(ctx, r.rdb, settingsKey(projectID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisStore) CreateBuild(ctx context.Context, b *model.Build) error {
	key := buildKey(b.ID)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}

		b.Version = 1
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		score := float64(b.QueuedAt.UnixMilli())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, buildsByDateKey, &redis.Z{Score: score, Member: b.ID})
			pipe.ZAdd(ctx, projectBuildsKey(b.ProjectID), &redis.Z{Score: score, Member: b.ID})
			pipe.ZAdd(ctx, buildStatusKey(b.Status), &redis.Z{Score: score, Member: b.ID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrExists
	}
	return err
}

func (r *RedisStore) GetBuild(ctx context.Context, id string) (*model.Build, error) {
	var b model.Build
	if err := r.getJSON(ctx, r.rdb, buildKey(id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *RedisStore) UpdateBuild(ctx context.Context, b *model.Build) error {
	key := buildKey(b.ID)
	next := b.Clone()
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var cur model.Build
		if err := r.getJSON(ctx, tx, key, &cur); err != nil {
			return err
		}
		if cur.Version != b.Version {
			return ErrConflict
		}

		next.Version = cur.Version + 1
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if cur.Status != next.Status {
				pipe.ZRem(ctx, buildStatusKey(cur.Status), b.ID)
				pipe.ZAdd(ctx, buildStatusKey(next.Status), &redis.Z{
					Score:  float64(next.QueuedAt.UnixMilli()),
					Member: b.ID,
				})
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	b.Version = next.Version
	return nil
}

func (r *RedisStore) ListBuilds(ctx context.Context, f BuildFilter) ([]*model.Build, error) {
	index := buildsByDateKey
	switch {
	case f.ProjectID != "":
		index = projectBuildsKey(f.ProjectID)
	case f.Status != "":
		index = buildStatusKey(f.Status)
	}

	ids, err := r.rdb.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Build, 0)
	for _, id := range ids {
		b, err := r.GetBuild(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !f.match(b) {
			continue
		}
		out = append(out, b)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (r *RedisStore) AcquireSlot(ctx context.Context, accountID, buildID string, limit int) (bool, error) {
	n, err := acquireSlotScript.Run(ctx, r.rdb, []string{slotsKey(accountID)}, buildID, limit).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) ReleaseSlot(ctx context.Context, accountID, buildID string) error {
	return r.rdb.SRem(ctx, slotsKey(accountID), buildID).Err()
}
