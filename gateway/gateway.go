// Package gateway accepts webhook deliveries from source hosts, records
// them and turns them into builds.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"buildhook/metrics"
	"buildhook/resolver"
	"buildhook/shared/apperr"
	"buildhook/shared/model"
	"buildhook/storage"
)

// Receipt statuses.
const (
	StatusAccepted  = "accepted"
	StatusIgnored   = "ignored"
	StatusNoMatch   = "no_match"
	StatusDuplicate = "duplicate"
	StatusProcessed = "processed"
)

type Delivery struct {
	Provider model.Provider
	// ProjectID names the project whose secret signs the delivery. Optional.
	ProjectID string
	Header    http.Header
	Body      []byte
}

type Receipt struct {
	EventID string          `json:"event_id"`
	Kind    model.EventKind `json:"kind"`
	Status  string          `json:"status"`
	Builds  []string        `json:"builds,omitempty"`
}

type Store interface {
	storage.EventStore
	storage.ProjectStore
}

type Resolver interface {
	Resolve(ctx context.Context, q resolver.Query) (*resolver.Result, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev *model.WebhookEvent, match resolver.Match, trigger model.Trigger) (*model.Build, error)
}

type Gateway struct {
	store      Store
	resolver   Resolver
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
}

// New creates a new Gateway
func New(store Store, r Resolver, d Dispatcher, m *metrics.Metrics, log *zap.Logger) *Gateway {
	return &Gateway{
		store:      store,
		resolver:   r,
		dispatcher: d,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

// Receive authenticates, records and processes one delivery. Nothing is
// persisted unless the delivery is well formed and, when a project secret
// applies, correctly signed.
func (g *Gateway) Receive(ctx context.Context, d Delivery) (*Receipt, error) {
	const op = "receive webhook"

	desc, ok := providers[d.Provider]
	if !ok {
		return nil, apperr.Errorf(apperr.Validation, op, "unknown provider %q", d.Provider)
	}

	secret, err := g.projectSecret(ctx, d.Provider, d.ProjectID)
	if err != nil {
		return nil, err
	}

	eventType := d.Header.Get(desc.eventHeader)
	if eventType == "" {
		return nil, apperr.Errorf(apperr.Validation, op, "missing %s header", desc.eventHeader)
	}

	if secret != "" {
		if err := desc.verify(d.Header, d.Body, secret); err != nil {
			return nil, apperr.E(apperr.Authentication, op, err)
		}
	}

	verifiedFor := ""
	if secret != "" {
		verifiedFor = d.ProjectID
	}

	kind := desc.classify(eventType)
	if kind == model.EventPush || kind == model.EventPullRequest {
		p, err := desc.parse(eventType, kind, d.Body)
		if err == nil {
			err = p.validate()
		}
		if err != nil {
			return nil, apperr.E(apperr.Validation, op, err)
		}
		if d.ProjectID == "" {
			if verifiedFor, err = g.signedBy(ctx, desc, d, p.RepositoryID); err != nil {
				return nil, err
			}
		}
	}

	deliveryID := d.Header.Get(desc.deliveryHeader)
	if deliveryID != "" {
		if r, err := g.resume(ctx, d.Provider, deliveryID); r != nil || err != nil {
			return r, err
		}
	}

	ev := &model.WebhookEvent{
		ID:         uuid.New().String(),
		Provider:   d.Provider,
		DeliveryID: deliveryID,
		EventType:  eventType,
		Kind:       kind,
		Payload:    d.Body,
		ReceivedAt: g.now(),
	}
	ev.VerifiedFor = verifiedFor
	if err := g.store.CreateEvent(ctx, ev); err != nil {
		if errors.Is(err, storage.ErrDuplicateDelivery) {
			// lost a race with a concurrent retry of the same delivery
			if r, err := g.resume(ctx, d.Provider, deliveryID); r != nil || err != nil {
				return r, err
			}
		}
		return nil, apperr.E(apperr.Internal, op, err)
	}
	g.log.Info("📥 Webhook received",
		zap.String("event_id", ev.ID), zap.String("provider", string(d.Provider)), zap.String("event_type", eventType))

	return g.process(ctx, ev)
}

func (g *Gateway) projectSecret(ctx context.Context, provider model.Provider, projectID string) (string, error) {
	const op = "receive webhook"
	if projectID == "" {
		return "", nil
	}
	p, err := g.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", apperr.Errorf(apperr.NotFound, op, "project %s not found", projectID)
		}
		return "", apperr.E(apperr.Internal, op, err)
	}
	if p.Provider != provider {
		return "", apperr.Errorf(apperr.NotFound, op, "project %s not found for %s", projectID, provider)
	}
	s, err := g.store.GetSettings(ctx, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", apperr.E(apperr.Internal, op, err)
	}
	return s.WebhookSecret, nil
}

// signedBy authenticates a delivery that names no project against the
// secrets of every project backed by the repository. It returns the project
// whose secret produced the signature, or "" when no candidate has a secret.
func (g *Gateway) signedBy(ctx context.Context, desc provider, d Delivery, repositoryID string) (string, error) {
	const op = "receive webhook"
	candidates, err := g.store.ListProjectsByRepository(ctx, d.Provider, repositoryID)
	if err != nil {
		return "", apperr.E(apperr.Internal, op, err)
	}

	protected := false
	for _, p := range candidates {
		s, err := g.store.GetSettings(ctx, p.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return "", apperr.E(apperr.Internal, op, err)
		}
		if s.WebhookSecret == "" {
			continue
		}
		protected = true
		if desc.verify(d.Header, d.Body, s.WebhookSecret) == nil {
			return p.ID, nil
		}
	}
	if protected {
		return "", apperr.Errorf(apperr.Authentication, op, "delivery for %s is not signed by any of its projects", repositoryID)
	}
	return "", nil
}

// resume handles a delivery id seen before: processed events are
// acknowledged as duplicates, unprocessed ones are processed now.
func (g *Gateway) resume(ctx context.Context, provider model.Provider, deliveryID string) (*Receipt, error) {
	ev, err := g.store.FindEventByDelivery(ctx, provider, deliveryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, apperr.E(apperr.Internal, "receive webhook", err)
	}
	if ev.Processed {
		g.log.Info("🔁 Duplicate delivery", zap.String("event_id", ev.ID), zap.String("delivery_id", deliveryID))
		return &Receipt{EventID: ev.ID, Kind: ev.Kind, Status: StatusDuplicate, Builds: ev.BuildIDs}, nil
	}
	return g.process(ctx, ev)
}

// Replay processes every event that was recorded but never finished, oldest
// first.
func (g *Gateway) Replay(ctx context.Context) (int, error) {
	events, err := g.store.ListUnprocessedEvents(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if _, err := g.process(ctx, ev); err != nil {
			g.log.Error("❌ Failed to replay event", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		g.log.Info("🔁 Replayed webhook events", zap.Int("count", n))
	}
	return n, nil
}

func (g *Gateway) process(ctx context.Context, ev *model.WebhookEvent) (*Receipt, error) {
	const op = "process webhook"
	r := &Receipt{EventID: ev.ID, Kind: ev.Kind, Status: StatusIgnored}

	if ev.Kind != model.EventPush && ev.Kind != model.EventPullRequest {
		return g.finish(ctx, ev, r, model.EventOutcome{})
	}

	desc := providers[ev.Provider]
	p, err := desc.parse(ev.EventType, ev.Kind, ev.Payload)
	if err == nil {
		err = p.validate()
	}
	if err != nil {
		return g.finish(ctx, ev, r, model.EventOutcome{Error: err.Error()})
	}
	if p.Skip != "" {
		g.log.Info("⏭️ Delivery does not build", zap.String("event_id", ev.ID), zap.String("reason", p.Skip))
		return g.finish(ctx, ev, r, model.EventOutcome{})
	}

	secret, err := g.verifiedSecret(ctx, ev)
	if err != nil {
		return nil, apperr.E(apperr.Internal, op, err)
	}
	res, err := g.resolver.Resolve(ctx, resolver.Query{
		Provider:       ev.Provider,
		RepositoryID:   p.RepositoryID,
		Kind:           ev.Kind,
		Branch:         p.Branch,
		VerifiedSecret: secret,
	})
	if err != nil {
		return nil, apperr.E(apperr.Internal, op, err)
	}

	var out model.EventOutcome
	switch {
	case len(res.Matches) > 0:
		out.ProjectID = res.Matches[0].Project.ID
	case len(res.Candidates) > 0:
		out.ProjectID = res.Candidates[0].ID
	}
	if len(res.Matches) == 0 {
		r.Status = StatusNoMatch
		g.log.Info("🔍 No project builds this delivery",
			zap.String("event_id", ev.ID), zap.String("repository", p.RepositoryID), zap.String("branch", p.Branch))
		return g.finish(ctx, ev, r, out)
	}

	trigger := p.Trigger(ev.EventType)
	var errs []string
	for _, m := range res.Matches {
		b, err := g.dispatcher.Dispatch(ctx, ev, m, trigger)
		if b != nil {
			out.BuildIDs = append(out.BuildIDs, b.ID)
		}
		if err != nil {
			g.log.Error("❌ Failed to dispatch build",
				zap.String("event_id", ev.ID), zap.String("project_id", m.Project.ID), zap.Error(err))
			errs = append(errs, fmt.Sprintf("%s: %v", m.Project.ID, err))
		}
	}
	if len(out.BuildIDs) == 0 {
		// nothing was created, leave the event for Replay
		return nil, apperr.Errorf(apperr.Internal, op, "dispatch failed: %s", strings.Join(errs, "; "))
	}
	out.Error = strings.Join(errs, "; ")

	r.Status = StatusAccepted
	return g.finish(ctx, ev, r, out)
}

func (g *Gateway) verifiedSecret(ctx context.Context, ev *model.WebhookEvent) (string, error) {
	if ev.VerifiedFor == "" {
		return "", nil
	}
	s, err := g.store.GetSettings(ctx, ev.VerifiedFor)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return s.WebhookSecret, nil
}

func (g *Gateway) finish(ctx context.Context, ev *model.WebhookEvent, r *Receipt, out model.EventOutcome) (*Receipt, error) {
	if err := g.store.MarkEventProcessed(ctx, ev.ID, out, g.now()); err != nil {
		if errors.Is(err, storage.ErrAlreadyProcessed) {
			r.Status = StatusDuplicate
			return r, nil
		}
		return nil, apperr.E(apperr.Internal, "mark event processed", err)
	}
	r.Builds = out.BuildIDs
	if r.Status == StatusAccepted {
		g.log.Info("✅ Webhook accepted", zap.String("event_id", ev.ID), zap.Strings("builds", out.BuildIDs))
	}
	return r, nil
}
