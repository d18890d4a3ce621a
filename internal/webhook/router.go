package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"repocapture/internal/metrics"
	"repocapture/internal/models"
	"repocapture/internal/repository"
)

// ErrUntrackedRepository is returned for deliveries about repositories we do not capture.
var ErrUntrackedRepository = errors.New("repository is not tracked")

// fastActions lists the event/action pairs that go through the fast lane.
var fastActions = map[string]map[string]bool{
	"pull_request":        {"opened": true, "closed": true, "reopened": true},
	"pull_request_review": {"submitted": true, "dismissed": true},
	"issues":              {"opened": true, "closed": true},
}

// Route assigns a lane. Everything not listed as high priority is batched.
func Route(ev *Event) models.Lane {
	if fastActions[ev.EventType][ev.Action] {
		return models.LaneFast
	}
	return models.LaneBatched
}

// IdempotencyKey derives the delivery ledger key from the entity, event type and delivery id.
func IdempotencyKey(entityKey, eventType, deliveryID string) string {
	sum := sha256.Sum256([]byte(entityKey + "|" + eventType + "|" + deliveryID))
	return hex.EncodeToString(sum[:])
}

// Result is the outcome of Accept.
type Result struct {
	Lane         models.Lane `json:"lane"`
	Duplicate    bool        `json:"duplicate"`
	RepositoryID uint        `json:"repository_id"`
	DeliveryID   uint        `json:"delivery_id,omitempty"`
}

// Notifier is woken when a fast-lane delivery is recorded.
type Notifier interface {
	Notify()
}

type Router struct {
	repos      *repository.RepoRepository
	deliveries *repository.WebhookRepository
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewRouter(
	repos *repository.RepoRepository,
	deliveries *repository.WebhookRepository,
	notifier Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Router {
	return &Router{
		repos:      repos,
		deliveries: deliveries,
		notifier:   notifier,
		metrics:    m,
		logger:     logger,
	}
}

// Accept records a delivery in the ledger exactly once. A redelivery with the
// same key is reported as Duplicate and writes nothing.
func (r *Router) Accept(ctx context.Context, ev *Event) (*Result, error) {
	repo, err := r.repos.FindByName(ctx, ev.Owner, ev.Name)
	if err != nil {
		if errors.Is(err, repository.ErrRepositoryNotFound) {
			return nil, ErrUntrackedRepository
		}
		return nil, err
	}
	if !repo.Tracked {
		return nil, ErrUntrackedRepository
	}

	if !repo.WebhookActive {
		if err := r.repos.SetWebhookActive(ctx, repo.ID, true); err != nil {
			return nil, fmt.Errorf("mark webhook active: %w", err)
		}
	}

	lane := Route(ev)
	delivery := &models.WebhookDelivery{
		IdempotencyKey: IdempotencyKey(ev.EntityKey(), ev.EventType, ev.DeliveryID),
		DeliveryID:     ev.DeliveryID,
		RepositoryID:   repo.ID,
		EventType:      ev.EventType,
		Action:         ev.Action,
		EntityKey:      ev.EntityKey(),
		Lane:           lane,
	}
	inserted, err := r.deliveries.Record(ctx, delivery)
	if err != nil {
		return nil, fmt.Errorf("record delivery: %w", err)
	}
	r.metrics.WebhookDelivery(string(lane), !inserted)

	res := &Result{Lane: lane, Duplicate: !inserted, RepositoryID: repo.ID}
	if !inserted {
		r.logger.Debug("Duplicate webhook delivery",
			zap.String("delivery_id", ev.DeliveryID),
			zap.String("event", ev.EventType))
		return res, nil
	}
	res.DeliveryID = delivery.ID

	if lane == models.LaneFast && r.notifier != nil {
		r.notifier.Notify()
	}
	return res, nil
}
