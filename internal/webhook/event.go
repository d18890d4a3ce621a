// Package webhook turns inbound GitHub deliveries into prioritized replay jobs.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"repocapture/internal/models"
)

// ErrUnsupportedEvent is returned for event types that carry no capturable activity.
var ErrUnsupportedEvent = errors.New("unsupported webhook event")

// Event is one parsed webhook delivery.
type Event struct {
	DeliveryID string
	EventType  string
	Action     string
	Owner      string
	Name       string
	Entity     models.EntityRef
	// Merged is set on pull_request closed events that merged the PR.
	Merged bool
}

// EntityKey identifies the upstream entity the event touched, e.g. "pull_request#42".
func (e *Event) EntityKey() string {
	return EntityKey(e.Entity)
}

// EntityKey formats a ref as "<kind>#<number>".
func EntityKey(ref models.EntityRef) string {
	return string(ref.Kind) + "#" + strconv.Itoa(ref.Number)
}

// ParseEntityKey is the inverse of EntityKey.
func ParseEntityKey(key string) (models.EntityRef, error) {
	kind, num, ok := strings.Cut(key, "#")
	if !ok || kind == "" {
		return models.EntityRef{}, fmt.Errorf("malformed entity key %q", key)
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return models.EntityRef{}, fmt.Errorf("malformed entity key %q: %w", key, err)
	}
	return models.EntityRef{Kind: models.ActivityKind(kind), Number: n}, nil
}

type payload struct {
	Action     string `json:"action"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	PullRequest *struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
	} `json:"pull_request"`
	Issue *struct {
		Number      int              `json:"number"`
		PullRequest *json.RawMessage `json:"pull_request"`
	} `json:"issue"`
}

// ParseEvent decodes a delivery body for the given X-GitHub-Event type.
func ParseEvent(eventType, deliveryID string, body []byte) (*Event, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if p.Repository.Owner.Login == "" || p.Repository.Name == "" {
		return nil, fmt.Errorf("%s payload has no repository", eventType)
	}

	ev := &Event{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     p.Action,
		Owner:      p.Repository.Owner.Login,
		Name:       p.Repository.Name,
	}

	switch eventType {
	case "pull_request", "pull_request_review", "pull_request_review_comment":
		if p.PullRequest == nil {
			return nil, fmt.Errorf("%s payload has no pull_request", eventType)
		}
		ev.Entity = models.EntityRef{Kind: models.ActivityPullRequest, Number: p.PullRequest.Number}
		ev.Merged = p.PullRequest.Merged
	case "issues", "issue_comment":
		if p.Issue == nil {
			return nil, fmt.Errorf("%s payload has no issue", eventType)
		}
		kind := models.ActivityIssue
		// Comments on pull requests arrive as issue_comment.
		if p.Issue.PullRequest != nil {
			kind = models.ActivityPullRequest
		}
		ev.Entity = models.EntityRef{Kind: kind, Number: p.Issue.Number}
	case "watch", "star":
		ev.Entity = models.EntityRef{Kind: models.ActivityStar}
	case "fork":
		ev.Entity = models.EntityRef{Kind: models.ActivityFork}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}
	return ev, nil
}
