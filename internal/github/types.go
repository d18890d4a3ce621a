package github

import (
	"encoding/json"
	"strings"
	"time"

	"repocapture/internal/models"
	"repocapture/internal/ratebudget"
)

type gqlError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type gqlRateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Cost      int       `json:"cost"`
}

func (r *gqlRateLimit) snapshot(now time.Time) *ratebudget.Snapshot {
	if r == nil || r.ResetAt.IsZero() {
		return nil
	}
	return &ratebudget.Snapshot{
		Resource:   ratebudget.ResourceGraphQL,
		Limit:      r.Limit,
		Remaining:  r.Remaining,
		ResetAt:    r.ResetAt.UTC(),
		ObservedAt: now,
		Cost:       r.Cost,
	}
}

// merge completes the header snapshot of a GraphQL response with the query cost
// reported in the body.
func (r *gqlRateLimit) merge(header *ratebudget.Snapshot, now time.Time) *ratebudget.Snapshot {
	if header == nil {
		return r.snapshot(now)
	}
	if header.Resource == "" {
		header.Resource = ratebudget.ResourceGraphQL
	}
	if r != nil && r.Cost > 0 {
		header.Cost = r.Cost
	}
	return header
}

type actor struct {
	Login string `json:"login"`
}

func (a *actor) login() string {
	if a == nil {
		return ""
	}
	return a.Login
}

type reviewNode struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	SubmittedAt *time.Time `json:"submittedAt"`
	Author      *actor     `json:"author"`
}

type node struct {
	ID            string    `json:"id"`
	Number        int       `json:"number,omitempty"`
	Title         string    `json:"title,omitempty"`
	State         string    `json:"state,omitempty"`
	NameWithOwner string    `json:"nameWithOwner,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Author        *actor    `json:"author,omitempty"`
	Owner         *actor    `json:"owner,omitempty"`
	Reviews       *struct {
		Nodes []reviewNode `json:"nodes"`
	} `json:"reviews,omitempty"`
}

type starEdge struct {
	StarredAt time.Time `json:"starredAt"`
	Node      actor     `json:"node"`
}

type connection struct {
	PageInfo struct {
		HasNextPage bool   `json:"hasNextPage"`
		EndCursor   string `json:"endCursor"`
	} `json:"pageInfo"`
	Nodes []node     `json:"nodes"`
	Edges []starEdge `json:"edges"`
}

// items converts a page of nodes. Nodes come newest first, so the first node
// older than since ends the resource; reachedSince reports that.
func (c *connection) items(res Resource, since time.Time, now time.Time) (out []models.ActivityItem, reachedSince bool) {
	if res == ResourceStargazers {
		for _, e := range c.Edges {
			if !since.IsZero() && e.StarredAt.Before(since) {
				return out, true
			}
			out = append(out, models.ActivityItem{
				Kind:              models.ActivityStar,
				ExternalID:        e.Node.Login,
				Actor:             e.Node.Login,
				OccurredAt:        e.StarredAt.UTC(),
				UpstreamUpdatedAt: e.StarredAt.UTC(),
				CapturedAt:        now,
			})
		}
		return out, false
	}

	for _, n := range c.Nodes {
		if !since.IsZero() && n.UpdatedAt.Before(since) {
			return out, true
		}
		payload, _ := json.Marshal(n)
		item := models.ActivityItem{
			ExternalID:        n.ID,
			Number:            n.Number,
			Title:             n.Title,
			State:             strings.ToLower(n.State),
			Payload:           string(payload),
			OccurredAt:        n.CreatedAt.UTC(),
			UpstreamUpdatedAt: n.UpdatedAt.UTC(),
			CapturedAt:        now,
		}
		switch res {
		case ResourcePullRequests:
			item.Kind = models.ActivityPullRequest
			item.Actor = n.Author.login()
		case ResourceIssues:
			item.Kind = models.ActivityIssue
			item.Actor = n.Author.login()
		case ResourceForks:
			item.Kind = models.ActivityFork
			item.Actor = n.Owner.login()
			item.Title = n.NameWithOwner
		}
		out = append(out, item)

		if n.Reviews != nil {
			for _, rv := range n.Reviews.Nodes {
				out = append(out, reviewItem(rv.ID, rv.State, rv.Author.login(), n.Number, rv.SubmittedAt, n.UpdatedAt, now))
			}
		}
	}
	return out, false
}

func reviewItem(id, state, login string, number int, submittedAt *time.Time, fallback, now time.Time) models.ActivityItem {
	at := fallback
	if submittedAt != nil {
		at = *submittedAt
	}
	return models.ActivityItem{
		Kind:              models.ActivityReview,
		ExternalID:        id,
		Number:            number,
		Actor:             login,
		State:             strings.ToLower(state),
		OccurredAt:        at.UTC(),
		UpstreamUpdatedAt: at.UTC(),
		CapturedAt:        now,
	}
}

type restIssue struct {
	NodeID      string           `json:"node_id"`
	Number      int              `json:"number"`
	Title       string           `json:"title"`
	State       string           `json:"state"`
	User        *actor           `json:"user"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	MergedAt    *time.Time       `json:"merged_at"`
	PullRequest *json.RawMessage `json:"pull_request"`
}

func (i *restIssue) item(kind models.ActivityKind, payload string, now time.Time) models.ActivityItem {
	state := strings.ToLower(i.State)
	if i.MergedAt != nil {
		state = "merged"
	}
	return models.ActivityItem{
		Kind:              kind,
		ExternalID:        i.NodeID,
		Number:            i.Number,
		Actor:             i.User.login(),
		State:             state,
		Title:             i.Title,
		Payload:           payload,
		OccurredAt:        i.CreatedAt.UTC(),
		UpstreamUpdatedAt: i.UpdatedAt.UTC(),
		CapturedAt:        now,
	}
}

type restReview struct {
	NodeID      string     `json:"node_id"`
	State       string     `json:"state"`
	SubmittedAt *time.Time `json:"submitted_at"`
	User        *actor     `json:"user"`
}

func (r *restReview) item(number int, fallback, now time.Time) models.ActivityItem {
	return reviewItem(r.NodeID, r.State, r.User.login(), number, r.SubmittedAt, fallback, now)
}
