// Package github fetches repository activity from the GitHub REST and GraphQL APIs.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"repocapture/internal/models"
	"repocapture/internal/pkg/httpclient"
	"repocapture/internal/ratebudget"
)

const (
	defaultBaseURL    = "https://api.github.com"
	defaultAPIVersion = "2022-11-28"
	defaultPageSize   = 100
	maxPageSize       = 100
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	GraphQLURL string
	Token      string
	APIVersion string
	UserAgent  string
	Timeout    time.Duration
}

// Client talks to the upstream API. It never retries; failures are returned as
// *APIError for the caller's backoff policy.
type Client struct {
	http       *httpclient.Client
	graphqlURL string
	now        func() time.Time
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.GraphQLURL == "" {
		cfg.GraphQLURL = cfg.BaseURL + "/graphql"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "repocapture"
	}

	hc := httpclient.New(cfg.BaseURL).
		WithTimeout(cfg.Timeout).
		WithBearerToken(cfg.Token).
		WithUserAgent(cfg.UserAgent).
		WithHeader("Accept", "application/vnd.github+json").
		WithHeader("X-GitHub-Api-Version", cfg.APIVersion)

	return &Client{
		http:       hc,
		graphqlURL: cfg.GraphQLURL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// PageRequest asks for the page after Cursor. Since, when set, ends the walk of
// each resource at the first item last updated before it.
type PageRequest struct {
	Cursor   string
	PageSize int
	Since    time.Time
}

// Page is one page of activity. HasNextPage is the only completion signal: an
// empty page with HasNextPage set is not the end of the walk.
type Page struct {
	Items       []models.ActivityItem
	NextCursor  *string
	HasNextPage bool
	Rate        *ratebudget.Snapshot
}

// FetchPage returns the next page of the composite activity walk.
func (c *Client) FetchPage(ctx context.Context, owner, name string, req PageRequest) (*Page, error) {
	pos, err := decodeCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	first := req.PageSize
	if first <= 0 {
		first = defaultPageSize
	}
	if first > maxPageSize {
		first = maxPageSize
	}

	conn, snap, err := c.queryConnection(ctx, owner, name, pos.Resource, pos.After, first)
	if err != nil {
		return nil, err
	}

	items, reachedSince := conn.items(pos.Resource, req.Since, c.now())
	page := &Page{Items: items, Rate: snap}

	if conn.PageInfo.HasNextPage && !reachedSince {
		page.HasNextPage = true
		if conn.PageInfo.EndCursor != "" {
			next := encodeCursor(position{Resource: pos.Resource, After: conn.PageInfo.EndCursor})
			page.NextCursor = &next
		}
		return page, nil
	}

	if idx := resourceIndex(pos.Resource); idx+1 < len(resourceOrder) {
		next := encodeCursor(position{Resource: resourceOrder[idx+1]})
		page.NextCursor = &next
		page.HasNextPage = true
	}
	return page, nil
}

// FetchEntity re-fetches one entity named by a webhook delivery.
func (c *Client) FetchEntity(ctx context.Context, owner, name string, ref models.EntityRef) (*Page, error) {
	switch ref.Kind {
	case models.ActivityPullRequest, models.ActivityReview:
		return c.fetchPullRequest(ctx, owner, name, ref.Number)
	case models.ActivityIssue, models.ActivityComment:
		return c.fetchIssue(ctx, owner, name, ref.Number)
	case models.ActivityStar:
		return c.fetchNewest(ctx, owner, name, ResourceStargazers)
	case models.ActivityFork:
		return c.fetchNewest(ctx, owner, name, ResourceForks)
	default:
		return nil, &APIError{Class: models.ErrorClassPermanent, Message: "unsupported entity kind " + string(ref.Kind)}
	}
}

// EntityCost is the number of upstream calls FetchEntity makes for ref.
func EntityCost(ref models.EntityRef) int {
	switch ref.Kind {
	case models.ActivityPullRequest, models.ActivityReview:
		return 2
	default:
		return 1
	}
}

// EntityResource is the rate-limit resource FetchEntity spends for ref.
func EntityResource(ref models.EntityRef) string {
	switch ref.Kind {
	case models.ActivityStar, models.ActivityFork:
		return ratebudget.ResourceGraphQL
	default:
		return ratebudget.ResourceCore
	}
}

// FetchSignals returns the classification signals of a repository.
func (c *Client) FetchSignals(ctx context.Context, owner, name string) (*models.RepositorySignals, *ratebudget.Snapshot, error) {
	var data struct {
		RateLimit  *gqlRateLimit `json:"rateLimit"`
		Repository *struct {
			StargazerCount int       `json:"stargazerCount"`
			CreatedAt      time.Time `json:"createdAt"`
			PullRequests   struct {
				TotalCount int `json:"totalCount"`
			} `json:"pullRequests"`
		} `json:"repository"`
	}
	snap, err := c.graphql(ctx, signalsQuery, map[string]interface{}{"owner": owner, "name": name}, &data)
	if err != nil {
		return nil, snap, err
	}
	snap = data.RateLimit.merge(snap, c.now())
	if data.Repository == nil {
		return nil, snap, &APIError{Class: models.ErrorClassPermanent, Message: fmt.Sprintf("repository %s/%s not found", owner, name)}
	}

	stars := data.Repository.StargazerCount
	openPRs := data.Repository.PullRequests.TotalCount
	signals := &models.RepositorySignals{Stars: &stars, OpenPRs: &openPRs}
	if !data.Repository.CreatedAt.IsZero() {
		created := data.Repository.CreatedAt
		signals.CreatedAt = &created
	}
	return signals, snap, nil
}

func (c *Client) fetchNewest(ctx context.Context, owner, name string, res Resource) (*Page, error) {
	conn, snap, err := c.queryConnection(ctx, owner, name, res, "", 30)
	if err != nil {
		return nil, err
	}
	items, _ := conn.items(res, time.Time{}, c.now())
	return &Page{Items: items, Rate: snap}, nil
}

func (c *Client) fetchPullRequest(ctx context.Context, owner, name string, number int) (*Page, error) {
	var pr restIssue
	resp, err := c.http.Request(ctx).
		SetPathParams(map[string]string{"owner": owner, "name": name, "number": strconv.Itoa(number)}).
		Get("/repos/{owner}/{name}/pulls/{number}")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.IsError() {
		return nil, responseError(resp, c.now())
	}
	if err := decodeJSON(resp.Body(), &pr); err != nil {
		return nil, &APIError{Class: models.ErrorClassTransient, Message: "decode pull request: " + err.Error()}
	}

	now := c.now()
	items := []models.ActivityItem{pr.item(models.ActivityPullRequest, string(resp.Body()), now)}
	snap := rateFromHeaders(resp.Header(), now)

	var reviews []restReview
	resp, err = c.http.Request(ctx).
		SetPathParams(map[string]string{"owner": owner, "name": name, "number": strconv.Itoa(number)}).
		SetQueryParam("per_page", strconv.Itoa(maxPageSize)).
		Get("/repos/{owner}/{name}/pulls/{number}/reviews")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.IsError() {
		return nil, responseError(resp, now)
	}
	if err := decodeJSON(resp.Body(), &reviews); err != nil {
		return nil, &APIError{Class: models.ErrorClassTransient, Message: "decode reviews: " + err.Error()}
	}
	for _, rv := range reviews {
		items = append(items, rv.item(number, pr.UpdatedAt, now))
	}
	if s := rateFromHeaders(resp.Header(), now); s != nil {
		snap = s
	}
	return &Page{Items: items, Rate: snap}, nil
}

func (c *Client) fetchIssue(ctx context.Context, owner, name string, number int) (*Page, error) {
	var issue restIssue
	resp, err := c.http.Request(ctx).
		SetPathParams(map[string]string{"owner": owner, "name": name, "number": strconv.Itoa(number)}).
		Get("/repos/{owner}/{name}/issues/{number}")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.IsError() {
		return nil, responseError(resp, c.now())
	}
	if err := decodeJSON(resp.Body(), &issue); err != nil {
		return nil, &APIError{Class: models.ErrorClassTransient, Message: "decode issue: " + err.Error()}
	}
	// Comments on pull requests arrive as issue events.
	if issue.PullRequest != nil {
		return c.fetchPullRequest(ctx, owner, name, number)
	}

	now := c.now()
	return &Page{
		Items: []models.ActivityItem{issue.item(models.ActivityIssue, string(resp.Body()), now)},
		Rate:  rateFromHeaders(resp.Header(), now),
	}, nil
}

func (c *Client) queryConnection(ctx context.Context, owner, name string, res Resource, after string, first int) (*connection, *ratebudget.Snapshot, error) {
	query, ok := pageQueries[res]
	if !ok {
		return nil, nil, &APIError{Class: models.ErrorClassDataIntegrity, Message: "no query for resource " + string(res)}
	}
	vars := map[string]interface{}{"owner": owner, "name": name, "first": first, "after": nil}
	if after != "" {
		vars["after"] = after
	}

	var data struct {
		RateLimit  *gqlRateLimit `json:"rateLimit"`
		Repository *struct {
			Conn connection `json:"conn"`
		} `json:"repository"`
	}
	snap, err := c.graphql(ctx, query, vars, &data)
	if err != nil {
		return nil, snap, err
	}
	snap = data.RateLimit.merge(snap, c.now())
	if data.Repository == nil {
		return nil, snap, &APIError{Class: models.ErrorClassPermanent, Message: fmt.Sprintf("repository %s/%s not found", owner, name)}
	}
	return &data.Repository.Conn, snap, nil
}

func (c *Client) graphql(ctx context.Context, query string, vars map[string]interface{}, out interface{}) (*ratebudget.Snapshot, error) {
	resp, err := c.http.Request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{"query": query, "variables": vars}).
		Post(c.graphqlURL)
	if err != nil {
		return nil, transportError(err)
	}
	now := c.now()
	if resp.IsError() {
		return nil, responseError(resp, now)
	}
	snap := rateFromHeaders(resp.Header(), now)

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := decodeJSON(resp.Body(), &envelope); err != nil {
		return snap, &APIError{Class: models.ErrorClassTransient, Message: "decode graphql response: " + err.Error()}
	}
	if len(envelope.Errors) > 0 {
		return snap, graphQLError(envelope.Errors, snap)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return snap, &APIError{Class: models.ErrorClassTransient, Message: "graphql response without data"}
	}
	if err := decodeJSON(envelope.Data, out); err != nil {
		return snap, &APIError{Class: models.ErrorClassTransient, Message: "decode graphql data: " + err.Error()}
	}
	return snap, nil
}

func decodeJSON(raw []byte, out interface{}) error {
	return json.Unmarshal(raw, out)
}
