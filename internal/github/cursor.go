package github

import (
	"encoding/base64"
	"encoding/json"

	"repocapture/internal/models"
)

// Resource is one paginated collection walked during a capture.
type Resource string

const (
	ResourcePullRequests Resource = "pull_requests"
	ResourceIssues       Resource = "issues"
	ResourceStargazers   Resource = "stargazers"
	ResourceForks        Resource = "forks"
)

// resourceOrder is the walk order of a composite cursor.
var resourceOrder = []Resource{ResourcePullRequests, ResourceIssues, ResourceStargazers, ResourceForks}

// position is the decoded form of the opaque cursor stored on capture jobs.
type position struct {
	Resource Resource `json:"r"`
	After    string   `json:"a,omitempty"`
}

func encodeCursor(p position) string {
	raw, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeCursor parses a stored cursor. The empty cursor is the start of the walk.
func decodeCursor(s string) (position, error) {
	if s == "" {
		return position{Resource: resourceOrder[0]}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return position{}, &APIError{Class: models.ErrorClassDataIntegrity, Message: "unreadable cursor: " + err.Error()}
	}
	var p position
	if err := json.Unmarshal(raw, &p); err != nil {
		return position{}, &APIError{Class: models.ErrorClassDataIntegrity, Message: "unreadable cursor: " + err.Error()}
	}
	if resourceIndex(p.Resource) < 0 {
		return position{}, &APIError{Class: models.ErrorClassDataIntegrity, Message: "cursor names unknown resource " + string(p.Resource)}
	}
	return p, nil
}

func resourceIndex(r Resource) int {
	for i, candidate := range resourceOrder {
		if candidate == r {
			return i
		}
	}
	return -1
}

// CursorResource reports which collection a cursor points into, for logging.
func CursorResource(cursor string) Resource {
	p, err := decodeCursor(cursor)
	if err != nil {
		return ""
	}
	return p.Resource
}
