package models

// APIResponse is the envelope of every operator API response.
type APIResponse struct {
	Status bool        `json:"status"`
	Msg    string      `json:"msg"`
	Obj    interface{} `json:"obj"`
}

// PaginatedResponse wraps list results with pagination info.
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// --- Operator API Request Payloads ---

// TrackRepositoryRequest starts capture of owner/name. FullName ("owner/name") may be
// sent instead of the two fields.
type TrackRepositoryRequest struct {
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

// UpdateRolloutRequest changes a rollout. Nil fields are left unchanged.
type UpdateRolloutRequest struct {
	Percentage         *int     `json:"percentage"`
	ErrorRateThreshold *float64 `json:"error_rate_threshold"`
	Operator           string   `json:"operator"`
}
