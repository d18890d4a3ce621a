package models

import "time"

// ActivityKind is the kind of captured repository activity.
type ActivityKind string

const (
	ActivityPullRequest ActivityKind = "pull_request"
	ActivityIssue       ActivityKind = "issue"
	ActivityReview      ActivityKind = "review"
	ActivityComment     ActivityKind = "comment"
	ActivityStar        ActivityKind = "star"
	ActivityFork        ActivityKind = "fork"
)

// ActivityItem is one captured upstream entity. Writes are upserts keyed on
// (repository_id, kind, external_id).
type ActivityItem struct {
	ID                uint         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RepositoryID      uint         `gorm:"column:repository_id;uniqueIndex:uq_activity_items_entity,priority:1" json:"repository_id"`
	Kind              ActivityKind `gorm:"column:kind;size:30;uniqueIndex:uq_activity_items_entity,priority:2" json:"kind"`
	ExternalID        string       `gorm:"column:external_id;size:128;uniqueIndex:uq_activity_items_entity,priority:3" json:"external_id"`
	Number            int          `gorm:"column:number;default:0" json:"number"`
	Actor             string       `gorm:"column:actor;size:255" json:"actor"`
	State             string       `gorm:"column:state;size:30" json:"state"`
	Title             string       `gorm:"column:title;type:text" json:"title"`
	Payload           string       `gorm:"column:payload;type:text" json:"payload"`
	OccurredAt        time.Time    `gorm:"column:occurred_at" json:"occurred_at"`
	UpstreamUpdatedAt time.Time    `gorm:"column:upstream_updated_at" json:"upstream_updated_at"`
	CapturedAt        time.Time    `gorm:"column:captured_at" json:"captured_at"`
}

func (ActivityItem) TableName() string {
	return "activity_items"
}
