package models

import "time"

// Tier is a coarse size classification of a repository.
type Tier string

const (
	TierSmall      Tier = "small"
	TierMedium     Tier = "medium"
	TierLarge      Tier = "large"
	TierExtraLarge Tier = "extra-large"
)

// Rank orders tiers from smallest to largest.
func (t Tier) Rank() int {
	switch t {
	case TierSmall:
		return 0
	case TierMedium:
		return 1
	case TierLarge:
		return 2
	case TierExtraLarge:
		return 3
	default:
		return -1
	}
}

// IsLarge reports whether the tier needs the backfill-aware pipeline.
func (t Tier) IsLarge() bool {
	return t == TierLarge || t == TierExtraLarge
}

// Repository is a tracked source-code repository.
type Repository struct {
	ID            uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Owner         string     `gorm:"column:owner;size:255;uniqueIndex:uq_repositories_full_name,priority:1" json:"owner"`
	Name          string     `gorm:"column:name;size:255;uniqueIndex:uq_repositories_full_name,priority:2" json:"name"`
	Tracked       bool       `gorm:"column:tracked;default:true;index" json:"tracked"`
	WebhookActive bool       `gorm:"column:webhook_active;default:false" json:"webhook_active"`
	LastSyncedAt  *time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
	BackfilledAt  *time.Time `gorm:"column:backfilled_at" json:"backfilled_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Repository) TableName() string {
	return "repositories"
}

// FullName returns "owner/name".
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// RepositoryClassification is the latest size tier computed for a repository.
type RepositoryClassification struct {
	RepositoryID      uint       `gorm:"column:repository_id;primaryKey" json:"repository_id"`
	Tier              Tier       `gorm:"column:tier;size:20" json:"tier"`
	Stars             *int       `gorm:"column:stars" json:"stars"`
	OpenPRs           *int       `gorm:"column:open_prs" json:"open_prs"`
	CreatedAtUpstream *time.Time `gorm:"column:created_at_upstream" json:"created_at_upstream"`
	Degraded          bool       `gorm:"column:degraded;default:false" json:"degraded"`
	ClassifiedAt      time.Time  `gorm:"column:classified_at" json:"classified_at"`
}

func (RepositoryClassification) TableName() string {
	return "repository_classifications"
}

// RepositorySignals are the cheap upstream facts used to classify a repository.
// Nil fields were not available.
type RepositorySignals struct {
	Stars     *int       `json:"stars"`
	OpenPRs   *int       `json:"open_prs"`
	CreatedAt *time.Time `json:"created_at"`
}
