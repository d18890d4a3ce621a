package models

import "time"

// RolloutConfig holds the traffic share routed to one capture-strategy version.
type RolloutConfig struct {
	StrategyVersion    string     `gorm:"column:strategy_version;primaryKey;size:64" json:"strategy_version"`
	Percentage         int        `gorm:"column:percentage;default:0" json:"percentage"`
	ErrorRateThreshold float64    `gorm:"column:error_rate_threshold;default:0.2" json:"error_rate_threshold"`
	ObservedErrorRate  float64    `gorm:"column:observed_error_rate;default:0" json:"observed_error_rate"`
	SampleSize         int        `gorm:"column:sample_size;default:0" json:"sample_size"`
	RolledBack         bool       `gorm:"column:rolled_back;default:false" json:"rolled_back"`
	RolledBackAt       *time.Time `gorm:"column:rolled_back_at" json:"rolled_back_at"`
	UpdatedBy          string     `gorm:"column:updated_by;size:255" json:"updated_by"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (RolloutConfig) TableName() string {
	return "rollout_configs"
}
