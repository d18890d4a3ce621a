// Package rollout routes a deterministic share of repositories to a new capture
// strategy version and rolls it back when its failure rate climbs.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"go.uber.org/zap"

	"repocapture/internal/alert"
	"repocapture/internal/metrics"
	"repocapture/internal/models"
	"repocapture/internal/repository"
)

// ErrInvalidPercentage is returned for percentages outside 0..100.
var ErrInvalidPercentage = errors.New("percentage must be between 0 and 100")

// ConfigStore persists rollout configuration.
type ConfigStore interface {
	Get(ctx context.Context, version string) (*models.RolloutConfig, error)
	List(ctx context.Context) ([]models.RolloutConfig, error)
	SetPercentage(ctx context.Context, version string, percentage int, updatedBy string) error
	SetThreshold(ctx context.Context, version string, threshold float64) error
	RecordObservation(ctx context.Context, version string, rate float64, sample int) error
	ForceRollback(ctx context.Context, version string, rate float64, sample int) (bool, error)
}

// OutcomeSource counts finished jobs of a version.
type OutcomeSource interface {
	FinishedOutcomes(ctx context.Context, strategyVersion string, since time.Time) (total, failures int64, err error)
}

// Options configures a Manager.
type Options struct {
	NewVersion    string
	LegacyVersion string
	MinSample     int
	Window        time.Duration
}

// Decision is the strategy version a repository runs under.
type Decision struct {
	UseNew          bool
	StrategyVersion string
	Percentage      int
}

type Manager struct {
	configs  ConfigStore
	outcomes OutcomeSource
	alerter  alert.Alerter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

func NewManager(configs ConfigStore, outcomes OutcomeSource, alerter alert.Alerter, m *metrics.Metrics, logger *zap.Logger, opts Options) *Manager {
	if opts.MinSample <= 0 {
		opts.MinSample = 10
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	return &Manager{
		configs:  configs,
		outcomes: outcomes,
		alerter:  alerter,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Bucket maps a repository to a stable slot in [0, 100).
func Bucket(repositoryID uint) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatUint(uint64(repositoryID), 10)))
	return int(h.Sum32() % 100)
}

// Assign reports whether a repository falls inside percentage. Raising the
// percentage only ever adds repositories.
func Assign(repositoryID uint, percentage int) bool {
	return Bucket(repositoryID) < percentage
}

// Decide returns the strategy version for a repository. A missing config routes
// everything to the legacy version.
func (m *Manager) Decide(ctx context.Context, repositoryID uint) (Decision, error) {
	legacy := Decision{StrategyVersion: m.opts.LegacyVersion}
	cfg, err := m.configs.Get(ctx, m.opts.NewVersion)
	if errors.Is(err, repository.ErrRolloutNotFound) {
		return legacy, nil
	}
	if err != nil {
		return legacy, fmt.Errorf("load rollout config: %w", err)
	}

	legacy.Percentage = cfg.Percentage
	if !Assign(repositoryID, cfg.Percentage) {
		return legacy, nil
	}
	return Decision{UseNew: true, StrategyVersion: m.opts.NewVersion, Percentage: cfg.Percentage}, nil
}

// UsesNewStrategy reports whether the repository currently runs the version under rollout.
func (m *Manager) UsesNewStrategy(ctx context.Context, repositoryID uint) (bool, error) {
	d, err := m.Decide(ctx, repositoryID)
	return d.UseNew, err
}

// NewVersion is the strategy version under rollout.
func (m *Manager) NewVersion() string {
	return m.opts.NewVersion
}

// LegacyVersion is the version repositories outside the rollout run under.
func (m *Manager) LegacyVersion() string {
	return m.opts.LegacyVersion
}

func (m *Manager) Get(ctx context.Context, version string) (*models.RolloutConfig, error) {
	return m.configs.Get(ctx, version)
}

func (m *Manager) List(ctx context.Context) ([]models.RolloutConfig, error) {
	return m.configs.List(ctx)
}

// SetPercentage is the operator action that changes a rollout. It also re-arms a
// rolled-back version.
func (m *Manager) SetPercentage(ctx context.Context, version string, percentage int, operator string) error {
	if percentage < 0 || percentage > 100 {
		return ErrInvalidPercentage
	}
	if err := m.configs.SetPercentage(ctx, version, percentage, operator); err != nil {
		return err
	}
	m.logger.Info("rollout percentage changed",
		zap.String("strategy_version", version),
		zap.Int("percentage", percentage),
		zap.String("operator", operator))
	m.metrics.RolloutState(version, percentage, 0)
	return nil
}

func (m *Manager) SetThreshold(ctx context.Context, version string, threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("error rate threshold must be in (0, 1], got %v", threshold)
	}
	return m.configs.SetThreshold(ctx, version, threshold)
}

// RollbackResult describes one evaluated version.
type RollbackResult struct {
	StrategyVersion string
	ErrorRate       float64
	Sample          int64
	RolledBack      bool
}

// CheckRollback measures every active rollout over the window and forces any
// version whose failure rate exceeds its threshold down to 0%.
func (m *Manager) CheckRollback(ctx context.Context) ([]RollbackResult, error) {
	configs, err := m.configs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rollouts: %w", err)
	}

	since := m.now().Add(-m.opts.Window)
	var results []RollbackResult
	for _, cfg := range configs {
		if cfg.RolledBack || cfg.Percentage == 0 {
			continue
		}

		total, failures, err := m.outcomes.FinishedOutcomes(ctx, cfg.StrategyVersion, since)
		if err != nil {
			return results, fmt.Errorf("count outcomes for %s: %w", cfg.StrategyVersion, err)
		}
		var rate float64
		if total > 0 {
			rate = float64(failures) / float64(total)
		}
		res := RollbackResult{StrategyVersion: cfg.StrategyVersion, ErrorRate: rate, Sample: total}

		if total < int64(m.opts.MinSample) || rate <= cfg.ErrorRateThreshold {
			if err := m.configs.RecordObservation(ctx, cfg.StrategyVersion, rate, int(total)); err != nil {
				m.logger.Warn("failed to record rollout observation", zap.String("strategy_version", cfg.StrategyVersion), zap.Error(err))
			}
			m.metrics.RolloutState(cfg.StrategyVersion, cfg.Percentage, rate)
			results = append(results, res)
			continue
		}

		changed, err := m.configs.ForceRollback(ctx, cfg.StrategyVersion, rate, int(total))
		if err != nil {
			return results, fmt.Errorf("roll back %s: %w", cfg.StrategyVersion, err)
		}
		res.RolledBack = changed
		results = append(results, res)
		if !changed {
			continue
		}

		m.metrics.Rollback()
		m.metrics.RolloutState(cfg.StrategyVersion, 0, rate)
		m.logger.Error("strategy version rolled back",
			zap.String("strategy_version", cfg.StrategyVersion),
			zap.Float64("error_rate", rate),
			zap.Float64("threshold", cfg.ErrorRateThreshold),
			zap.Int64("sample", total),
			zap.Int("previous_percentage", cfg.Percentage))
		m.raise(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Title:    "Capture strategy rolled back",
			Message:  fmt.Sprintf("%s dropped from %d%% to 0%%; re-enable manually after review", cfg.StrategyVersion, cfg.Percentage),
			Fields: map[string]string{
				"error_rate": strconv.FormatFloat(rate, 'f', 3, 64),
				"threshold":  strconv.FormatFloat(cfg.ErrorRateThreshold, 'f', 3, 64),
				"sample":     strconv.FormatInt(total, 10),
			},
		})
	}
	return results, nil
}

func (m *Manager) raise(ctx context.Context, a alert.Alert) {
	if m.alerter == nil {
		return
	}
	if err := m.alerter.Alert(ctx, a); err != nil {
		m.logger.Warn("failed to deliver alert", zap.String("title", a.Title), zap.Error(err))
	}
}
