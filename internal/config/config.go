package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	GitHub     GitHubConfig
	RateBudget RateBudgetConfig
	Backoff    BackoffConfig
	Classifier ClassifierConfig
	Rollout    RolloutConfig
	Backfill   BackfillConfig
	Worker     WorkerConfig
	Webhook    WebhookConfig
	Alert      AlertConfig
	API        APIConfig
}

type ServerConfig struct {
	Port int
	Env  string // "development", "production"
}

type DatabaseConfig struct {
	Driver  string // "mysql" or "sqlite"
	Host    string
	Port    string
	Name    string
	User    string
	Pass    string
	Charset string
	Path    string // sqlite file path
}

type RedisConfig struct {
	Addr string
	Pass string
	DB   int
}

type GitHubConfig struct {
	Token      string
	BaseURL    string
	GraphQLURL string
	APIVersion string
	Timeout    time.Duration
}

type RateBudgetConfig struct {
	DefaultLimit  int
	SafetyMargin  int
	PacePerSecond float64
	PaceBurst     int
	ResetSlack    time.Duration
	MaxResetWait  time.Duration
	EstimatedCost int // per upstream page
}

type BackoffConfig struct {
	Base           time.Duration
	CapExponent    int
	JitterFraction float64
	MaxDelay       time.Duration
}

type ClassifierConfig struct {
	SmallStars      int
	MediumStars     int
	LargeStars      int
	SmallOpenPRs    int
	MediumOpenPRs   int
	LargeOpenPRs    int
	LongLivedAge    time.Duration
	ReclassifyAfter time.Duration
}

type RolloutConfig struct {
	NewStrategyVersion    string
	LegacyStrategyVersion string
	InitialPercentage     int
	ErrorRateThreshold    float64
	MinSample             int
	Window                time.Duration
}

type BackfillConfig struct {
	PageSize             int
	PagesPerChunk        int
	MaxConsecutiveErrors int
}

type WorkerConfig struct {
	Count            int
	MaxPerRepository int
	PollInterval     time.Duration
	LeaseTimeout     time.Duration
	SyncInterval     time.Duration
}

type WebhookConfig struct {
	Secret       string
	BatchWindow  time.Duration
	FastInterval time.Duration
	DedupTTL     time.Duration
	RetainFor    time.Duration
}

type AlertConfig struct {
	TelegramToken  string
	TelegramChatID int64
}

type APIConfig struct {
	Key string
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	viper.AutomaticEnv()
	setDefaults()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("APP_PORT"),
			Env:  viper.GetString("APP_ENV"),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			Addr: viper.GetString("REDIS_ADDR"),
			Pass: viper.GetString("REDIS_PASS"),
			DB:   viper.GetInt("REDIS_DB"),
		},
		GitHub: GitHubConfig{
			Token:      viper.GetString("GITHUB_TOKEN"),
			BaseURL:    viper.GetString("GITHUB_API_URL"),
			GraphQLURL: viper.GetString("GITHUB_GRAPHQL_URL"),
			APIVersion: viper.GetString("GITHUB_API_VERSION"),
			Timeout:    viper.GetDuration("GITHUB_TIMEOUT"),
		},
		RateBudget: RateBudgetConfig{
			DefaultLimit:  viper.GetInt("RATE_DEFAULT_LIMIT"),
			SafetyMargin:  viper.GetInt("RATE_SAFETY_MARGIN"),
			PacePerSecond: viper.GetFloat64("RATE_PACE_PER_SECOND"),
			PaceBurst:     viper.GetInt("RATE_PACE_BURST"),
			ResetSlack:    viper.GetDuration("RATE_RESET_SLACK"),
			MaxResetWait:  viper.GetDuration("RATE_MAX_RESET_WAIT"),
			EstimatedCost: viper.GetInt("RATE_ESTIMATED_PAGE_COST"),
		},
		Backoff: BackoffConfig{
			Base:           viper.GetDuration("BACKOFF_BASE"),
			CapExponent:    viper.GetInt("BACKOFF_CAP_EXPONENT"),
			JitterFraction: viper.GetFloat64("BACKOFF_JITTER"),
			MaxDelay:       viper.GetDuration("BACKOFF_MAX_DELAY"),
		},
		Classifier: ClassifierConfig{
			SmallStars:      viper.GetInt("CLASSIFIER_SMALL_STARS"),
			MediumStars:     viper.GetInt("CLASSIFIER_MEDIUM_STARS"),
			LargeStars:      viper.GetInt("CLASSIFIER_LARGE_STARS"),
			SmallOpenPRs:    viper.GetInt("CLASSIFIER_SMALL_OPEN_PRS"),
			MediumOpenPRs:   viper.GetInt("CLASSIFIER_MEDIUM_OPEN_PRS"),
			LargeOpenPRs:    viper.GetInt("CLASSIFIER_LARGE_OPEN_PRS"),
			LongLivedAge:    viper.GetDuration("CLASSIFIER_LONG_LIVED_AGE"),
			ReclassifyAfter: viper.GetDuration("CLASSIFIER_RECLASSIFY_AFTER"),
		},
		Rollout: RolloutConfig{
			NewStrategyVersion:    viper.GetString("ROLLOUT_NEW_VERSION"),
			LegacyStrategyVersion: viper.GetString("ROLLOUT_LEGACY_VERSION"),
			InitialPercentage:     viper.GetInt("ROLLOUT_INITIAL_PERCENTAGE"),
			ErrorRateThreshold:    viper.GetFloat64("ROLLOUT_ERROR_RATE_THRESHOLD"),
			MinSample:             viper.GetInt("ROLLOUT_MIN_SAMPLE"),
			Window:                viper.GetDuration("ROLLOUT_WINDOW"),
		},
		Backfill: BackfillConfig{
			PageSize:             viper.GetInt("BACKFILL_PAGE_SIZE"),
			PagesPerChunk:        viper.GetInt("BACKFILL_PAGES_PER_CHUNK"),
			MaxConsecutiveErrors: viper.GetInt("JOB_MAX_CONSECUTIVE_ERRORS"),
		},
		Worker: WorkerConfig{
			Count:            viper.GetInt("WORKER_COUNT"),
			MaxPerRepository: viper.GetInt("WORKER_MAX_PER_REPOSITORY"),
			PollInterval:     viper.GetDuration("WORKER_POLL_INTERVAL"),
			LeaseTimeout:     viper.GetDuration("WORKER_LEASE_TIMEOUT"),
			SyncInterval:     viper.GetDuration("SYNC_INTERVAL"),
		},
		Webhook: WebhookConfig{
			Secret:       viper.GetString("WEBHOOK_SECRET"),
			BatchWindow:  viper.GetDuration("WEBHOOK_BATCH_WINDOW"),
			FastInterval: viper.GetDuration("WEBHOOK_FAST_INTERVAL"),
			DedupTTL:     viper.GetDuration("WEBHOOK_DEDUP_TTL"),
			RetainFor:    viper.GetDuration("WEBHOOK_RETAIN_FOR"),
		},
		Alert: AlertConfig{
			TelegramToken:  viper.GetString("ALERT_TELEGRAM_TOKEN"),
			TelegramChatID: viper.GetInt64("ALERT_TELEGRAM_CHAT_ID"),
		},
		API: APIConfig{
			Key: viper.GetString("API_KEY"),
		},
	}

	if cfg.GitHub.Token == "" {
		log.Println("WARNING: GITHUB_TOKEN is not set")
	}
	if cfg.Webhook.Secret == "" {
		log.Println("WARNING: WEBHOOK_SECRET is not set, webhook signatures are not verified")
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("APP_PORT", 8080)
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("DB_DRIVER", "mysql")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "3306")
	viper.SetDefault("DB_CHARSET", "utf8mb4")
	viper.SetDefault("DB_PATH", "repocapture.db")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)

	viper.SetDefault("GITHUB_API_URL", "https://api.github.com")
	viper.SetDefault("GITHUB_GRAPHQL_URL", "https://api.github.com/graphql")
	viper.SetDefault("GITHUB_API_VERSION", "2022-11-28")
	viper.SetDefault("GITHUB_TIMEOUT", "30s")

	viper.SetDefault("RATE_DEFAULT_LIMIT", 5000)
	viper.SetDefault("RATE_SAFETY_MARGIN", 100)
	viper.SetDefault("RATE_PACE_PER_SECOND", 1.2)
	viper.SetDefault("RATE_PACE_BURST", 10)
	viper.SetDefault("RATE_RESET_SLACK", "60s")
	viper.SetDefault("RATE_MAX_RESET_WAIT", "1h")
	viper.SetDefault("RATE_ESTIMATED_PAGE_COST", 1)

	viper.SetDefault("BACKOFF_BASE", "2s")
	viper.SetDefault("BACKOFF_CAP_EXPONENT", 8)
	viper.SetDefault("BACKOFF_JITTER", 0.2)
	viper.SetDefault("BACKOFF_MAX_DELAY", "15m")

	viper.SetDefault("CLASSIFIER_SMALL_STARS", 100)
	viper.SetDefault("CLASSIFIER_MEDIUM_STARS", 5000)
	viper.SetDefault("CLASSIFIER_LARGE_STARS", 50000)
	viper.SetDefault("CLASSIFIER_SMALL_OPEN_PRS", 50)
	viper.SetDefault("CLASSIFIER_MEDIUM_OPEN_PRS", 500)
	viper.SetDefault("CLASSIFIER_LARGE_OPEN_PRS", 5000)
	viper.SetDefault("CLASSIFIER_LONG_LIVED_AGE", "87600h") // 10 years
	viper.SetDefault("CLASSIFIER_RECLASSIFY_AFTER", "24h")

	viper.SetDefault("ROLLOUT_NEW_VERSION", "chunked-v2")
	viper.SetDefault("ROLLOUT_LEGACY_VERSION", "legacy-v1")
	viper.SetDefault("ROLLOUT_INITIAL_PERCENTAGE", 0)
	viper.SetDefault("ROLLOUT_ERROR_RATE_THRESHOLD", 0.2)
	viper.SetDefault("ROLLOUT_MIN_SAMPLE", 10)
	viper.SetDefault("ROLLOUT_WINDOW", "1h")

	viper.SetDefault("BACKFILL_PAGE_SIZE", 100)
	viper.SetDefault("BACKFILL_PAGES_PER_CHUNK", 1)
	viper.SetDefault("JOB_MAX_CONSECUTIVE_ERRORS", 5)

	viper.SetDefault("WORKER_COUNT", 4)
	viper.SetDefault("WORKER_MAX_PER_REPOSITORY", 1)
	viper.SetDefault("WORKER_POLL_INTERVAL", "2s")
	viper.SetDefault("WORKER_LEASE_TIMEOUT", "10m")
	viper.SetDefault("SYNC_INTERVAL", "1h")

	viper.SetDefault("WEBHOOK_BATCH_WINDOW", "30s")
	viper.SetDefault("WEBHOOK_FAST_INTERVAL", "1s")
	viper.SetDefault("WEBHOOK_DEDUP_TTL", "24h")
	viper.SetDefault("WEBHOOK_RETAIN_FOR", "168h")
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		Driver:  viper.GetString("DB_DRIVER"),
		Host:    viper.GetString("DB_HOST"),
		Port:    viper.GetString("DB_PORT"),
		Name:    viper.GetString("DB_NAME"),
		User:    viper.GetString("DB_USER"),
		Pass:    viper.GetString("DB_PASS"),
		Charset: viper.GetString("DB_CHARSET"),
		Path:    viper.GetString("DB_PATH"),
	}
}

// DSN returns the MySQL DSN string for GORM.
func (d *DatabaseConfig) DSN() string {
	return d.User + ":" + d.Pass + "@tcp(" + d.Host + ":" + d.Port + ")/" + d.Name + "?charset=" + d.Charset + "&parseTime=True&loc=UTC"
}
