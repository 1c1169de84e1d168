package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App         AppConfig
	DB          DBConfig
	Redis       RedisConfig
	Square      SquareConfig
	Shippo      ShippoConfig
	Sendgrid    SendgridConfig
	Queue       QueueConfig
	Label       LabelConfig
	Idempotency IdempotencyConfig
	PubSub      PubSubConfig
	Alerts      AlertsConfig
	Admin       AdminConfig
	Cron        CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PANTRY_APP_ENV" required:"true"`
	Port         string `envconfig:"PANTRY_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"PANTRY_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"PANTRY_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"PANTRY_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"PANTRY_AUTO_MIGRATE" default:"false"`
	InstanceID   string `envconfig:"PANTRY_INSTANCE_ID"`
	// PlatformPort is the PORT injected by Cloud Run and Heroku style hosts.
	PlatformPort string `envconfig:"PORT"`
}

// ListenAddr is the server bind address. A platform PORT wins over PANTRY_APP_PORT.
func (a AppConfig) ListenAddr() string {
	if a.PlatformPort != "" {
		return ":" + a.PlatformPort
	}
	return ":" + a.Port
}

// Instance names this process in logs, defaulting to the hostname.
func (a AppConfig) Instance() string {
	if a.InstanceID != "" {
		return a.InstanceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "pantry-0"
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"PANTRY_DB_DSN"`

	LegacyHost     string `envconfig:"PANTRY_DB_HOST"`
	LegacyPort     int    `envconfig:"PANTRY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PANTRY_DB_USER"`
	LegacyPassword string `envconfig:"PANTRY_DB_PASSWORD"`
	LegacyName     string `envconfig:"PANTRY_DB_NAME"`
	LegacySSLMode  string `envconfig:"PANTRY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PANTRY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PANTRY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PANTRY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PANTRY_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	ConnectTimeout time.Duration `envconfig:"PANTRY_DB_CONNECT_TIMEOUT" default:"10s"`
	QueryTimeout   time.Duration `envconfig:"PANTRY_DB_QUERY_TIMEOUT" default:"30s"`
	TxTimeout      time.Duration `envconfig:"PANTRY_DB_TX_TIMEOUT" default:"90s"`
	RetryAttempts  int           `envconfig:"PANTRY_DB_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"PANTRY_DB_RETRY_BASE_DELAY" default:"200ms"`
	RetryMaxDelay  time.Duration `envconfig:"PANTRY_DB_RETRY_MAX_DELAY" default:"5s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PANTRY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PANTRY_REDIS_ADDR"`
	Password     string        `envconfig:"PANTRY_REDIS_PASSWORD"`
	DB           int           `envconfig:"PANTRY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PANTRY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PANTRY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PANTRY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PANTRY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PANTRY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type SquareConfig struct {
	AccessToken     string `envconfig:"PANTRY_SQUARE_ACCESS_TOKEN"`
	WebhookSecret   string `envconfig:"PANTRY_SQUARE_WEBHOOK_SIGNATURE_KEY"`
	NotificationURL string `envconfig:"PANTRY_SQUARE_WEBHOOK_URL"`
	Env             string `envconfig:"PANTRY_SQUARE_ENV" default:"sandbox"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type ShippoConfig struct {
	APIKey        string        `envconfig:"PANTRY_SHIPPO_API_KEY"`
	WebhookSecret string        `envconfig:"PANTRY_SHIPPO_WEBHOOK_SECRET"`
	BaseURL       string        `envconfig:"PANTRY_SHIPPO_BASE_URL" default:"https://api.goshippo.com"`
	Timeout       time.Duration `envconfig:"PANTRY_SHIPPO_TIMEOUT" default:"30s"`

	FromName       string `envconfig:"PANTRY_SHIPPO_FROM_NAME"`
	FromStreet1    string `envconfig:"PANTRY_SHIPPO_FROM_STREET1"`
	FromCity       string `envconfig:"PANTRY_SHIPPO_FROM_CITY"`
	FromState      string `envconfig:"PANTRY_SHIPPO_FROM_STATE"`
	FromPostalCode string `envconfig:"PANTRY_SHIPPO_FROM_ZIP"`
	FromCountry    string `envconfig:"PANTRY_SHIPPO_FROM_COUNTRY" default:"US"`
	FromPhone      string `envconfig:"PANTRY_SHIPPO_FROM_PHONE"`

	ParcelLengthIn string `envconfig:"PANTRY_SHIPPO_PARCEL_LENGTH" default:"10"`
	ParcelWidthIn  string `envconfig:"PANTRY_SHIPPO_PARCEL_WIDTH" default:"8"`
	ParcelHeightIn string `envconfig:"PANTRY_SHIPPO_PARCEL_HEIGHT" default:"6"`
	ParcelWeightLb string `envconfig:"PANTRY_SHIPPO_PARCEL_WEIGHT" default:"3"`
}

type SendgridConfig struct {
	APIKey      string `envconfig:"PANTRY_SENDGRID_API_KEY"`
	DefaultFrom string `envconfig:"PANTRY_SENDGRID_FROM_EMAIL"`
	AdminEmail  string `envconfig:"PANTRY_SENDGRID_ADMIN_EMAIL"`
}

type QueueConfig struct {
	WebhookMaxRetries     int             `envconfig:"PANTRY_QUEUE_WEBHOOK_MAX_RETRIES" default:"4"`
	EmailMaxRetries       int             `envconfig:"PANTRY_QUEUE_EMAIL_MAX_RETRIES" default:"3"`
	MaxConcurrentWebhooks int             `envconfig:"PANTRY_QUEUE_MAX_CONCURRENT_WEBHOOKS" default:"3"`
	RetryDelays           []time.Duration `envconfig:"PANTRY_QUEUE_RETRY_DELAYS" default:"5s,20s,90s,300s"`
	EmailRetryDelay       time.Duration   `envconfig:"PANTRY_QUEUE_EMAIL_RETRY_DELAY" default:"30s"`
	EmailRateLimitDelay   time.Duration   `envconfig:"PANTRY_QUEUE_EMAIL_RATE_LIMIT_DELAY" default:"60s"`
	EmailMinSpacing       time.Duration   `envconfig:"PANTRY_QUEUE_EMAIL_MIN_SPACING" default:"2s"`
	CapacityDeferral      time.Duration   `envconfig:"PANTRY_QUEUE_CAPACITY_DEFERRAL" default:"2s"`
	PollInterval          time.Duration   `envconfig:"PANTRY_QUEUE_POLL_INTERVAL" default:"250ms"`
	ProcessTimeout        time.Duration   `envconfig:"PANTRY_QUEUE_PROCESS_TIMEOUT" default:"120s"`
	InlineTimeout         time.Duration   `envconfig:"PANTRY_QUEUE_INLINE_TIMEOUT" default:"10s"`
	BypassEmailRateLimit  bool            `envconfig:"PANTRY_QUEUE_BYPASS_EMAIL_RATE_LIMIT" default:"false"`
}

type LabelConfig struct {
	MaxAttempts  int           `envconfig:"PANTRY_LABEL_MAX_ATTEMPTS" default:"4"`
	BaseDelay    time.Duration `envconfig:"PANTRY_LABEL_BASE_DELAY" default:"1s"`
	Multiplier   float64       `envconfig:"PANTRY_LABEL_BACKOFF_MULTIPLIER" default:"2"`
	MaxDelay     time.Duration `envconfig:"PANTRY_LABEL_MAX_DELAY" default:"30s"`
	PollInterval time.Duration `envconfig:"PANTRY_LABEL_POLL_INTERVAL" default:"500ms"`
	LockTTL      time.Duration `envconfig:"PANTRY_LABEL_LOCK_TTL" default:"2m"`
	// AttemptCeiling caps carrier calls recorded on an order across all runs
	// before recovery and the cron sweep stop picking it up.
	AttemptCeiling int `envconfig:"PANTRY_LABEL_ATTEMPT_CEILING" default:"12"`
}

type IdempotencyConfig struct {
	WebhookTTL time.Duration `envconfig:"PANTRY_WEBHOOK_IDEMPOTENCY_TTL" default:"72h"`
}

type PubSubConfig struct {
	ProjectID        string `envconfig:"PANTRY_GCP_PROJECT_ID"`
	OrderEventsTopic string `envconfig:"PANTRY_PUBSUB_ORDER_EVENTS_TOPIC"`

	CredentialsJSON        string `envconfig:"PANTRY_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PANTRY_GOOGLE_APPLICATION_CREDENTIALS"`
}

// Enabled reports whether order lifecycle events should be published.
func (p PubSubConfig) Enabled() bool {
	return strings.TrimSpace(p.ProjectID) != "" && strings.TrimSpace(p.OrderEventsTopic) != ""
}

type AlertsConfig struct {
	FailureThreshold int           `envconfig:"PANTRY_ALERT_FAILURE_THRESHOLD" default:"5"`
	Window           time.Duration `envconfig:"PANTRY_ALERT_WINDOW" default:"10m"`
	Cooldown         time.Duration `envconfig:"PANTRY_ALERT_COOLDOWN" default:"30m"`
}

type AdminConfig struct {
	JWTSecret       string        `envconfig:"PANTRY_ADMIN_JWT_SECRET"`
	JWTIssuer       string        `envconfig:"PANTRY_ADMIN_JWT_ISSUER" default:"pantry-backend"`
	TokenTTL        time.Duration `envconfig:"PANTRY_ADMIN_TOKEN_TTL" default:"12h"`
	RateLimitPerIP  int           `envconfig:"PANTRY_ADMIN_RATE_LIMIT" default:"60"`
	RateLimitWindow time.Duration `envconfig:"PANTRY_ADMIN_RATE_LIMIT_WINDOW" default:"1m"`
}

// LoadAdmin reads only the admin token settings, for tools that mint tokens
// without the database or Redis settings present.
func LoadAdmin() (AdminConfig, error) {
	var admin AdminConfig
	if err := envconfig.Process(EnvPrefix, &admin); err != nil {
		return AdminConfig{}, fmt.Errorf("parsing admin config: %w", err)
	}
	return admin, nil
}

// Enabled reports whether the admin surface can authenticate callers.
func (a AdminConfig) Enabled() bool {
	return strings.TrimSpace(a.JWTSecret) != ""
}

type CronConfig struct {
	Interval             time.Duration `envconfig:"PANTRY_CRON_INTERVAL" default:"15m"`
	LockTTL              time.Duration `envconfig:"PANTRY_CRON_LOCK_TTL" default:"10m"`
	JobTimeout           time.Duration `envconfig:"PANTRY_CRON_JOB_TIMEOUT" default:"5m"`
	DeadLetterRetention  time.Duration `envconfig:"PANTRY_CRON_DEAD_LETTER_RETENTION" default:"720h"`
	DeadLetterPruneEvery time.Duration `envconfig:"PANTRY_CRON_DEAD_LETTER_PRUNE_EVERY" default:"24h"`
	LabelSweepGrace      time.Duration `envconfig:"PANTRY_CRON_LABEL_SWEEP_GRACE" default:"10m"`
	LabelSweepBatch      int           `envconfig:"PANTRY_CRON_LABEL_SWEEP_BATCH" default:"25"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	q := u.Query()
	if db.LegacySSLMode != "" {
		q.Set("sslmode", db.LegacySSLMode)
	}
	if db.ConnectTimeout > 0 {
		q.Set("connect_timeout", fmt.Sprintf("%d", int(db.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()

	db.DSN = u.String()
	return nil
}
