package config

const (
	EnvPrefix = "PANTRY"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "PANTRY_APP_ENV"
	EnvPort     = "PANTRY_APP_PORT"
	EnvDBDSN    = "PANTRY_DB_DSN"
	EnvDBHost   = "PANTRY_DB_HOST"
	EnvDBUser   = "PANTRY_DB_USER"
	EnvDBName   = "PANTRY_DB_NAME"
	EnvRedisURL = "PANTRY_REDIS_URL"

	EnvPlatformPort = "PORT"
	EnvInstanceID   = "PANTRY_INSTANCE_ID"

	EnvQueueRetryDelays = "PANTRY_QUEUE_RETRY_DELAYS"
	EnvLabelMaxAttempts = "PANTRY_LABEL_MAX_ATTEMPTS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
