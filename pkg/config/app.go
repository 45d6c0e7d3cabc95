package config

import "time"

// Config holds runtime configuration for the orchestration service.
type Config struct {
	Environment      string
	Addr             string
	DatabaseURL      string
	MigrationsDir    string
	SecretKey        string
	Workdir          string
	GitTimeout       time.Duration
	BuildTimeout     time.Duration
	BuildPollEvery   time.Duration
	InstallTimeout   time.Duration
	DeployingTTL     time.Duration
	SweepEvery       time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	ProviderTimeout  time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	VercelAPIBase    string
	VercelToken      string
	VercelSecret     string
	NetlifyAPIBase   string
	NetlifyToken     string
	NetlifySecret    string
	RenderAPIBase    string
	RenderToken      string
	RenderSecret     string
	GitWebhookSecret string
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("STACKPORT_ADDR", ":4000"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://stackport:stackport@db:5432/stackport?sslmode=disable"),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "./migrations"),
		SecretKey:        GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),
		Workdir:          GetString("BUILD_WORKDIR", "/tmp/stackport"),
		GitTimeout:       GetSeconds("GIT_TIMEOUT_SECONDS", 60),
		BuildTimeout:     GetSeconds("BUILD_TIMEOUT_SECONDS", 600),
		BuildPollEvery:   GetSeconds("BUILD_POLL_SECONDS", 5),
		InstallTimeout:   GetSeconds("INSTALL_TIMEOUT_SECONDS", 300),
		DeployingTTL:     GetSeconds("DEPLOYING_TTL_SECONDS", 1800),
		SweepEvery:       GetSeconds("SWEEP_INTERVAL_SECONDS", 300),
		RetryAttempts:    GetInt("PROVIDER_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:   time.Duration(GetInt("PROVIDER_RETRY_BASE_MS", 500)) * time.Millisecond,
		ProviderTimeout:  GetSeconds("PROVIDER_HTTP_TIMEOUT_SECONDS", 30),
		RedisAddr:        GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RedisPassword:    GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RedisDB:          GetInt("RATE_LIMIT_REDIS_DB", 0),
		VercelAPIBase:    GetString("VERCEL_API_BASE", "https://api.vercel.com"),
		VercelToken:      GetString("VERCEL_TOKEN", ""),
		VercelSecret:     GetString("VERCEL_WEBHOOK_SECRET", ""),
		NetlifyAPIBase:   GetString("NETLIFY_API_BASE", "https://api.netlify.com"),
		NetlifyToken:     GetString("NETLIFY_TOKEN", ""),
		NetlifySecret:    GetString("NETLIFY_WEBHOOK_SECRET", ""),
		RenderAPIBase:    GetString("RENDER_API_BASE", "https://api.render.com"),
		RenderToken:      GetString("RENDER_TOKEN", ""),
		RenderSecret:     GetString("RENDER_WEBHOOK_SECRET", ""),
		GitWebhookSecret: GetString("GIT_WEBHOOK_SECRET", ""),
	}
}
