package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything the settrack processes read from the environment.
// One instance is built at process start and handed to the services that need
// slices of it; nothing reads the environment after startup.
type Config struct {
	// Shared stores
	DBDSN     string
	RedisAddr string
	RedisPW   string
	RedisDB   int

	// Worker pool
	WorkerSlots     int
	JobTimeout      time.Duration
	ClaimPollEvery  time.Duration
	LockMaxWait     time.Duration
	LockLease       time.Duration
	BaseBackoff     time.Duration
	ShutdownTimeout time.Duration

	// Scheduler
	SchedulerTick   time.Duration
	IncompleteEvery time.Duration
	DueSweepEvery   time.Duration

	// Rate limiter
	MinSpacing time.Duration
	HourlyCap  int

	// Circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Fetch
	UserAgent    string
	FetchTimeout time.Duration

	// Admin API
	APIListen   string
	CORSOrigins []string

	Env string
}

func Load() Config {
	return Config{
		DBDSN:     Getenv("DB_DSN", "app:app@tcp(127.0.0.1:3306)/settrack?parseTime=true&charset=utf8mb4&loc=UTC"),
		RedisAddr: Getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPW:   Getenv("REDIS_PW", ""),
		RedisDB:   GetenvInt("REDIS_DB", 0),

		WorkerSlots:     GetenvInt("WORKER_SLOTS", 4),
		JobTimeout:      GetenvDuration("JOB_TIMEOUT", 2*time.Minute),
		ClaimPollEvery:  GetenvDuration("CLAIM_POLL_EVERY", 1*time.Second),
		LockMaxWait:     GetenvDuration("SOURCE_LOCK_MAX_WAIT", 30*time.Second),
		LockLease:       GetenvDuration("SOURCE_LOCK_LEASE", 5*time.Minute),
		BaseBackoff:     GetenvDuration("RETRY_BASE_BACKOFF", 5*time.Second),
		ShutdownTimeout: GetenvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		SchedulerTick:   GetenvDuration("SCHEDULER_TICK", 1*time.Hour),
		IncompleteEvery: GetenvDuration("SCHEDULER_INCOMPLETE_EVERY", 6*time.Hour),
		DueSweepEvery:   GetenvDuration("SCHEDULER_DUE_SWEEP_EVERY", 24*time.Hour),

		MinSpacing: GetenvDuration("RATE_MIN_SPACING", 3*time.Second),
		HourlyCap:  GetenvInt("RATE_HOURLY_CAP", 300),

		BreakerThreshold: GetenvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  GetenvDuration("BREAKER_COOLDOWN", 30*time.Minute),

		UserAgent:    Getenv("HTTP_USER_AGENT", "settrack/1.0"),
		FetchTimeout: GetenvDuration("FETCH_TIMEOUT", 25*time.Second),

		APIListen:   Getenv("API_LISTEN", ":8888"),
		CORSOrigins: []string{Getenv("CORS_ORIGIN", "http://localhost:3000")},

		Env: Getenv("APP_ENV", "development"),
	}
}

// Getenv returns the environment variable value if set, otherwise returns defaultValue.
func Getenv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetenvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func GetenvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
