package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	NATSURL    string
	BusSubject string

	ReplayPageSize int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CRIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CRIER_LOG_LEVEL", "info"),
		LogFormat: EnvString("CRIER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CRIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CRIER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CRIER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CRIER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CRIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("CRIER_DATABASE_URL", ""),
		DBSchema:    EnvString("CRIER_DB_SCHEMA", "crier"),
		DBMaxConns:  EnvInt32("CRIER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CRIER_DB_MIN_CONNS", 0),

		NATSURL:    EnvString("CRIER_NATS_URL", ""),
		BusSubject: EnvString("CRIER_BUS_SUBJECT", ""),

		ReplayPageSize: EnvInt("CRIER_REPLAY_PAGE_SIZE", 100),

		ReadinessRequireDB: EnvBool("CRIER_READINESS_REQUIRE_DB", false),
	}
}
