package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/manpreetbhatti/lattice/pairsync/internal/logger"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string
	// DBDriver is "sqlite" or "postgres".
	DBDriver string
	// DBDSN is the SQLite file path or the PostgreSQL connection string.
	DBDSN string
	// RedisAddr enables the cross-instance relay when set.
	RedisAddr string
	// JWTSecret enables token verification when set. Without it the server
	// trusts the user named in the request.
	JWTSecret          string
	RoomIdleTimeout    time.Duration
	CompactionInterval time.Duration
	AwarenessTimeout   time.Duration
	// KeepAutoRecords bounds the auto-close records kept per room; 0 keeps
	// all of them.
	KeepAutoRecords int
	LogLevel        logger.Level
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr      *string
	DBDriver  *string
	DBDSN     *string
	RedisAddr *string
	JWTSecret *string
	LogLevel  *string
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := 8080
	if portStr := os.Getenv("PORT"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", portStr)
		}
		port = p
	}
	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	driver := pick(overrides.DBDriver, "PAIRSYNC_DB_DRIVER", "sqlite")
	var dsn string
	switch driver {
	case "sqlite":
		dsn = pick(overrides.DBDSN, "PAIRSYNC_DB_PATH", "./data/pairsync.db")
	case "postgres":
		dsn = pick(overrides.DBDSN, "DB_DSN", "")
		if dsn == "" {
			return nil, fmt.Errorf("DB_DSN environment variable is required for the postgres driver")
		}
	default:
		return nil, fmt.Errorf("invalid PAIRSYNC_DB_DRIVER %q (want sqlite or postgres)", driver)
	}

	idle, err := duration("ROOM_IDLE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	compaction, err := duration("COMPACTION_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	awareness, err := duration("AWARENESS_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	if idle <= 0 || compaction <= 0 || awareness < 0 {
		return nil, fmt.Errorf("timeouts must be positive (AWARENESS_TIMEOUT may be 0 to disable)")
	}

	keepAuto := 20
	if s := os.Getenv("PAIRSYNC_KEEP_AUTO_RECORDS"); s != "" {
		keepAuto, err = strconv.Atoi(s)
		if err != nil || keepAuto < 0 {
			return nil, fmt.Errorf("invalid PAIRSYNC_KEEP_AUTO_RECORDS %q", s)
		}
	}

	level, err := logger.ParseLevel(pick(overrides.LogLevel, "LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Addr:               addr,
		DBDriver:           driver,
		DBDSN:              dsn,
		RedisAddr:          pick(overrides.RedisAddr, "REDIS_ADDR", ""),
		JWTSecret:          pick(overrides.JWTSecret, "JWT_SECRET", ""),
		RoomIdleTimeout:    idle,
		CompactionInterval: compaction,
		AwarenessTimeout:   awareness,
		KeepAutoRecords:    keepAuto,
		LogLevel:           level,
	}, nil
}

func pick(override *string, env, def string) string {
	if override != nil {
		return *override
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func duration(env string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(env)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", env, s, err)
	}
	return d, nil
}
