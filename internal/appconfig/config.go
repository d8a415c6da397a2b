// Package appconfig loads automirror's configuration from an optional TOML
// file followed by environment variables, matching the env var names in the
// runbook (POSTGRES_*, REPLICATOR_*, CLICKHOUSE_*, REDIS_*, ...).
package appconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DatabaseConfig holds connection parameters for a PostgreSQL-wire-protocol endpoint
// (used for both the source database and the replicator's SQL endpoint).
type DatabaseConfig struct {
	Host     string `toml:"host"`
	Port     uint16 `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	DBName   string `toml:"dbname"`
}

// DSN returns a standard PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	return u.String()
}

// ClickHouseConfig holds connection parameters for the verification target.
type ClickHouseConfig struct {
	Addr     string `toml:"addr"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
}

// RedisConfig holds connection parameters for the shared key/value store.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// RetryConfig controls the mirror executor's backoff policy.
type RetryConfig struct {
	MaxRetries int     `toml:"max_retries"`
	Delay      Seconds `toml:"delay"`
	Backoff    float64 `toml:"backoff"`
}

// ReconnectConfig controls the notification listener's reconnect policy.
type ReconnectConfig struct {
	Delay       Seconds `toml:"delay"`
	MaxAttempts int     `toml:"max_attempts"`
}

// LeaderConfig controls leader election timing.
type LeaderConfig struct {
	TTL              Seconds `toml:"ttl"`
	ElectionInterval Seconds `toml:"election_interval"`
	WorkerID         string  `toml:"worker_id"`
}

// BreakerConfig configures one circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold int     `toml:"failure_threshold"`
	SuccessThreshold int     `toml:"success_threshold"`
	Timeout          Seconds `toml:"timeout"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// Seconds is a duration decoded from a plain integer count of seconds, both in
// TOML and in environment variables.
type Seconds time.Duration

func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// UnmarshalTOML decodes a TOML integer or float as a count of seconds.
func (s *Seconds) UnmarshalTOML(v any) error {
	switch n := v.(type) {
	case int64:
		*s = Seconds(time.Duration(n) * time.Second)
	case float64:
		*s = Seconds(time.Duration(n * float64(time.Second)))
	default:
		return fmt.Errorf("seconds: unsupported TOML value %v", v)
	}
	return nil
}

// Config is the top-level configuration for automirror.
type Config struct {
	Postgres       DatabaseConfig   `toml:"postgres"`
	Replicator     DatabaseConfig   `toml:"replicator"`
	ClickHouse     ClickHouseConfig `toml:"clickhouse"`
	Redis          RedisConfig      `toml:"redis"`
	SourcePeerName string           `toml:"source_peer_name"`
	TargetPeerName string           `toml:"target_peer_name"`
	SyncSchemas    []string         `toml:"sync_schemas"`
	ExcludedTables []string         `toml:"excluded_tables"`

	Retry             RetryConfig     `toml:"retry"`
	Reconnect         ReconnectConfig `toml:"reconnect"`
	Leader            LeaderConfig    `toml:"leader"`
	ReplicatorBreaker BreakerConfig   `toml:"replicator_breaker"`
	PostgresBreaker   BreakerConfig   `toml:"postgres_breaker"`

	ConsistencyCheckInterval Seconds `toml:"consistency_check_interval"`
	ReconcileSweepInterval   Seconds `toml:"reconcile_sweep_interval"`

	HealthPort int `toml:"health_port"`

	Logging LoggingConfig `toml:"logging"`
}

// Defaults returns the configuration's zero-config defaults.
func Defaults() Config {
	return Config{
		Postgres:       DatabaseConfig{Host: "localhost", Port: 5432, User: "postgres", DBName: "postgres"},
		Replicator:     DatabaseConfig{Host: "localhost", Port: 9900, User: "postgres", DBName: "postgres"},
		ClickHouse:     ClickHouseConfig{Addr: "localhost:9000", Database: "default"},
		Redis:          RedisConfig{Addr: "localhost:6379"},
		SourcePeerName: "source_pg",
		TargetPeerName: "target_ch",
		SyncSchemas:    []string{"public"},
		ExcludedTables: []string{},
		Retry: RetryConfig{
			MaxRetries: 5,
			Delay:      Seconds(5 * time.Second),
			Backoff:    2.0,
		},
		Reconnect: ReconnectConfig{
			Delay:       Seconds(10 * time.Second),
			MaxAttempts: 10,
		},
		Leader: LeaderConfig{
			TTL:              Seconds(30 * time.Second),
			ElectionInterval: Seconds(10 * time.Second),
		},
		ReplicatorBreaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          Seconds(60 * time.Second),
		},
		PostgresBreaker: BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Timeout:          Seconds(30 * time.Second),
		},
		ConsistencyCheckInterval: Seconds(900 * time.Second),
		ReconcileSweepInterval:   Seconds(0),
		HealthPort:               8080,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads defaults, overlays an optional TOML file, then overlays
// environment variables (which always win), and finally assigns a worker ID
// if none was configured.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Leader.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.Leader.WorkerID = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}

	return cfg, nil
}

func findConfigFile() string {
	if v := os.Getenv("AUTOMIRROR_CONFIG"); v != "" {
		return v
	}
	candidates := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".automirror", "config.toml"))
	}
	candidates = append(candidates, "/etc/automirror/config.toml")
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	envStr("POSTGRES_HOST", &cfg.Postgres.Host)
	envUint16("POSTGRES_PORT", &cfg.Postgres.Port)
	envStr("POSTGRES_USER", &cfg.Postgres.User)
	envStr("POSTGRES_PASSWORD", &cfg.Postgres.Password)
	envStr("POSTGRES_DB", &cfg.Postgres.DBName)

	envStr("REPLICATOR_HOST", &cfg.Replicator.Host)
	envUint16("REPLICATOR_PORT", &cfg.Replicator.Port)
	envStr("REPLICATOR_USER", &cfg.Replicator.User)
	envStr("REPLICATOR_PASSWORD", &cfg.Replicator.Password)
	envStr("REPLICATOR_DB", &cfg.Replicator.DBName)

	envStr("CLICKHOUSE_ADDR", &cfg.ClickHouse.Addr)
	envStr("CLICKHOUSE_USER", &cfg.ClickHouse.User)
	envStr("CLICKHOUSE_PASSWORD", &cfg.ClickHouse.Password)
	envStr("CLICKHOUSE_DATABASE", &cfg.ClickHouse.Database)

	envStr("REDIS_ADDR", &cfg.Redis.Addr)
	envStr("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)

	envStr("SOURCE_PEER_NAME", &cfg.SourcePeerName)
	envStr("TARGET_PEER_NAME", &cfg.TargetPeerName)

	if v := os.Getenv("SYNC_SCHEMA"); v != "" {
		cfg.SyncSchemas = parseStringSet(v)
	}
	if v := os.Getenv("EXCLUDED_TABLES"); v != "" {
		cfg.ExcludedTables = parseStringSet(v)
	}

	envInt("MAX_RETRIES", &cfg.Retry.MaxRetries)
	envSeconds("RETRY_DELAY", &cfg.Retry.Delay)
	envFloat("RETRY_BACKOFF", &cfg.Retry.Backoff)

	envSeconds("RECONNECT_DELAY", &cfg.Reconnect.Delay)
	envInt("MAX_RECONNECT_ATTEMPTS", &cfg.Reconnect.MaxAttempts)

	envSeconds("LEADER_ELECTION_TTL", &cfg.Leader.TTL)
	envSeconds("LEADER_ELECTION_INTERVAL", &cfg.Leader.ElectionInterval)
	envStr("WORKER_ID", &cfg.Leader.WorkerID)

	envInt("REPLICATOR_FAILURE_THRESHOLD", &cfg.ReplicatorBreaker.FailureThreshold)
	envInt("REPLICATOR_SUCCESS_THRESHOLD", &cfg.ReplicatorBreaker.SuccessThreshold)
	envSeconds("REPLICATOR_TIMEOUT", &cfg.ReplicatorBreaker.Timeout)

	envInt("POSTGRES_FAILURE_THRESHOLD", &cfg.PostgresBreaker.FailureThreshold)
	envInt("POSTGRES_SUCCESS_THRESHOLD", &cfg.PostgresBreaker.SuccessThreshold)
	envSeconds("POSTGRES_TIMEOUT", &cfg.PostgresBreaker.Timeout)

	envSeconds("CONSISTENCY_CHECK_INTERVAL", &cfg.ConsistencyCheckInterval)
	envSeconds("RECONCILE_SWEEP_INTERVAL", &cfg.ReconcileSweepInterval)

	envInt("HEALTH_PORT", &cfg.HealthPort)

	envStr("LOG_LEVEL", &cfg.Logging.Level)
	envStr("LOG_FORMAT", &cfg.Logging.Format)
}

// parseStringSet accepts either a JSON array (`["a","b"]`) or a comma
// separated list (`a,b`), trimming whitespace around each element.
func parseStringSet(v string) []string {
	trimmed := strings.TrimSpace(v)
	if strings.HasPrefix(trimmed, "[") {
		var out []string
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out
		}
	}
	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envUint16(key string, dst *uint16) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			*dst = uint16(n)
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envSeconds(key string, dst *Seconds) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = Seconds(time.Duration(n * float64(time.Second)))
		}
	}
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.Host == "" {
		errs = append(errs, errors.New("postgres host is required"))
	}
	if c.Postgres.DBName == "" {
		errs = append(errs, errors.New("postgres database name is required"))
	}
	if c.Replicator.Host == "" {
		errs = append(errs, errors.New("replicator host is required"))
	}
	if c.SourcePeerName == "" {
		errs = append(errs, errors.New("source peer name is required"))
	}
	if c.TargetPeerName == "" {
		errs = append(errs, errors.New("target peer name is required"))
	}
	if len(c.SyncSchemas) == 0 {
		errs = append(errs, errors.New("at least one sync schema is required"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must be >= 0"))
	}
	return errors.Join(errs...)
}
