package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatch simulator and dashboard.
type Config struct {
	Server     ServerConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Simulation SimulationConfig
}

// ServerConfig holds HTTP server settings for the dashboard read-side.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds connection settings for the backing store.
// The store is CockroachDB in the reference deployment, reached over the
// Postgres wire protocol; plain PostgreSQL works for local development.
type PostgresConfig struct {
	Host             string        `mapstructure:"POSTGRES_HOST"`
	Port             int           `mapstructure:"POSTGRES_PORT"`
	User             string        `mapstructure:"POSTGRES_USER"`
	Password         string        `mapstructure:"POSTGRES_PASSWORD"`
	DBName           string        `mapstructure:"POSTGRES_DB"`
	SSLMode          string        `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns         int32         `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns         int32         `mapstructure:"POSTGRES_MIN_CONNS"`
	StatementTimeout time.Duration `mapstructure:"PG_STATEMENT_TIMEOUT"`
}

// RedisConfig holds Redis connection settings. Redis carries the shared
// busy-driver set and the metrics throughput baseline.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// SimulationConfig holds the replay and matching knobs.
type SimulationConfig struct {
	// MaxConcurrency bounds the replay worker pool.
	MaxConcurrency int `mapstructure:"MAX_CONCURRENCY"`

	// MaxWait is how long a ride may sit in REQUESTED before it expires.
	MaxWait time.Duration `mapstructure:"MAX_WAIT_SECONDS"`

	// Speedup divides the seed trip's real duration to get the simulated
	// EN_ROUTE sleep.
	Speedup float64 `mapstructure:"SIMULATION_SPEEDUP"`

	// MinSimDuration is the floor for the simulated EN_ROUTE sleep.
	MinSimDuration time.Duration `mapstructure:"MIN_SIM_DURATION_SEC"`

	// MaxNearestDrivers is the top-K cut after proximity ranking.
	MaxNearestDrivers int `mapstructure:"MAX_NEAREST_DRIVERS"`

	// TxnMaxRetries caps serializable-conflict retries in the gateway.
	TxnMaxRetries int `mapstructure:"TXN_MAX_RETRIES"`

	// RideLimit is how many seeds a `simulate` run replays.
	RideLimit int `mapstructure:"RIDE_LIMIT"`

	// SeedRows / DriverCount size the synthetic load step.
	SeedRows    int `mapstructure:"SEED_ROWS"`
	DriverCount int `mapstructure:"DRIVER_COUNT"`
}

// DSN returns the store connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 5050)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 26257)
	viper.SetDefault("POSTGRES_USER", "root")
	viper.SetDefault("POSTGRES_PASSWORD", "")
	viper.SetDefault("POSTGRES_DB", "rideshare")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 250)
	viper.SetDefault("POSTGRES_MIN_CONNS", 10)
	viper.SetDefault("PG_STATEMENT_TIMEOUT", "0")

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("MAX_CONCURRENCY", 200)
	viper.SetDefault("MAX_WAIT_SECONDS", 300)
	viper.SetDefault("SIMULATION_SPEEDUP", 30.0)
	viper.SetDefault("MIN_SIM_DURATION_SEC", 3)
	viper.SetDefault("MAX_NEAREST_DRIVERS", 5)
	viper.SetDefault("TXN_MAX_RETRIES", 5)
	viper.SetDefault("RIDE_LIMIT", 60)
	viper.SetDefault("SEED_ROWS", 100)
	viper.SetDefault("DRIVER_COUNT", 10)

	// Try to read .env. If it doesn't exist (e.g. inside Docker), env vars
	// injected by the runtime are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	cfg.Postgres = PostgresConfig{
		Host:             viper.GetString("POSTGRES_HOST"),
		Port:             viper.GetInt("POSTGRES_PORT"),
		User:             viper.GetString("POSTGRES_USER"),
		Password:         viper.GetString("POSTGRES_PASSWORD"),
		DBName:           viper.GetString("POSTGRES_DB"),
		SSLMode:          viper.GetString("POSTGRES_SSLMODE"),
		MaxConns:         viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns:         viper.GetInt32("POSTGRES_MIN_CONNS"),
		StatementTimeout: viper.GetDuration("PG_STATEMENT_TIMEOUT"),
	}

	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	cfg.Simulation = SimulationConfig{
		MaxConcurrency:    viper.GetInt("MAX_CONCURRENCY"),
		MaxWait:           time.Duration(viper.GetInt("MAX_WAIT_SECONDS")) * time.Second,
		Speedup:           viper.GetFloat64("SIMULATION_SPEEDUP"),
		MinSimDuration:    time.Duration(viper.GetInt("MIN_SIM_DURATION_SEC")) * time.Second,
		MaxNearestDrivers: viper.GetInt("MAX_NEAREST_DRIVERS"),
		TxnMaxRetries:     viper.GetInt("TXN_MAX_RETRIES"),
		RideLimit:         viper.GetInt("RIDE_LIMIT"),
		SeedRows:          viper.GetInt("SEED_ROWS"),
		DriverCount:       viper.GetInt("DRIVER_COUNT"),
	}

	if cfg.Simulation.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("config: MAX_CONCURRENCY must be positive, got %d", cfg.Simulation.MaxConcurrency)
	}
	if cfg.Simulation.Speedup <= 0 {
		return nil, fmt.Errorf("config: SIMULATION_SPEEDUP must be positive, got %v", cfg.Simulation.Speedup)
	}

	return cfg, nil
}
