// Package config loads service configuration from the environment.
package config

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	ErrInvalidDriver      = stderrors.New("invalid database driver")
	ErrInvalidPort        = stderrors.New("invalid port")
	ErrMissingJWTSecret   = stderrors.New("jwt secret is required")
	ErrMissingSQLitePath  = stderrors.New("sqlite path is required")
	ErrMissingManagerRole = stderrors.New("at least one manager role is required")
)

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig   `envPrefix:"SERVICE_"`
	Server    ServerConfig    `envPrefix:"SERVER_"`
	Database  DatabaseConfig  `envPrefix:"DB_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Auth      AuthConfig      `envPrefix:"AUTH_"`
	Telemetry TelemetryConfig `envPrefix:"OTEL_"`
	Workflow  WorkflowConfig  `envPrefix:"WORKFLOW_"`
	LogLevel  string          `env:"LOG_LEVEL" envDefault:"info"`
}

type ServiceConfig struct {
	Name        string `env:"NAME" envDefault:"be-lims-workflow"`
	Version     string `env:"VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8086"`
	GRPCPort        int           `env:"GRPC_PORT" envDefault:"9086"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

type DatabaseConfig struct {
	Driver      string        `env:"DRIVER" envDefault:"postgres"`
	URL         string        `env:"URL"`
	Host        string        `env:"HOST" envDefault:"localhost"`
	Port        int           `env:"PORT" envDefault:"5432"`
	User        string        `env:"USER" envDefault:"postgres"`
	Password    string        `env:"PASSWORD"`
	Database    string        `env:"NAME" envDefault:"lims_workflow"`
	SSLMode     string        `env:"SSL_MODE" envDefault:"disable"`
	MaxConns    int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConnTime time.Duration `env:"MAX_CONN_TIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"MAX_IDLE_TIME" envDefault:"30m"`
	HealthCheck time.Duration `env:"HEALTH_CHECK" envDefault:"1m"`
	SQLitePath  string        `env:"SQLITE_PATH" envDefault:"lims_workflow.db"`
}

// RedisConfig configures the idempotency store. An empty Addr disables it.
type RedisConfig struct {
	Addr           string        `env:"ADDR"`
	Password       string        `env:"PASSWORD"`
	DB             int           `env:"DB" envDefault:"0"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	Issuer    string `env:"JWT_ISSUER"`
}

// TelemetryConfig enables trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint string `env:"EXPORTER_OTLP_ENDPOINT"`
}

type WorkflowConfig struct {
	AdminRole    string   `env:"ADMIN_ROLE" envDefault:"admin"`
	ManagerRoles []string `env:"MANAGER_ROLES" envSeparator:"," envDefault:"admin,manager,dept_manager,sales_manager,lab_director"`
	FlowSeedFile string   `env:"FLOW_SEED_FILE"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return ErrMissingSQLitePath
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: http %d", ErrInvalidPort, c.Server.Port)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("%w: grpc %d", ErrInvalidPort, c.Server.GRPCPort)
	}
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if len(c.Workflow.ManagerRoles) == 0 {
		return ErrMissingManagerRole
	}
	return nil
}
