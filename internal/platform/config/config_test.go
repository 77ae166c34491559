package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-lims-workflow", cfg.Service.Name)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "admin", cfg.Workflow.AdminRole)
	assert.Equal(t,
		[]string{"admin", "manager", "dept_manager", "sales_manager", "lab_director"},
		cfg.Workflow.ManagerRoles,
	)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_SQLITE_PATH", "/tmp/wf.db")
	t.Setenv("WORKFLOW_MANAGER_ROLES", "lead,head")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_IDEMPOTENCY_TTL", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/wf.db", cfg.Database.SQLitePath)
	assert.Equal(t, []string{"lead", "head"}, cfg.Workflow.ManagerRoles)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, time.Hour, cfg.Redis.IdempotencyTTL)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")

	_, err := Load()
	assert.ErrorIs(t, err, ErrMissingJWTSecret)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{Port: 8080, GRPCPort: 9090},
			Database: DatabaseConfig{Driver: DriverPostgres},
			Auth:     AuthConfig{JWTSecret: "x"},
			Workflow: WorkflowConfig{ManagerRoles: []string{"manager"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, want: ErrInvalidDriver},
		{name: "sqlite without path", mutate: func(c *Config) {
			c.Database.Driver = DriverSQLite
			c.Database.SQLitePath = ""
		}, want: ErrMissingSQLitePath},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, want: ErrInvalidPort},
		{name: "bad grpc port", mutate: func(c *Config) { c.Server.GRPCPort = 70000 }, want: ErrInvalidPort},
		{name: "no manager roles", mutate: func(c *Config) { c.Workflow.ManagerRoles = nil }, want: ErrMissingManagerRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
