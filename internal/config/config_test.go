package config

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestNewConfig(t *testing.T) {
	config := NewConfig()

	assert.Equal(t, "~/remu/data/remu.db", config.Database.Path)
	assert.Equal(t, 8081, config.Listen.Port)
	assert.Equal(t, 10*time.Second, config.PollInterval())
	assert.Equal(t, 5*time.Minute, config.RecycleDelay())
	assert.Equal(t, 5*time.Second, config.RPCTimeout())
	assert.Equal(t, 10*time.Minute, config.LifecycleTimeout())
	assert.Equal(t, 6, config.PasswordLength)
	assert.Equal(t, log.InfoLevel, config.Level())
	assert.Equal(t, []string{"service", "nginx", "reload"}, config.Nginx.ReloadCommand)
}

func TestNewConfig_FailsValidationWithoutKey(t *testing.T) {
	err := NewConfig().Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)

	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Error(t, verr.ErrForField("RPCKey"))
	assert.Contains(t, verr.Error(), "RPCKey")
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: 127.0.0.1
  port: 9000
rpc_key: cw_0x689RpI-jtRR7oE8h_eQsKImvJapLeSbXpwF4e4=
poll_interval_seconds: 2
recycle_delay_seconds: 30
limits:
  cpu: 80
  mem: 75
  disk: 95
strict_telemetry: true
templates_dir: /srv/templates
hypervisor:
  driver: sim
  sim_path: /tmp/sim
nodes:
  - address: 10.0.0.2
    port: 8081
workshops:
  - name: Net101
    min_instances: 1
    max_instances: 2
    enabled: true
log_level: debug
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", config.ListenAddr())
	assert.Equal(t, 2*time.Second, config.PollInterval())
	assert.Equal(t, 30*time.Second, config.RecycleDelay())
	assert.InDelta(t, 75, config.Limits.Memory, 0.001)
	assert.True(t, config.StrictTelemetry)
	assert.Equal(t, "sim", config.Hypervisor.Driver)
	assert.Equal(t, "/tmp/sim", config.SimPath())
	assert.Equal(t, "/srv/templates", config.TemplatesPath())
	require.Len(t, config.Nodes, 1)
	assert.Equal(t, "10.0.0.2", config.Nodes[0].Address)
	require.Len(t, config.Workshops, 1)
	assert.Equal(t, 2, config.Workshops[0].MaxInstances)
	assert.Equal(t, log.DebugLevel, config.Level())

	// Defaults survive keys that were not set
	assert.Equal(t, 6, config.PasswordLength)
	assert.Equal(t, 8, config.RPC.Workers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad driver", "rpc_key: k\nhypervisor:\n  driver: xen\n"},
		{"limit above 100", "rpc_key: k\nlimits:\n  mem: 120\n"},
		{"zero poll interval", "rpc_key: k\npoll_interval_seconds: 0\n"},
		{"bad log level", "rpc_key: k\nlog_level: loud\n"},
		{"workshop bounds", "rpc_key: k\nworkshops:\n  - name: a\n    min_instances: 3\n    max_instances: 1\n"},
		{"malformed yaml", "rpc_key: [k\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_expandPath_WithTilde(t *testing.T) {
	expanded := expandPath("~/test/path")

	assert.False(t, strings.HasPrefix(expanded, "~/"))
	assert.True(t, strings.HasSuffix(expanded, "test/path"))
}

func TestConfig_expandPath_WithoutTilde(t *testing.T) {
	assert.Equal(t, "/absolute/path", expandPath("/absolute/path"))
	assert.Equal(t, "relative/path", expandPath("relative/path"))
}

func TestConfig_InitializeDatabase_Success(t *testing.T) {
	config := NewConfig()
	config.Database.Path = filepath.Join(t.TempDir(), "test.db")

	db, err := config.InitializeDatabase()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Ping())

	var fkEnabled bool
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled))
	assert.True(t, fkEnabled)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='sessions'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestConfig_OpenDatabase_LeavesSchemaAlone(t *testing.T) {
	config := NewConfig()
	config.Database.Path = filepath.Join(t.TempDir(), "test.db")

	db, err := config.OpenDatabase()
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table'").Scan(&count))
	assert.Zero(t, count)

	var fkEnabled bool
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled))
	assert.True(t, fkEnabled)
}

func TestConfig_InitializeDatabase_DirectoryCreation(t *testing.T) {
	config := NewConfig()
	config.Database.Path = filepath.Join(t.TempDir(), "nested", "path", "test.db")

	db, err := config.InitializeDatabase()
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Dir(config.Database.Path))
	assert.NoError(t, err)
}

func TestConfig_InitializeDatabase_InvalidPath(t *testing.T) {
	config := NewConfig()

	// A regular file cannot act as the parent directory
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0600))
	config.Database.Path = filepath.Join(parent, "remu.db")

	db, err := config.InitializeDatabase()
	if err == nil {
		db.Close()
		t.Fatal("Expected error for invalid path")
	}
	assert.Contains(t, err.Error(), "failed to create database directory")
}

func TestRunMigrations_DatabaseError(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.Close()

	assert.Error(t, runMigrations(db))
}

func TestConfig_InitializeDatabase_Pragmas(t *testing.T) {
	config := NewConfig()
	config.Database.Path = filepath.Join(t.TempDir(), "test.db")
	config.Database.Pragmas = []string{"PRAGMA cache_size = 2000"}

	db, err := config.InitializeDatabase()
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))
	assert.Equal(t, 8, db.Stats().MaxOpenConnections)
}

func TestConfig_InitializeDatabase_BadPragma(t *testing.T) {
	config := NewConfig()
	config.Database.Path = filepath.Join(t.TempDir(), "test.db")
	config.Database.Pragmas = []string{"PRAGMA nonsense syntax here"}

	_, err := config.InitializeDatabase()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply pragmas")
}
