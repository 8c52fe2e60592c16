package config

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"

	"github.com/jbweber/homelab/remu/internal/migrations"
	_ "modernc.org/sqlite"
)

// ErrInvalid is returned when the configuration is missing required keys or holds bad values
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for a remu process
type Config struct {
	Listen              ListenConfig     `yaml:"listen"`
	RPCKey              string           `yaml:"rpc_key" validate:"nonzero"`
	PollIntervalSeconds int              `yaml:"poll_interval_seconds" validate:"min=1"`
	RecycleDelaySeconds int              `yaml:"recycle_delay_seconds" validate:"min=0"`
	Limits              LimitsConfig     `yaml:"limits"`
	StrictTelemetry     bool             `yaml:"strict_telemetry"`
	TemplatesDir        string           `yaml:"templates_dir" validate:"nonzero"`
	Database            DatabaseConfig   `yaml:"database"`
	Hypervisor          HypervisorConfig `yaml:"hypervisor"`
	Nginx               NginxConfig      `yaml:"nginx"`
	NATS                NATSConfig       `yaml:"nats"`
	RPC                 RPCConfig        `yaml:"rpc"`
	PasswordLength      int              `yaml:"password_length" validate:"min=1,max=64"`
	LogLevel            string           `yaml:"log_level" validate:"nonzero"`
	Prewarm             bool             `yaml:"prewarm"`
	Nodes               []NodeConfig     `yaml:"nodes"`
	Workshops           []WorkshopConfig `yaml:"workshops"`
}

// ListenConfig is the address the node serves RPC and the admin API on
type ListenConfig struct {
	Address string `yaml:"address" validate:"nonzero"`
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
}

// LimitsConfig holds the per-node usage ceilings in percent
type LimitsConfig struct {
	CPU    float64 `yaml:"cpu" validate:"min=0,max=100"`
	Memory float64 `yaml:"mem" validate:"min=0,max=100"`
	Disk   float64 `yaml:"disk" validate:"min=0,max=100"`
}

// DatabaseConfig locates the SQLite database
type DatabaseConfig struct {
	Path         string   `yaml:"path" validate:"nonzero"`
	MaxOpenConns int      `yaml:"max_open_conns" validate:"min=1"`
	Pragmas      []string `yaml:"pragmas"`
}

// HypervisorConfig selects and configures the hypervisor driver
type HypervisorConfig struct {
	Driver     string `yaml:"driver" validate:"regexp=^(vboxmanage|sim)$"`
	VBoxManage string `yaml:"vboxmanage"`
	SimPath    string `yaml:"sim_path"`
}

// NginxConfig configures the reverse-proxy mapping writer
type NginxConfig struct {
	ConfigDir     string   `yaml:"config_dir"`
	ReloadCommand []string `yaml:"reload_command"`
	Node          string   `yaml:"node"`
	NodePort      int      `yaml:"node_port" validate:"min=0,max=65535"`
}

// NATSConfig enables mapping events on a NATS server when URL is set
type NATSConfig struct {
	URL string `yaml:"url"`
}

// RPCConfig tunes the outbound RPC client
type RPCConfig struct {
	TimeoutSeconds          int `yaml:"timeout_seconds" validate:"min=1"`
	LifecycleTimeoutSeconds int `yaml:"lifecycle_timeout_seconds" validate:"min=1"`
	Workers                 int `yaml:"workers" validate:"min=1"`
}

// NodeConfig is a remote node registered at scheduler startup
type NodeConfig struct {
	Address string `yaml:"address" validate:"nonzero"`
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
}

// WorkshopConfig seeds a workshop record at scheduler startup
type WorkshopConfig struct {
	Name         string `yaml:"name" validate:"nonzero"`
	Label        string `yaml:"label"`
	Description  string `yaml:"description"`
	MinInstances int    `yaml:"min_instances" validate:"min=0"`
	MaxInstances int    `yaml:"max_instances" validate:"min=0"`
	Enabled      bool   `yaml:"enabled"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: "0.0.0.0",
			Port:    8081,
		},
		PollIntervalSeconds: 10,
		RecycleDelaySeconds: 300,
		Limits: LimitsConfig{
			CPU:    90,
			Memory: 90,
			Disk:   90,
		},
		TemplatesDir: "~/remu/templates",
		Database: DatabaseConfig{
			Path:         "~/remu/data/remu.db",
			MaxOpenConns: 8,
		},
		Hypervisor: HypervisorConfig{
			Driver:     "vboxmanage",
			VBoxManage: "VBoxManage",
			SimPath:    "~/remu/data/sim",
		},
		Nginx: NginxConfig{
			ReloadCommand: []string{"service", "nginx", "reload"},
		},
		RPC: RPCConfig{
			TimeoutSeconds:          5,
			LifecycleTimeoutSeconds: 600,
			Workers:                 8,
		},
		PasswordLength: 6,
		LogLevel:       "info",
	}
}

// ValidationError is returned when a configuration fails to pass validation
type ValidationError struct {
	errorMap validator.ErrorMap
}

// ErrForField returns the validation error for the given field
func (e ValidationError) ErrForField(name string) error {
	return e.errorMap[name]
}

// Error returns the error string from a ValidationError
func (e ValidationError) Error() string {
	var w bytes.Buffer

	fields := make([]string, 0, len(e.errorMap))
	for f := range e.errorMap {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	fmt.Fprintf(&w, "validation failed")
	for _, f := range fields {
		fmt.Fprintf(&w, "\n   %s: %v", f, e.errorMap[f])
	}

	return w.String()
}

// Load reads the given YAML files in order over the defaults and validates the result
func Load(configFiles ...string) (*Config, error) {
	cfg := NewConfig()
	for _, fname := range configFiles {
		data, err := os.ReadFile(expandPath(fname))
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", fname, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrInvalid, fname, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.Validate(c); err != nil {
		var errorMap validator.ErrorMap
		if errors.As(err, &errorMap) {
			return fmt.Errorf("%w: %w", ErrInvalid, ValidationError{errorMap: errorMap})
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalid, err)
	}
	for _, w := range c.Workshops {
		if w.MaxInstances < w.MinInstances {
			return fmt.Errorf("%w: workshop %s: max_instances below min_instances", ErrInvalid, w.Name)
		}
	}
	if c.Hypervisor.Driver == "vboxmanage" && c.Hypervisor.VBoxManage == "" {
		return fmt.Errorf("%w: hypervisor.vboxmanage is required for the vboxmanage driver", ErrInvalid)
	}
	if c.Hypervisor.Driver == "sim" && c.Hypervisor.SimPath == "" {
		return fmt.Errorf("%w: hypervisor.sim_path is required for the sim driver", ErrInvalid)
	}
	return nil
}

// PollInterval returns the recycling loop period
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RecycleDelay returns how long a session must stay idle before it is recycled
func (c *Config) RecycleDelay() time.Duration {
	return time.Duration(c.RecycleDelaySeconds) * time.Second
}

// RPCTimeout returns the per-call timeout of the RPC client
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPC.TimeoutSeconds) * time.Second
}

// LifecycleTimeout bounds remote clone, start, stop, restore and remove calls
func (c *Config) LifecycleTimeout() time.Duration {
	return time.Duration(c.RPC.LifecycleTimeoutSeconds) * time.Second
}

// Level returns the parsed log level
func (c *Config) Level() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// ListenAddr returns host:port for the HTTP listener
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

// TemplatesPath returns the expanded templates directory
func (c *Config) TemplatesPath() string {
	return expandPath(c.TemplatesDir)
}

// SimPath returns the expanded simulator store directory
func (c *Config) SimPath() string {
	return expandPath(c.Hypervisor.SimPath)
}

// InitializeDatabase opens the database and applies pending migrations
func (c *Config) InitializeDatabase() (*sql.DB, error) {
	db, err := c.OpenDatabase()
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// OpenDatabase creates and configures the database connection without
// touching the schema
func (c *Config) OpenDatabase() (*sql.DB, error) {
	dbPath := expandPath(c.Database.Path)

	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tuneConnectionPool(db, c.Database)

	if err := applyPragmas(db, c.Database.Pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	return db, nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(homeDir, path[2:])
}

func runMigrations(db *sql.DB) error {
	return migrations.NewDefaultMigrator(db).RunMigrations()
}
