// Package config loads crowdgate's configuration from an optional YAML file
// and CROWDGATE_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/crowdgate/internal/claim"
	"github.com/celerix-dev/crowdgate/internal/tables"
)

// Store backends.
const (
	BackendEmbedded = "embedded"
	BackendRemote   = "remote"
	BackendDynamoDB = "dynamodb"
)

// Blob backends.
const (
	BlobMemory = "memory"
	BlobSQLite = "sqlite"
	BlobS3     = "s3"
)

type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Tables TablesConfig `yaml:"tables"`
	Blob   BlobConfig   `yaml:"blob"`
	Claim  ClaimConfig  `yaml:"claim"`
	Task   TaskConfig   `yaml:"task"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Remote daemon.
	Addr       string `yaml:"addr"`
	DisableTLS bool   `yaml:"disable_tls"`
	// Embedded engine.
	DataDir  string        `yaml:"data_dir"`
	IndexLag time.Duration `yaml:"index_lag"`
	// DynamoDB.
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`
}

type TablesConfig struct {
	ACL  string `yaml:"acl"`
	Data string `yaml:"data"`
}

type BlobConfig struct {
	Backend   string `yaml:"backend"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

type ClaimConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	SettleDelay          time.Duration `yaml:"settle_delay"`
	ConfirmOnLastAttempt bool          `yaml:"confirm_on_last_attempt"`
	// OrphanTTL releases claims older than this. Zero disables the reaper.
	OrphanTTL    time.Duration `yaml:"orphan_ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type TaskConfig struct {
	Name          string   `yaml:"name"`
	Batch         string   `yaml:"batch"`
	Scales        []string `yaml:"scales"`
	AssignedScale string   `yaml:"assigned_scale"`
}

type ServerConfig struct {
	TCPPort    string `yaml:"tcp_port"`
	HTTPPort   string `yaml:"http_port"`
	DisableTLS bool   `yaml:"disable_tls"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration of a local embedded deployment.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: BackendEmbedded,
			DataDir: "./data",
		},
		Tables: TablesConfig{ACL: "crowdgate-acl", Data: "crowdgate-data"},
		Blob: BlobConfig{
			Backend: BlobSQLite,
			Path:    "./data/blobs.db",
		},
		Claim: ClaimConfig{
			MaxAttempts:          3,
			SettleDelay:          75 * time.Millisecond,
			ConfirmOnLastAttempt: true,
			ReapInterval:         time.Minute,
		},
		Server: ServerConfig{TCPPort: "7001", HTTPPort: "7002"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads path (if not empty) over the defaults, then applies the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store.Backend = getenv("CROWDGATE_STORE_BACKEND", c.Store.Backend)
	c.Store.Addr = getenv("CROWDGATE_STORE_ADDR", c.Store.Addr)
	c.Store.DisableTLS = getenvBool("CROWDGATE_DISABLE_TLS", c.Store.DisableTLS)
	c.Store.DataDir = getenv("CROWDGATE_DATA_DIR", c.Store.DataDir)
	c.Store.IndexLag = getenvDuration("CROWDGATE_INDEX_LAG", c.Store.IndexLag)
	c.Store.Region = getenv("CROWDGATE_REGION", c.Store.Region)
	c.Store.Endpoint = getenv("CROWDGATE_ENDPOINT", c.Store.Endpoint)
	c.Store.AccessKey = getenv("CROWDGATE_ACCESS_KEY", c.Store.AccessKey)
	c.Store.SecretKey = getenv("CROWDGATE_SECRET_KEY", c.Store.SecretKey)
	c.Store.SessionToken = getenv("CROWDGATE_SESSION_TOKEN", c.Store.SessionToken)

	c.Tables.ACL = getenv("CROWDGATE_TABLE_ACL", c.Tables.ACL)
	c.Tables.Data = getenv("CROWDGATE_TABLE_DATA", c.Tables.Data)

	c.Blob.Backend = getenv("CROWDGATE_BLOB_BACKEND", c.Blob.Backend)
	c.Blob.Endpoint = getenv("CROWDGATE_BLOB_ENDPOINT", c.Blob.Endpoint)
	c.Blob.Region = getenv("CROWDGATE_BLOB_REGION", c.Blob.Region)
	c.Blob.Bucket = getenv("CROWDGATE_BLOB_BUCKET", c.Blob.Bucket)
	c.Blob.AccessKey = getenv("CROWDGATE_BLOB_ACCESS_KEY", c.Blob.AccessKey)
	c.Blob.SecretKey = getenv("CROWDGATE_BLOB_SECRET_KEY", c.Blob.SecretKey)
	c.Blob.UseSSL = getenvBool("CROWDGATE_BLOB_USE_SSL", c.Blob.UseSSL)
	c.Blob.Prefix = getenv("CROWDGATE_BLOB_PREFIX", c.Blob.Prefix)
	c.Blob.Path = getenv("CROWDGATE_BLOB_PATH", c.Blob.Path)

	c.Claim.MaxAttempts = getenvInt("CROWDGATE_CLAIM_MAX_ATTEMPTS", c.Claim.MaxAttempts)
	c.Claim.SettleDelay = getenvDuration("CROWDGATE_CLAIM_SETTLE_DELAY", c.Claim.SettleDelay)
	c.Claim.ConfirmOnLastAttempt = getenvBool("CROWDGATE_CLAIM_CONFIRM", c.Claim.ConfirmOnLastAttempt)
	c.Claim.OrphanTTL = getenvDuration("CROWDGATE_ORPHAN_TTL", c.Claim.OrphanTTL)
	c.Claim.ReapInterval = getenvDuration("CROWDGATE_REAP_INTERVAL", c.Claim.ReapInterval)

	c.Task.Name = getenv("CROWDGATE_TASK", c.Task.Name)
	c.Task.Batch = getenv("CROWDGATE_BATCH", c.Task.Batch)
	if v := os.Getenv("CROWDGATE_SCALES"); v != "" {
		c.Task.Scales = splitList(v)
	}
	c.Task.AssignedScale = getenv("CROWDGATE_ASSIGNED_SCALE", c.Task.AssignedScale)

	c.Server.TCPPort = getenv("CROWDGATE_PORT", c.Server.TCPPort)
	c.Server.HTTPPort = getenv("CROWDGATE_HTTP_PORT", c.Server.HTTPPort)
	c.Server.DisableTLS = getenvBool("CROWDGATE_DISABLE_TLS", c.Server.DisableTLS)

	c.Log.Level = getenv("CROWDGATE_LOG_LEVEL", c.Log.Level)
	c.Log.Development = getenvBool("CROWDGATE_LOG_DEVELOPMENT", c.Log.Development)
}

// Validate rejects configurations no component could run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendEmbedded:
	case BackendRemote:
		if c.Store.Addr == "" {
			return fmt.Errorf("store backend %q needs store.addr", c.Store.Backend)
		}
	case BackendDynamoDB:
		if c.Store.Region == "" && c.Store.Endpoint == "" {
			return fmt.Errorf("store backend %q needs a region or an endpoint", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Blob.Backend {
	case BlobMemory:
	case BlobSQLite:
		if c.Blob.Path == "" {
			return fmt.Errorf("blob backend %q needs blob.path", c.Blob.Backend)
		}
	case BlobS3:
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			return fmt.Errorf("blob backend %q needs blob.endpoint and blob.bucket", c.Blob.Backend)
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blob.Backend)
	}
	if c.Tables.ACL == "" || c.Tables.Data == "" {
		return fmt.Errorf("table names must not be empty")
	}
	if c.Claim.MaxAttempts < 1 {
		return fmt.Errorf("claim.max_attempts must be at least 1")
	}
	if c.Claim.OrphanTTL < 0 {
		return fmt.Errorf("claim.orphan_ttl must not be negative")
	}
	return nil
}

// TableNames maps the logical tables to the configured physical names.
func (c Config) TableNames() tables.Names {
	var n tables.Names
	n[tables.ACL] = c.Tables.ACL
	n[tables.Data] = c.Tables.Data
	return n
}

// RetryPolicy turns the claim section into the settle loop policy.
func (c ClaimConfig) RetryPolicy() claim.RetryPolicy {
	return claim.RetryPolicy{
		MaxAttempts:          c.MaxAttempts,
		Delay:                claim.ConstantDelay(c.SettleDelay),
		Sleep:                claim.SleepContext,
		ConfirmOnLastAttempt: c.ConfirmOnLastAttempt,
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
