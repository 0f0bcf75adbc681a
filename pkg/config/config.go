// Package config loads the engine's process configuration (spec §1.3): a
// koanf tree built from defaults, an optional YAML file, environment
// variables, and an optional remote source (consul/etcd/zookeeper),
// adapted from the teacher's pkg/config/koanf_loader.go.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/workflowd/engine/pkg/blocker"
)

// SourceType is the configured backing store for the config tree.
type SourceType string

const (
	SourceFile      SourceType = "file"
	SourceConsul    SourceType = "consul"
	SourceEtcd      SourceType = "etcd"
	SourceZookeeper SourceType = "zookeeper"
)

// StorageBackend selects the database/sql-backed internal/cas.SQLStore
// instead of the default filesystem cas.FileStore for the pinned-workflow
// and snapshot CAS stores.
type StorageBackend string

const (
	StorageFile StorageBackend = "file"
	StorageSQL  StorageBackend = "sql"
)

// Config is the engine's process configuration (spec §1.3).
type Config struct {
	DataDir               string             `koanf:"data_dir"`
	KeyringPath           string             `koanf:"keyring_path"`
	RiskPolicy            blocker.RiskPolicy `koanf:"risk_policy"`
	Autonomy              string             `koanf:"autonomy"`
	MaxContextDepth       int                `koanf:"max_context_depth"`
	MaxContextBytes       int                `koanf:"max_context_bytes"`
	RecoveryBudgetBytes   int                `koanf:"recovery_budget_bytes"`
	LockRetryAfterMs      int                `koanf:"lock_retry_after_ms"`
	RequestTimeoutSeconds int                `koanf:"request_timeout_seconds"`
	LogLevel              string             `koanf:"log_level"`
	LogFormat             string             `koanf:"log_format"`
	MetricsAddr           string             `koanf:"metrics_addr"`

	// StorageBackend selects "file" (default, cas.FileStore under DataDir)
	// or "sql" (internal/cas.SQLStore over SQLDriver/SQLDSN) for the
	// pinned-workflow and snapshot CAS stores.
	StorageBackend StorageBackend `koanf:"storage_backend"`
	SQLDriver      string         `koanf:"sql_driver"`
	SQLDSN         string         `koanf:"sql_dsn"`
}

func defaults() map[string]any {
	return map[string]any{
		"data_dir":                "./data",
		"keyring_path":            "./data/keyring.json",
		"risk_policy":             string(blocker.RiskConservative),
		"autonomy":                "supervised",
		"max_context_depth":       10,
		"max_context_bytes":       32 * 1024,
		"recovery_budget_bytes":   32 * 1024,
		"lock_retry_after_ms":     250,
		"request_timeout_seconds": 30,
		"log_level":               "info",
		"log_format":              "text",
		"metrics_addr":            "127.0.0.1:9090",
		"storage_backend":         string(StorageFile),
		"sql_driver":              "",
		"sql_dsn":                 "",
	}
}

// mutableFields lists the keys a live fsnotify reload is allowed to change
// without a process restart; DataDir/KeyringPath require one.
var mutableFields = map[string]bool{
	"risk_policy":             true,
	"autonomy":                true,
	"max_context_depth":       true,
	"max_context_bytes":       true,
	"recovery_budget_bytes":   true,
	"lock_retry_after_ms":     true,
	"request_timeout_seconds": true,
	"log_level":               true,
	"log_format":              true,
	"metrics_addr":            true,
}

// LoaderOptions configures NewLoader.
type LoaderOptions struct {
	Type SourceType
	// Path is the YAML file path (SourceFile/SourceZookeeper) or the
	// remote key/prefix (SourceConsul/SourceEtcd).
	Path string
	// Endpoints addresses the remote source; defaults are filled per Type.
	Endpoints []string
	// EnvPrefix is the environment variable prefix, e.g. "WORKFLOWD_".
	EnvPrefix string
	// DotEnvPath, if set, is loaded into the process environment before
	// the env provider runs (joho/godotenv ergonomics).
	DotEnvPath string
	// Watch enables a background fsnotify-driven reload (file source
	// only); OnChange is invoked with the full reloaded Config, not one
	// filtered to the mutable fields.
	Watch    bool
	OnChange func(*Config) error
}

// Loader loads and optionally watches a Config tree.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
}

// NewLoader builds a Loader over opts.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "WORKFLOWD_"
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case SourceZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}
	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}, nil
}

// Load builds the full config tree: defaults, then the configured source,
// then environment variables (after an optional .env load).
func (l *Loader) Load() (*Config, error) {
	if err := l.koanf.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if l.options.Path != "" {
		provider, parser, err := l.sourceProvider()
		if err != nil {
			return nil, err
		}
		if err := l.koanf.Load(provider, parser); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", l.options.Type, err)
		}
		if l.options.Watch {
			go l.watch(provider)
		}
	}

	if l.options.DotEnvPath != "" {
		if err := godotenv.Load(l.options.DotEnvPath); err != nil {
			return nil, fmt.Errorf("config: load .env: %w", err)
		}
	}

	if err := l.koanf.Load(env.Provider(l.options.EnvPrefix, ".", envKeyTransform(l.options.EnvPrefix)), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	return l.unmarshal()
}

// envKeyTransform maps WORKFLOWD_RISK_POLICY to risk_policy. The config tree
// is flat (single-level koanf keys already contain underscores, e.g.
// "risk_policy"), so unlike a nested schema this must NOT turn underscores
// into the "." path delimiter — doing so would produce "risk.policy" and
// silently orphan every env override.
func envKeyTransform(prefix string) func(string) string {
	return func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		return strings.ToLower(s)
	}
}

func (l *Loader) sourceProvider() (koanf.Provider, koanf.Parser, error) {
	switch l.options.Type {
	case SourceFile:
		return file.Provider(l.options.Path), l.parser, nil
	case SourceConsul:
		cfg := api.DefaultConfig()
		cfg.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{Cfg: cfg, Key: l.options.Path}), nil, nil
	case SourceEtcd:
		return etcd.Provider(etcd.Config{Endpoints: l.options.Endpoints, DialTimeout: 5 * time.Second, Key: l.options.Path}), nil, nil
	case SourceZookeeper:
		p, err := newZookeeperProvider(l.options.Endpoints, l.options.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("config: zookeeper provider: %w", err)
		}
		return p, l.parser, nil
	default:
		return nil, nil, fmt.Errorf("config: unsupported source type %q", l.options.Type)
	}
}

// watcher is implemented by koanf providers that support reactive change
// notification (consul/etcd/zookeeper all do; file uses fsnotify below).
type watcher interface {
	Watch(cb func(event any, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	if l.options.Type == SourceFile {
		l.watchFile()
		return
	}
	w, ok := provider.(watcher)
	if !ok {
		log.Printf("config: provider %s does not support watching", l.options.Type)
		return
	}
	if err := w.Watch(func(event any, err error) { l.reloadAndNotify(provider, err) }); err != nil {
		log.Printf("config: watch stopped: %v", err)
	}
}

func (l *Loader) reloadAndNotify(provider koanf.Provider, watchErr error) {
	select {
	case <-l.stopChan:
		return
	default:
	}
	if watchErr != nil {
		log.Printf("config: watch error: %v", watchErr)
		return
	}
	if provider == nil {
		provider = file.Provider(l.options.Path)
	}
	if err := l.koanf.Load(provider, l.parser); err != nil {
		log.Printf("config: reload failed: %v", err)
		return
	}
	cfg, err := l.unmarshal()
	if err != nil {
		log.Printf("config: reloaded config invalid: %v", err)
		return
	}
	if l.options.OnChange != nil {
		if err := l.options.OnChange(cfg); err != nil {
			log.Printf("config: OnChange callback failed: %v", err)
		}
	}
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.RiskPolicy {
	case blocker.RiskConservative, blocker.RiskBalanced, blocker.RiskAggressive:
	default:
		return fmt.Errorf("config: invalid risk_policy %q", cfg.RiskPolicy)
	}
	switch cfg.Autonomy {
	case "supervised", "autonomous":
	default:
		return fmt.Errorf("config: invalid autonomy %q", cfg.Autonomy)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if cfg.MaxContextDepth <= 0 || cfg.MaxContextBytes <= 0 {
		return fmt.Errorf("config: max_context_depth/max_context_bytes must be positive")
	}
	switch cfg.StorageBackend {
	case StorageFile:
	case StorageSQL:
		if cfg.SQLDriver == "" || cfg.SQLDSN == "" {
			return fmt.Errorf("config: sql_driver and sql_dsn are required when storage_backend is %q", StorageSQL)
		}
	default:
		return fmt.Errorf("config: invalid storage_backend %q", cfg.StorageBackend)
	}
	return nil
}

// Stop ends any in-flight watch.
func (l *Loader) Stop() { close(l.stopChan) }

// MutableFieldChanged reports whether key is one of the fields a live
// reload may change without a restart.
func MutableFieldChanged(key string) bool { return mutableFields[key] }
