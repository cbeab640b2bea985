// Package config loads the gateway configuration from a YAML file with
// FEDGRAPH_ environment overrides, and reports changes to it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/hanpama/fedgraph/internal/source"
)

const (
	// EnvPrefix prefixes environment overrides: FEDGRAPH_LOG_LEVEL sets
	// log.level.
	EnvPrefix = "FEDGRAPH"

	KindSubgraph  = "subgraph"
	KindConnector = "connector"
)

type Config struct {
	Listen    string          `mapstructure:"listen"`
	Log       LogConfig       `mapstructure:"log"`
	Plans     PlansConfig     `mapstructure:"plans"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Sources   []SourceConfig  `mapstructure:"sources"`

	// Dir is the directory of the loaded file. Relative paths resolve
	// against it.
	Dir string `mapstructure:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PlansConfig struct {
	Dir string `mapstructure:"dir"`
	// Watch reloads plans and connector schemas when their files change.
	Watch bool `mapstructure:"watch"`
}

type ServerConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	Pretty         bool          `mapstructure:"pretty"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	ForwardHeaders []string      `mapstructure:"forward_headers"`
	MaxParallelism int           `mapstructure:"max_parallelism"`
	Subscriptions  bool          `mapstructure:"subscriptions"`
	MetricsPath    string        `mapstructure:"metrics_path"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// SourceConfig describes one subgraph or connector. Settings of the other
// kind are ignored.
type SourceConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`

	URLs            []string      `mapstructure:"urls"`
	SubscriptionURL string        `mapstructure:"subscription_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      *uint         `mapstructure:"max_retries"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	BreakerFailures *uint32       `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	Dedup           *bool         `mapstructure:"dedup"`

	SDLFile   string          `mapstructure:"sdl_file"`
	BaseURL   string          `mapstructure:"base_url"`
	Fields    []FieldBinding  `mapstructure:"fields"`
	Entities  []EntityBinding `mapstructure:"entities"`
	CacheSize int             `mapstructure:"cache_size"`
}

// FieldBinding binds "Type.field". Keys are kept in values because viper
// lowercases map keys.
type FieldBinding struct {
	Field          string `mapstructure:"field"`
	source.Binding `mapstructure:",squash"`
}

type EntityBinding struct {
	Type           string `mapstructure:"type"`
	source.Binding `mapstructure:",squash"`
}

// Default returns the configuration used for unset keys.
func Default() Config {
	return Config{
		Listen: ":4000",
		Log:    LogConfig{Level: "info", Format: "logfmt"},
		Plans:  PlansConfig{Dir: "plans"},
		Server: ServerConfig{
			Timeout:       30 * time.Second,
			MaxBodyBytes:  1 << 20,
			Subscriptions: true,
			MetricsPath:   "/metrics",
		},
		Telemetry: TelemetryConfig{ServiceName: "fedgraph"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("plans.dir", d.Plans.Dir)
	v.SetDefault("plans.watch", d.Plans.Watch)
	v.SetDefault("server.timeout", d.Server.Timeout)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.pretty", d.Server.Pretty)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.forward_headers", d.Server.ForwardHeaders)
	v.SetDefault("server.max_parallelism", d.Server.MaxParallelism)
	v.SetDefault("server.subscriptions", d.Server.Subscriptions)
	v.SetDefault("server.metrics_path", d.Server.MetricsPath)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
}

// Loader reads one configuration file. It is safe for concurrent use.
type Loader struct {
	path string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader prepares a loader for path. An empty path loads defaults and
// environment overrides only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return &Loader{path: path, v: v}
}

// Load reads the file and returns the validated configuration.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Dir = "."
	if l.path != "" {
		cfg.Dir = filepath.Dir(l.path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the new configuration, or the error that made it
// unusable, each time the file changes. It has no effect without a file.
func (l *Loader) Watch(fn func(*Config, error)) {
	if l.path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.v.OnConfigChange(func(fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		fn(cfg, err)
	})
	l.v.WatchConfig()
}

// Validate checks the constraints the decoder cannot express.
func (c *Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, s := range c.Sources {
		at := fmt.Sprintf("sources[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", at))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate source %q", at, s.Name))
		}
		seen[s.Name] = true
		switch s.Kind {
		case KindSubgraph, "":
			if len(s.URLs) == 0 {
				errs = append(errs, fmt.Errorf("%s: subgraph %q has no urls", at, s.Name))
			}
		case KindConnector:
			if s.SDLFile == "" {
				errs = append(errs, fmt.Errorf("%s: connector %q has no sdl_file", at, s.Name))
			}
			for j, f := range s.Fields {
				if !strings.Contains(f.Field, ".") {
					errs = append(errs, fmt.Errorf("%s.fields[%d]: %q is not Type.field", at, j, f.Field))
				}
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", at, s.Kind))
		}
	}
	if c.Server.MaxParallelism < 0 {
		errs = append(errs, errors.New("server.max_parallelism must not be negative"))
	}
	return errors.Join(errs...)
}

// Resolve returns p relative to the configuration file.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Endpoints returns the fetch URLs of every subgraph keyed by name.
func (c *Config) Endpoints() map[string][]string {
	out := map[string][]string{}
	for _, s := range c.Sources {
		if s.Kind == KindSubgraph || s.Kind == "" {
			out[s.Name] = append([]string(nil), s.URLs...)
		}
	}
	return out
}

// SchemaFiles returns the connector SDL files.
func (c *Config) SchemaFiles() []string {
	var out []string
	for _, s := range c.Sources {
		if s.Kind == KindConnector {
			out = append(out, c.Resolve(s.SDLFile))
		}
	}
	return out
}

// SubgraphOptions maps s onto subgraph options. Unset fields keep the
// subgraph defaults.
func (s SourceConfig) SubgraphOptions() []source.Option {
	var opts []source.Option
	if s.SubscriptionURL != "" {
		opts = append(opts, source.WithSubscriptionURL(s.SubscriptionURL))
	}
	if s.Timeout > 0 {
		opts = append(opts, source.WithTimeout(s.Timeout))
	}
	if s.MaxRetries != nil {
		opts = append(opts, source.WithMaxRetries(*s.MaxRetries))
	}
	if s.RetryInterval > 0 {
		opts = append(opts, source.WithRetryInterval(s.RetryInterval))
	}
	if s.BreakerFailures != nil || s.BreakerTimeout > 0 {
		failures, timeout := uint32(5), 10*time.Second
		if s.BreakerFailures != nil {
			failures = *s.BreakerFailures
		}
		if s.BreakerTimeout > 0 {
			timeout = s.BreakerTimeout
		}
		opts = append(opts, source.WithBreaker(failures, timeout))
	}
	if s.Dedup != nil {
		opts = append(opts, source.WithDedup(*s.Dedup))
	}
	return opts
}

// ConnectorConfig reads the SDL file of s and returns the connector
// settings.
func (c *Config) ConnectorConfig(s SourceConfig) (source.ConnectorConfig, error) {
	sdl, err := os.ReadFile(c.Resolve(s.SDLFile))
	if err != nil {
		return source.ConnectorConfig{}, fmt.Errorf("connector %s: %w", s.Name, err)
	}
	cc := source.ConnectorConfig{
		Name:      s.Name,
		SDL:       string(sdl),
		BaseURL:   s.BaseURL,
		CacheSize: s.CacheSize,
		Fields:    make(map[string]source.Binding, len(s.Fields)),
		Entities:  make(map[string]source.Binding, len(s.Entities)),
	}
	for _, f := range s.Fields {
		cc.Fields[f.Field] = f.Binding
	}
	for _, e := range s.Entities {
		cc.Entities[e.Type] = e.Binding
	}
	return cc, nil
}
