package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all the configuration for relaylog.
// The mapstructure tags tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	LoadBalancer LoadBalancerConfig `mapstructure:"loadbalancer"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Sink         SinkConfig         `mapstructure:"sink"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Diagnostics  DiagnosticsConfig  `mapstructure:"diagnostics"`
	Admin        AdminConfig        `mapstructure:"admin"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ProxyConfig struct {
	Target string `mapstructure:"target"`
}

type LoadBalancerConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Strategy       string         `mapstructure:"strategy"`
	HealthInterval time.Duration  `mapstructure:"health_interval"`
	Targets        []TargetConfig `mapstructure:"targets"`
}

type TargetConfig struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

// LoggingConfig drives the request logging middleware. Every field is
// hot-reloadable.
type LoggingConfig struct {
	ExcludePaths    []string      `mapstructure:"exclude_paths"`
	ExcludeMatch    string        `mapstructure:"exclude_match"`
	LogRequestBody  bool          `mapstructure:"log_request_body"`
	LogResponseBody bool          `mapstructure:"log_response_body"`
	MaxBodySize     int           `mapstructure:"max_body_size"`
	LogHeaders      bool          `mapstructure:"log_headers"`
	SensitiveFields []string      `mapstructure:"sensitive_fields"`
	Async           bool          `mapstructure:"async"`
	EmitTimeout     time.Duration `mapstructure:"emit_timeout"`
	// TrustedProxies are CIDRs or single addresses allowed to set the client
	// address through forwarding headers. Empty trusts everyone.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// ProxyPrefixes parses TrustedProxies.
func (l LoggingConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(l.TrustedProxies))
	for _, raw := range l.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q is neither a CIDR nor an address", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type MetricsConfig struct {
	ProcMount string `mapstructure:"proc_mount"`
	// RefreshInterval > 0 serves host snapshots from a cache of that age.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type SinkConfig struct {
	Console ConsoleSinkConfig `mapstructure:"console"`
	File    FileSinkConfig    `mapstructure:"file"`
	Redis   RedisSinkConfig   `mapstructure:"redis"`
	Kafka   KafkaSinkConfig   `mapstructure:"kafka"`
	Breaker BreakerConfig     `mapstructure:"breaker"`
}

type ConsoleSinkConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Pretty  bool `mapstructure:"pretty"`
}

type FileSinkConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type RedisSinkConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Stream  string `mapstructure:"stream"`
	MaxLen  int64  `mapstructure:"max_len"`
	Channel string `mapstructure:"channel"`
}

type KafkaSinkConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	CreateTopic  bool          `mapstructure:"create_topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type BreakerConfig struct {
	Failures uint32        `mapstructure:"failures"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type DiagnosticsConfig struct {
	Level               string  `mapstructure:"level"`
	Pretty              bool    `mapstructure:"pretty"`
	MaxReportsPerSecond float64 `mapstructure:"max_reports_per_second"`
}

type AdminConfig struct {
	Key string `mapstructure:"key"`
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu   sync.RWMutex
	cfg  *Config
	subs []func(*Config)
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

// Subscribe registers fn to run with the new configuration after every
// successful reload.
func (s *Store) Subscribe(fn func(*Config)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		cpy := *cfg
		fn(&cpy)
	}
}

// LoadAndWatch loads the config and watches for on-disk changes. An empty
// path looks for ./configs/config.yaml. A missing file means defaults plus
// RELAYLOG_* environment overrides.
func LoadAndWatch(path string) (*Store, error) {
	v, found, err := read(path)
	if err != nil {
		return nil, err
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}
	if !found {
		return store, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := refresh(v, store); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("config reload failed")
		} else {
			log.Info().Str("file", e.Name).Msg("config reloaded")
		}
	})
	v.WatchConfig()

	return store, nil
}

// Load reads the configuration once without watching it.
func Load(path string) (*Config, error) {
	v, _, err := read(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func read(path string) (*viper.Viper, bool, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	setDefaults(v)

	v.SetEnvPrefix("RELAYLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("path", path).Msg("no config file, using defaults")
			return v, false, nil
		}
		return nil, false, fmt.Errorf("read config: %w", err)
	}
	return v, true, nil
}

func refresh(v *viper.Viper, store *Store) error {
	cfg, err := decode(v)
	if err != nil {
		return err
	}
	store.set(cfg)
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server::port", ":8080")
	v.SetDefault("server::shutdown_timeout", "10s")

	v.SetDefault("proxy::target", "")

	v.SetDefault("loadbalancer::enabled", false)
	v.SetDefault("loadbalancer::strategy", "round-robin")
	v.SetDefault("loadbalancer::health_interval", "10s")
	v.SetDefault("loadbalancer::targets", []TargetConfig{})

	v.SetDefault("logging::exclude_paths", []string{"/health", "/metrics"})
	v.SetDefault("logging::exclude_match", "prefix")
	v.SetDefault("logging::log_request_body", true)
	v.SetDefault("logging::log_response_body", true)
	v.SetDefault("logging::max_body_size", 5000)
	v.SetDefault("logging::log_headers", false)
	v.SetDefault("logging::sensitive_fields", []string{"password", "token", "secret", "api_key"})
	v.SetDefault("logging::async", true)
	v.SetDefault("logging::emit_timeout", "5s")
	v.SetDefault("logging::trusted_proxies", []string{})

	v.SetDefault("metrics::proc_mount", "/proc")
	v.SetDefault("metrics::refresh_interval", "0s")

	v.SetDefault("sink::console::enabled", true)
	v.SetDefault("sink::console::pretty", false)
	v.SetDefault("sink::file::enabled", false)
	v.SetDefault("sink::file::path", "relaylog.jsonl")
	v.SetDefault("sink::redis::enabled", false)
	v.SetDefault("sink::redis::stream", "relaylog:records")
	v.SetDefault("sink::redis::max_len", 10000)
	v.SetDefault("sink::redis::channel", "")
	v.SetDefault("sink::kafka::enabled", false)
	v.SetDefault("sink::kafka::brokers", []string{})
	v.SetDefault("sink::kafka::topic", "relaylog")
	v.SetDefault("sink::kafka::create_topic", false)
	v.SetDefault("sink::kafka::batch_timeout", "10ms")
	v.SetDefault("sink::breaker::failures", 5)
	v.SetDefault("sink::breaker::cooldown", "30s")

	v.SetDefault("redis::address", "localhost:6379")
	v.SetDefault("redis::password", "")
	v.SetDefault("redis::db", 0)
	v.SetDefault("redis::enabled", false)

	v.SetDefault("diagnostics::level", "info")
	v.SetDefault("diagnostics::pretty", true)
	v.SetDefault("diagnostics::max_reports_per_second", 1.0)

	v.SetDefault("admin::key", "")
}

var strategies = map[string]bool{
	"round-robin":   true,
	"weighted":      true,
	"least-latency": true,
	"random":        true,
}

// Validate reports every problem it finds, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Logging.ExcludeMatch) {
	case "prefix", "exact":
	default:
		add("logging.exclude_match must be prefix or exact, got %q", c.Logging.ExcludeMatch)
	}
	if c.Logging.MaxBodySize <= 0 {
		add("logging.max_body_size must be positive, got %d", c.Logging.MaxBodySize)
	}
	if c.Logging.EmitTimeout < 0 {
		add("logging.emit_timeout must not be negative")
	}
	if _, err := c.Logging.ProxyPrefixes(); err != nil {
		add("logging.trusted_proxies: %w", err)
	}

	if c.LoadBalancer.Enabled {
		if len(c.LoadBalancer.Targets) == 0 {
			add("loadbalancer.targets is empty")
		}
		if !strategies[c.LoadBalancer.Strategy] {
			add("unknown loadbalancer.strategy %q", c.LoadBalancer.Strategy)
		}
	}

	if c.Sink.File.Enabled && c.Sink.File.Path == "" {
		add("sink.file.path is required")
	}
	if c.Sink.Redis.Enabled && !c.Redis.Enabled {
		add("sink.redis needs redis.enabled")
	}
	if c.Sink.Kafka.Enabled && (len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "") {
		add("sink.kafka needs brokers and topic")
	}

	if _, err := zerolog.ParseLevel(c.Diagnostics.Level); err != nil {
		add("diagnostics.level: %w", err)
	}
	return errors.Join(errs...)
}
