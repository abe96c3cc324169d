package socketcore

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ramory-l/socketcore/logging"
)

// Config represents server configuration
type Config struct {
	PingInterval   time.Duration   `mapstructure:"ping_interval"`
	PingTimeout    time.Duration   `mapstructure:"ping_timeout"`
	MaxPayload     int             `mapstructure:"max_payload"`
	WriteTimeout   time.Duration   `mapstructure:"write_timeout"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"` // empty allows any origin
	QueueDepth     int             `mapstructure:"queue_depth"`     // per-socket outbound queue
	AckTimeout     time.Duration   `mapstructure:"ack_timeout"`
	FanoutChunk    int             `mapstructure:"fanout_chunk"`   // recipients per fan-out task
	FanoutWorkers  int             `mapstructure:"fanout_workers"` // concurrent fan-out tasks
	Reconnect      ReconnectPolicy `mapstructure:"reconnect"`
	Log            logging.Config  `mapstructure:"log"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		PingInterval:  25 * time.Second,
		PingTimeout:   20 * time.Second,
		MaxPayload:    1e6,
		WriteTimeout:  10 * time.Second,
		QueueDepth:    256,
		AckTimeout:    5 * time.Second,
		FanoutChunk:   64,
		FanoutWorkers: 8,
		Reconnect:     DefaultReconnectPolicy(),
		Log:           logging.DefaultConfig(),
	}
}

// Validate checks that every bound is usable
func (c *Config) Validate() error {
	if c.PingInterval <= 0 {
		return fmt.Errorf("%w: ping interval must be positive, got %v", ErrInvalidConfig, c.PingInterval)
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("%w: ping timeout must be positive, got %v", ErrInvalidConfig, c.PingTimeout)
	}
	if c.MaxPayload <= 0 {
		return fmt.Errorf("%w: max payload must be positive, got %d", ErrInvalidConfig, c.MaxPayload)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write timeout must be positive, got %v", ErrInvalidConfig, c.WriteTimeout)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("%w: queue depth must be positive, got %d", ErrInvalidConfig, c.QueueDepth)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack timeout must be positive, got %v", ErrInvalidConfig, c.AckTimeout)
	}
	if c.FanoutChunk <= 0 {
		return fmt.Errorf("%w: fanout chunk must be positive, got %d", ErrInvalidConfig, c.FanoutChunk)
	}
	if c.FanoutWorkers <= 0 {
		return fmt.Errorf("%w: fanout workers must be positive, got %d", ErrInvalidConfig, c.FanoutWorkers)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// checkOrigin returns the upgrade origin check for AllowedOrigins.
func (c *Config) checkOrigin() func(*http.Request) bool {
	if len(c.AllowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := slices.Clone(c.AllowedOrigins)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, origin) || slices.Contains(allowed, u.Host)
	}
}

// LoadConfig reads configuration from defaults, an optional YAML file and
// SOCKETCORE_* environment variables. When onChange is set and a file is
// given, edits to the file are reloaded and reported; a reload that fails
// validation is reported with a nil config.
func LoadConfig(path string, onChange func(*Config, error)) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("SOCKETCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, err
	}

	if onChange != nil && path != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			onChange(decodeConfig(v))
		})
		v.WatchConfig()
	}

	return cfg, nil
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("ping_interval", d.PingInterval)
	v.SetDefault("ping_timeout", d.PingTimeout)
	v.SetDefault("max_payload", d.MaxPayload)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("queue_depth", d.QueueDepth)
	v.SetDefault("ack_timeout", d.AckTimeout)
	v.SetDefault("fanout_chunk", d.FanoutChunk)
	v.SetDefault("fanout_workers", d.FanoutWorkers)

	v.SetDefault("reconnect.base_delay", d.Reconnect.BaseDelay)
	v.SetDefault("reconnect.multiplier", d.Reconnect.Multiplier)
	v.SetDefault("reconnect.max_delay", d.Reconnect.MaxDelay)
	v.SetDefault("reconnect.max_attempts", d.Reconnect.MaxAttempts)
	v.SetDefault("reconnect.jitter", d.Reconnect.Jitter)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.console", d.Log.Console)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}
