package configs

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// Config is the effective runtime configuration after env parsing and
// validation.
type Config struct {
	Port                int
	HealthPort          int
	AllowedIPs          string
	ProxyConnectTimeout time.Duration
	ProxyTimeout        time.Duration
	PrereadTimeout      time.Duration
	RateLimitPerIP      int
	LogLevel            string
	LogPretty           bool
}

// envSpec is the raw environment contract. Timeout values are milliseconds.
type envSpec struct {
	Port                  int    `envconfig:"PORT" default:"443"`
	HealthPort            int    `envconfig:"HEALTH_PORT" default:"3000"`
	AllowedIPs            string `envconfig:"ALLOWED_IPS" default:"0.0.0.0/0"`
	ProxyConnectTimeoutMs int    `envconfig:"PROXY_CONNECT_TIMEOUT" default:"10000"`
	ProxyTimeoutMs        int    `envconfig:"PROXY_TIMEOUT" default:"300000"`
	PrereadTimeoutMs      int    `envconfig:"PREREAD_TIMEOUT" default:"10000"`
	RateLimitPerIP        int    `envconfig:"RATE_LIMIT_PER_IP" default:"100"`
	LogLevel              string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty             bool   `envconfig:"LOG_PRETTY" default:"false"`
}

const minTimeout = time.Second

// LoadFromEnv returns configuration populated from environment variables,
// falling back to defaults. All validation failures are joined so startup can
// report every problem at once.
func LoadFromEnv() (Config, error) {
	var raw envSpec
	if err := envconfig.Process("", &raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:                raw.Port,
		HealthPort:          raw.HealthPort,
		AllowedIPs:          raw.AllowedIPs,
		ProxyConnectTimeout: time.Duration(raw.ProxyConnectTimeoutMs) * time.Millisecond,
		ProxyTimeout:        time.Duration(raw.ProxyTimeoutMs) * time.Millisecond,
		PrereadTimeout:      time.Duration(raw.PrereadTimeoutMs) * time.Millisecond,
		RateLimitPerIP:      raw.RateLimitPerIP,
		LogLevel:            raw.LogLevel,
		LogPretty:           raw.LogPretty,
	}

	return cfg, validate(cfg)
}

func validate(cfg Config) error {
	var errs []error

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be in 1..65535, got %d", cfg.Port))
	}
	if cfg.HealthPort < 1 || cfg.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("HEALTH_PORT must be in 1..65535, got %d", cfg.HealthPort))
	}
	if cfg.HealthPort == cfg.Port {
		errs = append(errs, fmt.Errorf("HEALTH_PORT must differ from PORT, both are %d", cfg.Port))
	}
	if cfg.ProxyConnectTimeout < minTimeout {
		errs = append(errs, fmt.Errorf("PROXY_CONNECT_TIMEOUT must be at least %s, got %s", minTimeout, cfg.ProxyConnectTimeout))
	}
	if cfg.ProxyTimeout < minTimeout {
		errs = append(errs, fmt.Errorf("PROXY_TIMEOUT must be at least %s, got %s", minTimeout, cfg.ProxyTimeout))
	}
	if cfg.PrereadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PREREAD_TIMEOUT must be positive, got %s", cfg.PrereadTimeout))
	}
	if cfg.RateLimitPerIP < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_IP must be at least 1, got %d", cfg.RateLimitPerIP))
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
