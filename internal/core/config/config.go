// Package config provides configuration management for redirector services.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// ListenConfig is a host/port pair for one listener.
type ListenConfig struct {
	Host string `name:"host" validate:"required"`
	Port int    `name:"port" validate:"gte=0,lte=65535"`
}

// Addr returns host:port.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// DatabaseConfig selects the rule store.
type DatabaseConfig struct {
	URL string `name:"url" validate:"required"`
}

// MatchConfig tunes pattern compilation and resolution.
type MatchConfig struct {
	CaseInsensitive bool          `name:"case_insensitive"`
	RegexBudget     time.Duration `name:"regex_budget" validate:"gt=0,lte=1s"`
	CacheSize       int           `name:"cache_size" validate:"gte=0"`
}

// HitsConfig tunes the hit counter flusher.
type HitsConfig struct {
	FlushInterval time.Duration `name:"flush_interval" validate:"gte=10ms"`
}

// ImportConfig tunes the import engine.
type ImportConfig struct {
	BatchSize int `name:"batch_size" validate:"gt=0,lte=100000"`
}

// IndexConfig controls periodic index refresh; an empty schedule disables it.
type IndexConfig struct {
	RefreshSchedule string `name:"refresh_schedule" validate:"omitempty,cronspec"`
}

// RedisConfig enables cross-instance invalidation; an empty Addr disables it.
type RedisConfig struct {
	Addr     string `name:"addr" validate:"omitempty,hostname_port"`
	Password string `name:"password"`
	DB       int    `name:"db" validate:"gte=0,lte=15"`
	Channel  string `name:"channel" validate:"required"`
}

// APIConfig guards the rule management API; an empty Token disables
// authentication. The token is read from the environment only.
type APIConfig struct {
	Token string `name:"token" validate:"omitempty,min=16"`
}

// Config is the complete service configuration.
type Config struct {
	HTTP     ListenConfig   `name:"http"`
	GRPC     ListenConfig   `name:"grpc"`
	Database DatabaseConfig `name:"database"`
	Match    MatchConfig    `name:"match"`
	Hits     HitsConfig     `name:"hits"`
	Import   ImportConfig   `name:"import"`
	Index    IndexConfig    `name:"index"`
	Redis    RedisConfig    `name:"redis"`
	API      APIConfig      `name:"api"`
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		HTTP:     ListenConfig{Host: "0.0.0.0", Port: 8080},
		GRPC:     ListenConfig{Host: "0.0.0.0", Port: 50051},
		Database: DatabaseConfig{URL: "sqlite://redirector.db"},
		Match: MatchConfig{
			RegexBudget: 25 * time.Millisecond,
			CacheSize:   4096,
		},
		Hits:   HitsConfig{FlushInterval: time.Second},
		Import: ImportConfig{BatchSize: 500},
		Index:  IndexConfig{RefreshSchedule: "@every 5m"},
		Redis:  RedisConfig{Channel: "redirector:index"},
	}
}

// GRPCEnabled reports whether the gRPC listener should start.
func (c *Config) GRPCEnabled() bool { return c.GRPC.Port != 0 }

// AuthEnabled reports whether the rule API requires the admin token.
func (c *Config) AuthEnabled() bool { return c.API.Token != "" }

// RedisEnabled reports whether cross-instance invalidation is configured.
func (c *Config) RedisEnabled() bool { return c.Redis.Addr != "" }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("name"); name != "" {
			return name
		}
		return f.Name
	})
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks every field and reports them by configuration key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.HTTP.Port == 0 {
			return fmt.Errorf("invalid configuration: http.port must be between 1 and 65535")
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", key, fe.Tag(), fe.Param(), redact(key, fe.Value())))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s (got %v)", key, fe.Tag(), redact(key, fe.Value())))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// redact hides secret values in validation messages.
func redact(key string, v interface{}) interface{} {
	if key == "api.token" || key == "redis.password" {
		return "[REDACTED]"
	}
	return v
}
