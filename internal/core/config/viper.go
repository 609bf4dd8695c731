package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable (REDIRECTOR_HTTP_PORT, ...).
const EnvPrefix = "REDIRECTOR"

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence; callers apply
// changed flags to the returned Config and call Validate again.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	d := Default()
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("grpc.host", d.GRPC.Host)
	v.SetDefault("grpc.port", d.GRPC.Port)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("match.case_insensitive", d.Match.CaseInsensitive)
	v.SetDefault("match.regex_budget", d.Match.RegexBudget.String())
	v.SetDefault("match.cache_size", d.Match.CacheSize)
	v.SetDefault("hits.flush_interval", d.Hits.FlushInterval.String())
	v.SetDefault("import.batch_size", d.Import.BatchSize)
	v.SetDefault("index.refresh_schedule", d.Index.RefreshSchedule)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.channel", d.Redis.Channel)
	v.SetDefault("api.token", d.API.Token)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTP:     ListenConfig{Host: v.GetString("http.host"), Port: v.GetInt("http.port")},
		GRPC:     ListenConfig{Host: v.GetString("grpc.host"), Port: v.GetInt("grpc.port")},
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		Match: MatchConfig{
			CaseInsensitive: v.GetBool("match.case_insensitive"),
			RegexBudget:     v.GetDuration("match.regex_budget"),
			CacheSize:       v.GetInt("match.cache_size"),
		},
		Hits:   HitsConfig{FlushInterval: v.GetDuration("hits.flush_interval")},
		Import: ImportConfig{BatchSize: v.GetInt("import.batch_size")},
		Index:  IndexConfig{RefreshSchedule: v.GetString("index.refresh_schedule")},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		API: APIConfig{Token: v.GetString("api.token")},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("redis.password") {
		return fmt.Errorf("redis password not allowed in config files (use %s_REDIS_PASSWORD environment variable)", EnvPrefix)
	}
	if v.InConfig("api.token") {
		return fmt.Errorf("api token not allowed in config files (use %s_API_TOKEN environment variable)", EnvPrefix)
	}
	return nil
}
