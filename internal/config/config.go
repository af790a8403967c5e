// Package config loads the curlew configuration from environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fieldworks/curlew/internal/domain"
)

// Load builds the configuration. Precedence, lowest to highest: tier
// defaults, the config file (when path is non-empty), CURLEW_* environment
// variables. Nested keys map to env vars with underscores, e.g.
// server.port becomes CURLEW_SERVER_PORT.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CURLEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetDefault("tier", string(domain.TierCommunity))

	var cfg *domain.Config
	switch domain.Tier(v.GetString("tier")) {
	case domain.TierCommunity:
		cfg = domain.DefaultConfig()
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier: %s", v.GetString("tier"))
	}

	setDefaults(v, cfg)

	cfg.Tier = domain.Tier(v.GetString("tier"))
	cfg.Server = domain.ServerConfig{
		Host:         v.GetString("server.host"),
		Port:         v.GetInt("server.port"),
		ReadTimeout:  v.GetInt("server.read_timeout"),
		WriteTimeout: v.GetInt("server.write_timeout"),
	}
	cfg.Repository = domain.RepositoryConfig{
		Driver:           v.GetString("repository.driver"),
		SQLitePath:       v.GetString("repository.sqlite_path"),
		PostgresHost:     v.GetString("repository.postgres_host"),
		PostgresPort:     v.GetInt("repository.postgres_port"),
		PostgresUser:     v.GetString("repository.postgres_user"),
		PostgresPassword: v.GetString("repository.postgres_password"),
		PostgresDB:       v.GetString("repository.postgres_db"),
		PostgresSSLMode:  v.GetString("repository.postgres_sslmode"),
		MaxOpenConns:     v.GetInt("repository.max_open_conns"),
		MaxIdleConns:     v.GetInt("repository.max_idle_conns"),
		ConnMaxLifetime:  v.GetDuration("repository.conn_max_lifetime"),
	}
	cfg.Cache = domain.CacheConfig{
		Type:           v.GetString("cache.type"),
		LocalMaxSize:   v.GetInt("cache.local_max_size"),
		LocalTTL:       v.GetDuration("cache.local_ttl"),
		RedisAddr:      v.GetString("cache.redis_addr"),
		RedisPassword:  v.GetString("cache.redis_password"),
		RedisDB:        v.GetInt("cache.redis_db"),
		EnableTwoPhase: v.GetBool("cache.enable_two_phase"),
	}
	cfg.EventBus = domain.EventBusConfig{
		Type:              v.GetString("eventbus.type"),
		ChannelBufferSize: v.GetInt("eventbus.channel_buffer_size"),
		NATSUrl:           v.GetString("eventbus.nats_url"),
		NATSToken:         v.GetString("eventbus.nats_token"),
		NATSMaxReconnects: v.GetInt("eventbus.nats_max_reconnects"),
		NATSReconnectWait: v.GetInt("eventbus.nats_reconnect_wait"),
	}
	cfg.Auth = domain.AuthConfig{
		JWTSecret: v.GetString("auth.jwt_secret"),
		APIKey:    v.GetString("auth.api_key"),
	}
	cfg.Logging = domain.LoggingConfig{
		Level:  v.GetString("logging.level"),
		Format: v.GetString("logging.format"),
	}
	cfg.Tracing = domain.TracingConfig{
		Enabled:      v.GetBool("tracing.enabled"),
		ServiceName:  v.GetString("tracing.service_name"),
		ExporterType: v.GetString("tracing.exporter_type"),
		Endpoint:     v.GetString("tracing.endpoint"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper with the tier's defaults so env vars only need
// to name what they override.
func setDefaults(v *viper.Viper, cfg *domain.Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)

	v.SetDefault("repository.driver", cfg.Repository.Driver)
	v.SetDefault("repository.sqlite_path", cfg.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", cfg.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", cfg.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", cfg.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", cfg.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", cfg.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", cfg.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", cfg.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", cfg.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", cfg.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.local_max_size", cfg.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", cfg.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", cfg.Cache.EnableTwoPhase)

	v.SetDefault("eventbus.type", cfg.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", cfg.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_url", cfg.EventBus.NATSUrl)
	v.SetDefault("eventbus.nats_token", cfg.EventBus.NATSToken)
	v.SetDefault("eventbus.nats_max_reconnects", cfg.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.nats_reconnect_wait", cfg.EventBus.NATSReconnectWait)

	v.SetDefault("auth.jwt_secret", cfg.Auth.JWTSecret)
	v.SetDefault("auth.api_key", cfg.Auth.APIKey)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.exporter_type", cfg.Tracing.ExporterType)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
}

func validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			return fmt.Errorf("sqlite driver requires repository.sqlite_path")
		}
	case "postgres":
		if cfg.Repository.PostgresHost == "" || cfg.Repository.PostgresDB == "" {
			return fmt.Errorf("postgres driver requires host and database name")
		}
	default:
		return fmt.Errorf("unknown repository driver: %s", cfg.Repository.Driver)
	}

	if cfg.Cache.LocalTTL < 0 {
		return fmt.Errorf("cache.local_ttl must not be negative")
	}
	if cfg.Cache.LocalTTL == 0 {
		cfg.Cache.LocalTTL = 5 * time.Minute
	}
	return nil
}
