package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deploysalon/coordinator/internal/policy"
	"github.com/deploysalon/coordinator/internal/store"
)

// Config holds all configuration for the service.
type Config struct {
	// API server settings
	APIPort int
	APIHost string

	// Probe server settings
	ProbePort int
	ProbeHost string

	// Metrics server settings
	MetricsPort int
	MetricsHost string

	// TLS settings
	TLSEnabled bool
	TLSCert    string
	TLSKey     string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Health check settings
	HealthCheckTimeout       time.Duration
	HealthCheckCacheDuration time.Duration

	// Metrics settings
	MetricsNamespace string

	// CallbackSecret signs the pipeline callback and admin requests.
	CallbackSecret string

	// ChatRelayURL is the webhook endpoint of the chat bridge. Empty logs
	// outbound traffic instead of delivering it.
	ChatRelayURL string

	// ChannelSuffix restricts which channels may become salons.
	ChannelSuffix string

	// Organizations is the repository attachment allow-list.
	Organizations []string

	// Salon engine timers
	ConchGrant        time.Duration
	ConchGrace        time.Duration
	DeployTTL         time.Duration
	ReconcileInterval time.Duration

	// Blackout window settings; empty start disables the check.
	BlackoutStart string
	BlackoutEnd   string
	BlackoutTZ    string

	// Olric embedded store settings
	Olric *store.OlricConfig
}

// Load reads configuration from environment variables, config file, and flags.
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("probe.port", 8081)
	viper.SetDefault("probe.host", "0.0.0.0")
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.host", "0.0.0.0")
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cert", "")
	viper.SetDefault("tls.key", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("shutdown.timeout", "30s")
	viper.SetDefault("health.check_timeout", "5s")
	viper.SetDefault("health.cache_duration", "10s")
	viper.SetDefault("callback.secret", "")
	viper.SetDefault("chat.relay_url", "")
	viper.SetDefault("salon.channel_suffix", "")
	viper.SetDefault("salon.organizations", []string{})
	viper.SetDefault("salon.conch_grant", "15m")
	viper.SetDefault("salon.conch_grace", "5m")
	viper.SetDefault("salon.deploy_ttl", "1h")
	viper.SetDefault("salon.reconcile_interval", "10s")
	viper.SetDefault("salon.blackout_start", "")
	viper.SetDefault("salon.blackout_end", "")
	viper.SetDefault("salon.blackout_tz", "UTC")
	viper.SetDefault("olric.host", store.DefaultBindAddr)
	viper.SetDefault("olric.port", store.DefaultBindPort)
	viper.SetDefault("olric.join_addrs", []string{})
	viper.SetDefault("olric.replication_mode", store.DefaultReplicationMode)
	viper.SetDefault("olric.replication_factor", store.DefaultReplicationFactor)
	viper.SetDefault("olric.partition_count", int(store.DefaultPartitionCount))
	viper.SetDefault("olric.backup_count", store.DefaultBackupCount)
	viper.SetDefault("olric.backup_mode", store.DefaultBackupMode)
	viper.SetDefault("olric.member_count_quorum", store.DefaultMemberCountQuorum)
	viper.SetDefault("olric.join_retry_interval", store.DefaultJoinRetryInterval)
	viper.SetDefault("olric.max_join_attempts", store.DefaultMaxJoinAttempts)
	viper.SetDefault("olric.log_level", "")
	viper.SetDefault("olric.keep_alive_period", store.DefaultKeepAlivePeriod)
	viper.SetDefault("olric.request_timeout", store.DefaultRequestTimeout)
	viper.SetDefault("olric.dmap_name", store.DefaultDMapName)

	// Enable environment variable support with automatic replacement
	viper.SetEnvPrefix("SALON")
	viper.AutomaticEnv()
	// Replace . with _ in environment variable names (e.g., api.port -> SALON_API_PORT)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Try to read config file if it exists
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/salon-coordinator/")

	// Reading config file is optional
	_ = viper.ReadInConfig()

	// Parse configuration
	cfg := &Config{
		APIPort:          viper.GetInt("api.port"),
		APIHost:          viper.GetString("api.host"),
		ProbePort:        viper.GetInt("probe.port"),
		ProbeHost:        viper.GetString("probe.host"),
		MetricsPort:      viper.GetInt("metrics.port"),
		MetricsHost:      viper.GetString("metrics.host"),
		TLSEnabled:       viper.GetBool("tls.enabled"),
		TLSCert:          viper.GetString("tls.cert"),
		TLSKey:           viper.GetString("tls.key"),
		LogLevel:         viper.GetString("log.level"),
		LogFormat:        viper.GetString("log.format"),
		CallbackSecret:   viper.GetString("callback.secret"),
		ChatRelayURL:     viper.GetString("chat.relay_url"),
		ChannelSuffix:    viper.GetString("salon.channel_suffix"),
		Organizations:    viper.GetStringSlice("salon.organizations"),
		BlackoutStart:    viper.GetString("salon.blackout_start"),
		BlackoutEnd:      viper.GetString("salon.blackout_end"),
		BlackoutTZ:       viper.GetString("salon.blackout_tz"),
		MetricsNamespace: "salon_coordinator", // Fixed value, not configurable
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown.timeout", &cfg.ShutdownTimeout},
		{"health.check_timeout", &cfg.HealthCheckTimeout},
		{"health.cache_duration", &cfg.HealthCheckCacheDuration},
		{"salon.conch_grant", &cfg.ConchGrant},
		{"salon.conch_grace", &cfg.ConchGrace},
		{"salon.deploy_ttl", &cfg.DeployTTL},
		{"salon.reconcile_interval", &cfg.ReconcileInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(viper.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	olricLogLevel := viper.GetString("olric.log_level")
	if olricLogLevel == "" {
		olricLogLevel = strings.ToUpper(cfg.LogLevel)
	}
	cfg.Olric = &store.OlricConfig{
		BindAddr:          viper.GetString("olric.host"),
		BindPort:          viper.GetInt("olric.port"),
		JoinAddrs:         viper.GetStringSlice("olric.join_addrs"),
		ReplicationMode:   viper.GetString("olric.replication_mode"),
		ReplicationFactor: viper.GetInt("olric.replication_factor"),
		PartitionCount:    uint64(viper.GetInt("olric.partition_count")),
		BackupCount:       viper.GetInt("olric.backup_count"),
		BackupMode:        viper.GetString("olric.backup_mode"),
		MemberCountQuorum: viper.GetInt("olric.member_count_quorum"),
		JoinRetryInterval: viper.GetDuration("olric.join_retry_interval"),
		MaxJoinAttempts:   viper.GetInt("olric.max_join_attempts"),
		LogLevel:          olricLogLevel,
		KeepAlivePeriod:   viper.GetDuration("olric.keep_alive_period"),
		RequestTimeout:    viper.GetDuration("olric.request_timeout"),
		DMapName:          viper.GetString("olric.dmap_name"),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Blackout returns the configured blackout window, or the zero Window when
// no blackout is set.
func (c *Config) Blackout() (policy.Window, error) {
	if c.BlackoutStart == "" && c.BlackoutEnd == "" {
		return policy.Window{}, nil
	}

	start, err := policy.ParseClock(c.BlackoutStart)
	if err != nil {
		return policy.Window{}, fmt.Errorf("invalid blackout start: %w", err)
	}
	end, err := policy.ParseClock(c.BlackoutEnd)
	if err != nil {
		return policy.Window{}, fmt.Errorf("invalid blackout end: %w", err)
	}
	w := policy.Window{Start: start, End: end, TZ: c.BlackoutTZ}
	if _, err := w.Location(); err != nil {
		return policy.Window{}, fmt.Errorf("invalid blackout timezone: %w", err)
	}
	return w, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	if c.ProbePort < 1 || c.ProbePort > 65535 {
		return fmt.Errorf("invalid probe port: %d", c.ProbePort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.TLSEnabled {
		if c.TLSCert == "" {
			return fmt.Errorf("TLS enabled but no certificate path provided")
		}
		if c.TLSKey == "" {
			return fmt.Errorf("TLS enabled but no key path provided")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s (must be positive)", c.ShutdownTimeout)
	}

	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("invalid health check timeout: %s (must be positive)", c.HealthCheckTimeout)
	}

	if c.HealthCheckCacheDuration < 0 {
		return fmt.Errorf("invalid health check cache duration: %s (must be non-negative, zero disables caching)", c.HealthCheckCacheDuration)
	}

	if c.ConchGrant <= 0 {
		return fmt.Errorf("invalid conch grant duration: %s (must be positive)", c.ConchGrant)
	}
	if c.ConchGrace <= 0 {
		return fmt.Errorf("invalid conch grace duration: %s (must be positive)", c.ConchGrace)
	}
	if c.DeployTTL <= 0 {
		return fmt.Errorf("invalid deploy TTL: %s (must be positive)", c.DeployTTL)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("invalid reconcile interval: %s (must be positive)", c.ReconcileInterval)
	}

	if (c.BlackoutStart == "") != (c.BlackoutEnd == "") {
		return fmt.Errorf("blackout start and end must be set together")
	}
	if _, err := c.Blackout(); err != nil {
		return err
	}

	if c.MetricsNamespace == "" {
		return fmt.Errorf("metrics namespace cannot be empty")
	}

	if c.Olric != nil {
		if err := c.Olric.Validate(); err != nil {
			return fmt.Errorf("invalid olric configuration: %w", err)
		}
	}

	return nil
}
