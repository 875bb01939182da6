package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/deploysalon/coordinator/internal/policy"
)

func TestLoad(t *testing.T) {
	// Reset viper state before each test
	defer viper.Reset()

	tests := []struct {
		name    string
		setup   func()
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default configuration",
			setup: func() {
				viper.Reset()
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.APIPort != 8080 {
					t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
				}
				if cfg.ProbePort != 8081 {
					t.Errorf("ProbePort = %d, want 8081", cfg.ProbePort)
				}
				if cfg.MetricsPort != 9090 {
					t.Errorf("MetricsPort = %d, want 9090", cfg.MetricsPort)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
				}
				if cfg.LogFormat != "json" {
					t.Errorf("LogFormat = %s, want json", cfg.LogFormat)
				}
				if cfg.ShutdownTimeout != 30*time.Second {
					t.Errorf("ShutdownTimeout = %s, want 30s", cfg.ShutdownTimeout)
				}
				if cfg.ConchGrant != 15*time.Minute {
					t.Errorf("ConchGrant = %s, want 15m", cfg.ConchGrant)
				}
				if cfg.ConchGrace != 5*time.Minute {
					t.Errorf("ConchGrace = %s, want 5m", cfg.ConchGrace)
				}
				if cfg.DeployTTL != time.Hour {
					t.Errorf("DeployTTL = %s, want 1h", cfg.DeployTTL)
				}
				if cfg.ReconcileInterval != 10*time.Second {
					t.Errorf("ReconcileInterval = %s, want 10s", cfg.ReconcileInterval)
				}
				if cfg.Olric == nil || cfg.Olric.DMapName != "salon-config" {
					t.Errorf("Olric DMapName = %v, want salon-config", cfg.Olric)
				}
				blackout, err := cfg.Blackout()
				if err != nil {
					t.Errorf("Blackout() error = %v", err)
				}
				if blackout != (policy.Window{}) {
					t.Errorf("Blackout() = %+v, want disabled", blackout)
				}
			},
		},
		{
			name: "custom configuration via viper",
			setup: func() {
				viper.Reset()
				viper.Set("api.port", 9000)
				viper.Set("probe.port", 9001)
				viper.Set("metrics.port", 9002)
				viper.Set("log.level", "debug")
				viper.Set("log.format", "console")
				viper.Set("shutdown.timeout", "60s")
				viper.Set("salon.channel_suffix", "-salon")
				viper.Set("salon.organizations", []string{"acme", "initech"})
				viper.Set("salon.deploy_ttl", "90m")
				viper.Set("callback.secret", "hunter2")
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.APIPort != 9000 {
					t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
				}
				if cfg.LogLevel != "debug" {
					t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
				}
				if cfg.ShutdownTimeout != 60*time.Second {
					t.Errorf("ShutdownTimeout = %s, want 60s", cfg.ShutdownTimeout)
				}
				if cfg.ChannelSuffix != "-salon" {
					t.Errorf("ChannelSuffix = %s, want -salon", cfg.ChannelSuffix)
				}
				if len(cfg.Organizations) != 2 || cfg.Organizations[0] != "acme" {
					t.Errorf("Organizations = %v", cfg.Organizations)
				}
				if cfg.DeployTTL != 90*time.Minute {
					t.Errorf("DeployTTL = %s, want 90m", cfg.DeployTTL)
				}
				if cfg.CallbackSecret != "hunter2" {
					t.Errorf("CallbackSecret = %s, want hunter2", cfg.CallbackSecret)
				}
			},
		},
		{
			name: "blackout window",
			setup: func() {
				viper.Reset()
				viper.Set("salon.blackout_start", "16:00")
				viper.Set("salon.blackout_end", "18:00")
				viper.Set("salon.blackout_tz", "America/New_York")
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				blackout, err := cfg.Blackout()
				if err != nil {
					t.Fatalf("Blackout() error = %v", err)
				}
				if blackout.Start.Hour != 16 || blackout.End.Hour != 18 {
					t.Errorf("Blackout() = %+v", blackout)
				}
				if blackout.TZ != "America/New_York" {
					t.Errorf("Blackout TZ = %s", blackout.TZ)
				}
			},
		},
		{
			name: "TLS configuration",
			setup: func() {
				viper.Reset()
				viper.Set("tls.enabled", true)
				viper.Set("tls.cert", "/path/to/cert.pem")
				viper.Set("tls.key", "/path/to/key.pem")
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if !cfg.TLSEnabled {
					t.Error("TLSEnabled = false, want true")
				}
				if cfg.TLSCert != "/path/to/cert.pem" {
					t.Errorf("TLSCert = %s, want /path/to/cert.pem", cfg.TLSCert)
				}
				if cfg.TLSKey != "/path/to/key.pem" {
					t.Errorf("TLSKey = %s, want /path/to/key.pem", cfg.TLSKey)
				}
			},
		},
		{
			name: "invalid shutdown timeout",
			setup: func() {
				viper.Reset()
				viper.Set("shutdown.timeout", "invalid")
			},
			wantErr: true,
			check:   nil,
		},
		{
			name: "invalid conch grant",
			setup: func() {
				viper.Reset()
				viper.Set("salon.conch_grant", "soon")
			},
			wantErr: true,
			check:   nil,
		},
		{
			name: "blackout start without end",
			setup: func() {
				viper.Reset()
				viper.Set("salon.blackout_start", "16:00")
			},
			wantErr: true,
			check:   nil,
		},
		{
			name: "malformed blackout clock",
			setup: func() {
				viper.Reset()
				viper.Set("salon.blackout_start", "late")
				viper.Set("salon.blackout_end", "18:00")
			},
			wantErr: true,
			check:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

// validConfig returns a configuration that passes Validate; cases mutate
// single fields from here.
func validConfig() *Config {
	return &Config{
		APIPort:                  8080,
		ProbePort:                8081,
		MetricsPort:              9090,
		LogLevel:                 "info",
		LogFormat:                "json",
		ShutdownTimeout:          30 * time.Second,
		HealthCheckTimeout:       5 * time.Second,
		HealthCheckCacheDuration: 10 * time.Second,
		MetricsNamespace:         "salon_coordinator",
		ConchGrant:               15 * time.Minute,
		ConchGrace:               5 * time.Minute,
		DeployTTL:                time.Hour,
		ReconcileInterval:        10 * time.Second,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid configuration",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "invalid API port - too low",
			mutate:  func(c *Config) { c.APIPort = 0 },
			wantErr: true,
		},
		{
			name:    "invalid API port - too high",
			mutate:  func(c *Config) { c.APIPort = 65536 },
			wantErr: true,
		},
		{
			name:    "invalid probe port",
			mutate:  func(c *Config) { c.ProbePort = -1 },
			wantErr: true,
		},
		{
			name:    "invalid metrics port",
			mutate:  func(c *Config) { c.MetricsPort = 70000 },
			wantErr: true,
		},
		{
			name: "TLS enabled but no cert",
			mutate: func(c *Config) {
				c.TLSEnabled = true
				c.TLSKey = "/path/to/key"
			},
			wantErr: true,
		},
		{
			name: "TLS enabled but no key",
			mutate: func(c *Config) {
				c.TLSEnabled = true
				c.TLSCert = "/path/to/cert"
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.LogFormat = "invalid" },
			wantErr: true,
		},
		{
			name:    "negative shutdown timeout",
			mutate:  func(c *Config) { c.ShutdownTimeout = -1 * time.Second },
			wantErr: true,
		},
		{
			name:    "zero conch grant",
			mutate:  func(c *Config) { c.ConchGrant = 0 },
			wantErr: true,
		},
		{
			name:    "zero deploy TTL",
			mutate:  func(c *Config) { c.DeployTTL = 0 },
			wantErr: true,
		},
		{
			name:    "zero reconcile interval",
			mutate:  func(c *Config) { c.ReconcileInterval = 0 },
			wantErr: true,
		},
		{
			name:    "blackout end without start",
			mutate:  func(c *Config) { c.BlackoutEnd = "18:00" },
			wantErr: true,
		},
		{
			name: "unknown blackout timezone",
			mutate: func(c *Config) {
				c.BlackoutStart = "16:00"
				c.BlackoutEnd = "18:00"
				c.BlackoutTZ = "Mars/Olympus"
			},
			wantErr: true,
		},
		{
			name:    "all log levels are valid",
			mutate:  func(c *Config) { c.LogLevel = "debug" },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	// Save current environment and restore at the end
	oldEnv := make(map[string]string)
	envVars := map[string]string{
		"SALON_API_PORT":         "9000",
		"SALON_PROBE_PORT":       "9001",
		"SALON_METRICS_PORT":     "9002",
		"SALON_LOG_LEVEL":        "debug",
		"SALON_LOG_FORMAT":       "console",
		"SALON_TLS_ENABLED":      "true",
		"SALON_TLS_CERT":         "/test/cert.pem",
		"SALON_TLS_KEY":          "/test/key.pem",
		"SALON_SHUTDOWN_TIMEOUT": "45s",
		"SALON_CALLBACK_SECRET":  "hunter2",
		"SALON_SALON_DEPLOY_TTL": "45m",
	}

	for key := range envVars {
		oldEnv[key] = os.Getenv(key)
	}

	// Clean up at the end
	defer func() {
		for key, value := range oldEnv {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
		viper.Reset()
	}()

	// Set environment variables
	for key, value := range envVars {
		if err := os.Setenv(key, value); err != nil {
			t.Fatalf("Failed to set env var %s: %v", key, err)
		}
	}

	// Reset viper to pick up environment variables
	viper.Reset()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.APIPort != 9000 {
		t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
	}
	if cfg.ProbePort != 9001 {
		t.Errorf("ProbePort = %d, want 9001", cfg.ProbePort)
	}
	if cfg.MetricsPort != 9002 {
		t.Errorf("MetricsPort = %d, want 9002", cfg.MetricsPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "console" {
		t.Errorf("LogFormat = %s, want console", cfg.LogFormat)
	}
	if !cfg.TLSEnabled {
		t.Error("TLSEnabled = false, want true")
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 45s", cfg.ShutdownTimeout)
	}
	if cfg.CallbackSecret != "hunter2" {
		t.Errorf("CallbackSecret = %s, want hunter2", cfg.CallbackSecret)
	}
	if cfg.DeployTTL != 45*time.Minute {
		t.Errorf("DeployTTL = %s, want 45m", cfg.DeployTTL)
	}
}
