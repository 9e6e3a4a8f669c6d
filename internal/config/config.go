// Package config loads and validates the mediator's single YAML
// configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type StoreConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type SecurityConfig struct {
	JWTAccessTTL         time.Duration `yaml:"jwt_access_ttl"`
	JWTRefreshTTL        time.Duration `yaml:"jwt_refresh_ttl"`
	DefaultACL           []string      `yaml:"default_acl"`
	BlockRemoteAdmin     bool          `yaml:"block_remote_admin"`
	ForwardToSelfAliases []string      `yaml:"forward_to_self_aliases"`
	JWTSigningKey        string        `yaml:"jwt_signing_key"`
	RootAdminDID         string       `yaml:"root_admin_did"`
	MediatorDID          string       `yaml:"mediator_did"`
	DIDDocumentsPath     string       `yaml:"did_documents_path"`
}

type LimitsConfig struct {
	SoftReceive          int           `yaml:"soft_receive"`
	HardReceive          int           `yaml:"hard_receive"`
	SoftSend             int           `yaml:"soft_send"`
	HardSend             int           `yaml:"hard_send"`
	MaxMessageBytes      int           `yaml:"max_message_bytes"`
	OOBInviteTTL         time.Duration `yaml:"oob_invite_ttl"`
	MessageExpirySeconds int           `yaml:"message_expiry_seconds"`
}

type ExpiryConfig struct {
	Enabled    bool          `yaml:"enabled"`
	IntervalS  time.Duration `yaml:"interval_s"`
}

type ForwarderConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RemoteURL string `yaml:"remote_url"`
}

type ProcessorsConfig struct {
	Expiry    ExpiryConfig    `yaml:"expiry"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
}

type LoggingConfig struct {
	JSON                 bool              `yaml:"json"`
	StatisticsAttributes map[string]string `yaml:"statistics_attributes"`
}

// Config is the root of the mediator's configuration document.
type Config struct {
	ListenAddress string           `yaml:"listen_address"`
	TLS           TLS              `yaml:"tls"`
	Store         StoreConfig      `yaml:"store"`
	Security      SecurityConfig   `yaml:"security"`
	Limits        LimitsConfig     `yaml:"limits"`
	Processors    ProcessorsConfig `yaml:"processors"`
	Logging       LoggingConfig    `yaml:"logging"`
}

func defaults() Config {
	return Config{
		ListenAddress: ":8080",
		Store:         StoreConfig{URL: "redis://127.0.0.1:6379/0", PoolSize: 10},
		Security: SecurityConfig{
			JWTAccessTTL:  15 * time.Minute,
			JWTRefreshTTL: 7 * 24 * time.Hour,
			DefaultACL:    []string{"ALLOW_INBOUND", "ALLOW_OUTBOUND"},
		},
		Limits: LimitsConfig{
			SoftReceive:          500,
			HardReceive:          1000,
			SoftSend:             500,
			HardSend:             1000,
			MaxMessageBytes:      1 << 20,
			OOBInviteTTL:         24 * time.Hour,
			MessageExpirySeconds: 14 * 24 * 3600,
		},
		Processors: ProcessorsConfig{
			Expiry:    ExpiryConfig{Enabled: true, IntervalS: 60 * time.Second},
			Forwarder: ForwarderConfig{Enabled: true},
		},
		Logging: LoggingConfig{JSON: true},
	}
}

// Load reads path, merges it over the built-in defaults, applies
// MEDIATOR_-prefixed environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := getenv("MEDIATOR_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := getenv("MEDIATOR_STORE_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := getenv("MEDIATOR_JWT_SIGNING_KEY"); v != "" {
		cfg.Security.JWTSigningKey = v
	}
	if v := getenv("MEDIATOR_ROOT_ADMIN_DID"); v != "" {
		cfg.Security.RootAdminDID = v
	}
	if v := getenv("MEDIATOR_MEDIATOR_DID"); v != "" {
		cfg.Security.MediatorDID = v
	}
	if v, ok := getenvInt("MEDIATOR_HARD_RECEIVE"); ok {
		cfg.Limits.HardReceive = v
	}
	if v, ok := getenvDuration("MEDIATOR_JWT_ACCESS_TTL"); ok {
		cfg.Security.JWTAccessTTL = v
	}
}

func validate(cfg Config) error {
	var bad []string
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		bad = append(bad, "listen_address must not be empty")
	}
	if strings.TrimSpace(cfg.Store.URL) == "" {
		bad = append(bad, "store.url must not be empty")
	}
	if cfg.Security.JWTAccessTTL < 10*time.Second {
		bad = append(bad, "security.jwt_access_ttl must be >= 10s")
	}
	if strings.TrimSpace(cfg.Security.JWTSigningKey) == "" {
		bad = append(bad, "security.jwt_signing_key must be set (MEDIATOR_JWT_SIGNING_KEY)")
	}
	if cfg.Limits.HardReceive <= 0 || cfg.Limits.HardSend <= 0 {
		bad = append(bad, "limits.hard_receive and limits.hard_send must be positive")
	}
	if cfg.Limits.SoftReceive > cfg.Limits.HardReceive {
		bad = append(bad, "limits.soft_receive must be <= hard_receive")
	}
	if cfg.Limits.SoftSend > cfg.Limits.HardSend {
		bad = append(bad, "limits.soft_send must be <= hard_send")
	}
	if cfg.Limits.MaxMessageBytes <= 0 {
		bad = append(bad, "limits.max_message_bytes must be positive")
	}
	if len(bad) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(bad, "; "))
	}
	return nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func getenvInt(key string) (int, bool) {
	v := getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getenvDuration(key string) (time.Duration, bool) {
	v := getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
