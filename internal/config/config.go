// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the autoresponder daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Provider names accepted in Config.Provider. Empty selects automatically.
const (
	ProviderStdout = "stdout"
	ProviderSES    = "ses"
	ProviderRelay  = "relay"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig    `yaml:"smtp"`
	Provider string        `yaml:"provider"`
	Relay    RelayConfig   `yaml:"relay"`
	SES      SESConfig     `yaml:"ses"`
	DKIM     DKIMConfig    `yaml:"dkim"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
	Rules    RulesConfig   `yaml:"rules"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// SMTPConfig holds inbound SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// RelayConfig holds outbound SMTP relay configuration. An empty Host falls
// back to the SMTP/port of the rules document.
type RelayConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TLS       string `yaml:"tls"`
	TLSVerify bool   `yaml:"tls_verify"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
	Retries         int    `yaml:"retries"`
}

// DKIMConfig holds DKIM signing configuration for outgoing replies.
type DKIMConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RulesConfig locates the autoreply rule document.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig holds the Prometheus endpoint configuration. An empty
// Listen disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.Validate()
}

// Validate checks values that cannot be corrected with a default.
func (c *Config) Validate() error {
	switch c.Provider {
	case "", ProviderStdout, ProviderSES, ProviderRelay:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	switch c.Relay.TLS {
	case "", "none", "starttls", "tls":
	default:
		return fmt.Errorf("unknown relay tls mode %q", c.Relay.TLS)
	}
	if c.SES.Retries < 0 {
		return fmt.Errorf("ses retries must not be negative, got %d", c.SES.Retries)
	}
	if c.Rules.Path == "" {
		return fmt.Errorf("rules path is required")
	}
	return nil
}

// SESConfigured returns true if an SES region is set. Credentials may come
// from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// RelayConfigured returns true if an explicit relay host is set.
func (c *Config) RelayConfigured() bool {
	return c.Relay.Host != ""
}

// DKIMConfigured returns true if all three DKIM settings are set.
func (c *Config) DKIMConfigured() bool {
	return c.DKIM.Domain != "" && c.DKIM.Selector != "" && c.DKIM.KeyFile != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Relay.TLSVerify = true
	c.Logging.Level = "info"
	c.Rules.Path = "/etc/autoreply/autoreply.json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setInt64(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE")

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString(&c.Relay.Host, "RELAY_HOST")
	setInt(&c.Relay.Port, "RELAY_PORT")
	setString(&c.Relay.Username, "RELAY_USERNAME")
	setString(&c.Relay.Password, "RELAY_PASSWORD")
	if v := os.Getenv("RELAY_TLS"); v != "" {
		c.Relay.TLS = strings.ToLower(v)
	}
	setBool(&c.Relay.TLSVerify, "RELAY_TLS_VERIFY")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")
	setInt(&c.SES.Retries, "SES_RETRIES")

	setString(&c.DKIM.Domain, "DKIM_DOMAIN")
	setString(&c.DKIM.Selector, "DKIM_SELECTOR")
	setString(&c.DKIM.KeyFile, "DKIM_KEY_FILE")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	setString(&c.Rules.Path, "RULES_FILE")
	setString(&c.Metrics.Listen, "METRICS_LISTEN")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Unparseable numeric and boolean values leave the current value in place.

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
