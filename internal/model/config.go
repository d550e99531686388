package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway configuration, loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	SMTPUser string `mapstructure:"smtp_user"`
	SMTPPass string `mapstructure:"smtp_pass"`

	IMAPHost string `mapstructure:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port"`
	IMAPUser string `mapstructure:"imap_user"`
	IMAPPass string `mapstructure:"imap_pass"`

	// UseTLS selects implicit TLS for both protocols. When false the
	// clients fall back to STARTTLS on the plain port.
	UseTLS bool `mapstructure:"use_tls"`

	// AllowedSenders lists acceptable sender addresses. Entries
	// starting with "@" match the whole domain. An empty list rejects
	// all mail.
	AllowedSenders []string `mapstructure:"allowed_senders"`

	// AllowedSubjectPrefixes lists subject prefixes that pass the
	// whitelist after reply/forward markers are stripped.
	AllowedSubjectPrefixes []string `mapstructure:"allowed_subject_prefixes"`

	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	// MaxRetries is the total number of attempts for a transport
	// operation that keeps failing transiently.
	MaxRetries         int `mapstructure:"max_retries"`
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds"`

	OperationTimeoutSeconds int `mapstructure:"operation_timeout_seconds"`
	SearchTimeoutSeconds    int `mapstructure:"search_timeout_seconds"`

	// NotifyFailures controls whether a best-effort failure reply is
	// sent when a dispatch fails. The message stays unseen either way.
	NotifyFailures bool `mapstructure:"notify_failures"`

	DiaryDBPath string `mapstructure:"diary_db_path"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/secretary/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "secretary", "config.yaml")
}

// DefaultDiaryDBPath returns the default location of the diary database.
func DefaultDiaryDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "diary.db")
	}
	return filepath.Join(home, ".local", "share", "secretary", "diary.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("smtp_port", 465)
	v.SetDefault("imap_port", 993)
	v.SetDefault("use_tls", true)
	v.SetDefault("allowed_subject_prefixes", []string{"SEC: 日记", "SEC: 周报"})
	v.SetDefault("poll_interval_seconds", 300)
	v.SetDefault("max_retries", 3)
	v.SetDefault("backoff_base_seconds", 2)
	v.SetDefault("operation_timeout_seconds", 60)
	v.SetDefault("search_timeout_seconds", 30)
	v.SetDefault("notify_failures", true)
	v.SetDefault("diary_db_path", DefaultDiaryDBPath())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, a configuration with defaults only
// is returned; credentials are then expected from the keyring or the
// environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports configuration mistakes that cannot be papered over
// at runtime. Retrying cannot fix any of these.
func (c *Config) Validate() error {
	switch {
	case c.IMAPHost == "":
		return errors.New("imap_host is not configured")
	case c.IMAPUser == "" || c.IMAPPass == "":
		return errors.New("imap credentials are not configured")
	case c.SMTPHost == "":
		return errors.New("smtp_host is not configured")
	case c.SMTPUser == "" || c.SMTPPass == "":
		return errors.New("smtp credentials are not configured")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	return nil
}

// PollInterval returns the polling interval as a duration.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// OperationTimeout returns the per-operation timeout as a duration.
func (c *Config) OperationTimeout() time.Duration {
	if c.OperationTimeoutSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.OperationTimeoutSeconds) * time.Second
}

// SearchTimeout returns the timeout for the server-side unseen search,
// nested inside the operation timeout.
func (c *Config) SearchTimeout() time.Duration {
	if c.SearchTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SearchTimeoutSeconds) * time.Second
}
