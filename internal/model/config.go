package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Key sources understood by the vault.
const (
	KeySourceFile       = "file"
	KeySourcePassphrase = "passphrase"
	KeySourceKeyring    = "keyring"
)

// Database drivers understood by the store.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the local store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// VaultConfig selects where the master key comes from.
type VaultConfig struct {
	KeySource     string `mapstructure:"key_source" yaml:"key_source"`
	KeyFile       string `mapstructure:"key_file" yaml:"key_file"`
	SaltFile      string `mapstructure:"salt_file" yaml:"salt_file"`
	PassphraseEnv string `mapstructure:"passphrase_env" yaml:"passphrase_env"`
}

// AttachmentsConfig locates downloaded attachment content.
type AttachmentsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SyncConfig holds default sync options.
type SyncConfig struct {
	BatchSize       int  `mapstructure:"batch_size" yaml:"batch_size"`
	MaxEmails       int  `mapstructure:"max_emails" yaml:"max_emails"`
	Attachments     bool `mapstructure:"attachments" yaml:"attachments"`
	CheckStatus     bool `mapstructure:"check_status" yaml:"check_status"`
	PollIntervalSec int  `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	Concurrency     int  `mapstructure:"concurrency" yaml:"concurrency"`
	TimeoutSec      int  `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Vault       VaultConfig       `mapstructure:"vault" yaml:"vault"`
	Attachments AttachmentsConfig `mapstructure:"attachments" yaml:"attachments"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Sync        SyncConfig        `mapstructure:"sync" yaml:"sync"`
	Accounts    []Account         `mapstructure:"accounts" yaml:"accounts"`
}

// ErrAccountNotConfigured is returned by AppConfig.Account for unknown ids.
var ErrAccountNotConfigured = errors.New("account not configured")

// Account returns the configured account with the given id.
func (c *AppConfig) Account(id string) (Account, error) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return Account{}, fmt.Errorf("%w: %s", ErrAccountNotConfigured, id)
}

// ConfigDir returns ~/.config/mailsync, or "." when the home directory
// cannot be determined.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailsync")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	dir := ConfigDir()
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", filepath.Join(dir, "mailsync.db"))
	v.SetDefault("vault.key_source", KeySourceFile)
	v.SetDefault("vault.key_file", filepath.Join(dir, "master.key"))
	v.SetDefault("vault.salt_file", filepath.Join(dir, "master.salt"))
	v.SetDefault("vault.passphrase_env", "MAILSYNC_PASSPHRASE")
	v.SetDefault("attachments.dir", filepath.Join(dir, "attachments"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.max_emails", 0)
	v.SetDefault("sync.attachments", false)
	v.SetDefault("sync.check_status", true)
	v.SetDefault("sync.poll_interval_sec", 300)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.timeout_sec", 60)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Values may be overridden with MAILSYNC_ prefixed environment variables
// (e.g. MAILSYNC_DATABASE_DSN). A missing file yields the defaults.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	seen := make(map[string]bool, len(cfg.Accounts))
	for i := range cfg.Accounts {
		acct := &cfg.Accounts[i]
		if acct.ID == "" {
			return nil, fmt.Errorf("parsing config %s: accounts[%d] has no id", path, i)
		}
		if seen[acct.ID] {
			return nil, fmt.Errorf("parsing config %s: duplicate account id %q", path, acct.ID)
		}
		seen[acct.ID] = true

		if acct.PollIntervalSec == 0 {
			acct.PollIntervalSec = cfg.Sync.PollIntervalSec
		}
		if acct.AuthType == "" {
			acct.AuthType = AuthPassword
		}
		// STARTTLS is on unless explicitly disabled for plaintext ports.
		if !acct.IMAP.TLS && !v.IsSet(fmt.Sprintf("accounts.%d.imap.starttls", i)) {
			acct.IMAP.StartTLS = true
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("vault", cfg.Vault)
	v.Set("attachments", cfg.Attachments)
	v.Set("log", cfg.Log)
	v.Set("sync", cfg.Sync)
	v.Set("accounts", cfg.Accounts)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
