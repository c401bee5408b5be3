package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, KeySourceFile, cfg.Vault.KeySource)
	assert.Equal(t, "MAILSYNC_PASSPHRASE", cfg.Vault.PassphraseEnv)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.True(t, cfg.Sync.CheckStatus)
	assert.False(t, cfg.Sync.Attachments)
	assert.Equal(t, 300, cfg.Sync.PollIntervalSec)
	assert.Empty(t, cfg.Accounts)
}

func TestLoadConfigAccounts(t *testing.T) {
	path := writeFile(t, `
sync:
  batch_size: 25
  poll_interval_sec: 120
accounts:
  - id: work
    email: me@work.example
    imap:
      host: imap.work.example
      tls: true
      username: me
      password: c2VjcmV0
    folders: [INBOX, Sent]
  - id: legacy
    auth_type: plain
    poll_interval_sec: 30
    imap:
      host: mail.legacy.example
      port: 143
  - id: cleartext
    imap:
      host: localhost
      port: 1143
      starttls: false
  - id: gmail
    auth_type: oauth2
    imap:
      host: imap.gmail.com
      tls: true
    oauth:
      client_id: cid
      token_url: https://oauth2.example/token
      expiry: 2025-03-01T10:00:00Z
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 4)
	assert.Equal(t, 25, cfg.Sync.BatchSize)

	work, err := cfg.Account("work")
	require.NoError(t, err)
	assert.Equal(t, AuthPassword, work.AuthType)
	assert.True(t, work.IMAP.TLS)
	assert.False(t, work.IMAP.StartTLS)
	assert.Equal(t, "imap.work.example:993", work.Addr())
	assert.Equal(t, []string{"INBOX", "Sent"}, work.Folders)
	assert.Equal(t, 120, work.PollIntervalSec)

	legacy, err := cfg.Account("legacy")
	require.NoError(t, err)
	assert.Equal(t, AuthPlain, legacy.AuthType)
	assert.True(t, legacy.IMAP.StartTLS)
	assert.Equal(t, 30, legacy.PollIntervalSec)
	assert.Equal(t, "mail.legacy.example:143", legacy.Addr())

	plain, err := cfg.Account("cleartext")
	require.NoError(t, err)
	assert.False(t, plain.IMAP.StartTLS)

	gmail, err := cfg.Account("gmail")
	require.NoError(t, err)
	assert.Equal(t, AuthOAuth2, gmail.EffectiveAuthType())
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), gmail.OAuth.Expiry.UTC())

	_, err = cfg.Account("nope")
	assert.ErrorIs(t, err, ErrAccountNotConfigured)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeFile(t, "database:\n  dsn: /from/file.db\n")
	t.Setenv("MAILSYNC_DATABASE_DSN", "/from/env.db")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env.db", cfg.Database.DSN)
}

func TestLoadConfigRejectsBadAccounts(t *testing.T) {
	tests := map[string]string{
		"missing id":   "accounts:\n  - imap: {host: a}\n",
		"duplicate id": "accounts:\n  - id: a\n  - id: a\n",
		"bad yaml":     "accounts: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, content))
			assert.Error(t, err)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	in := &AppConfig{
		Database: DatabaseConfig{Driver: DriverPostgres, DSN: "postgres://localhost/mail"},
		Vault:    VaultConfig{KeySource: KeySourceKeyring},
		Sync:     SyncConfig{BatchSize: 10, CheckStatus: true},
		Accounts: []Account{{
			ID:       "a",
			AuthType: AuthPassword,
			IMAP:     IMAPConfig{Host: "imap.example.com", Port: 993, TLS: true, Username: "u", Password: "tok"},
		}},
	}
	require.NoError(t, SaveConfig(path, in))

	out, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, in.Database, out.Database)
	assert.Equal(t, KeySourceKeyring, out.Vault.KeySource)
	assert.Equal(t, 10, out.Sync.BatchSize)
	require.Len(t, out.Accounts, 1)
	assert.Equal(t, "tok", out.Accounts[0].IMAP.Password)
	assert.Equal(t, 993, out.Accounts[0].IMAP.Port)
}
