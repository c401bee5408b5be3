package model

import (
	"net"
	"strconv"
	"time"
)

// AuthType selects how a session authenticates against the mail server.
type AuthType string

const (
	// AuthPassword uses the IMAP LOGIN command.
	AuthPassword AuthType = "password"
	// AuthPlain uses SASL PLAIN.
	AuthPlain AuthType = "plain"
	// AuthOAuth2 uses SASL OAUTHBEARER with an OAuth2 access token.
	AuthOAuth2 AuthType = "oauth2"
)

// Default IMAP ports.
const (
	DefaultIMAPSPort = 993
	DefaultIMAPPort  = 143
)

// IMAPConfig holds the connection parameters of a remote mailbox.
// Password holds a vault token, never plaintext.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`

	// TLS dials with implicit TLS. When false the session upgrades with
	// STARTTLS unless StartTLS is also false.
	TLS                bool `mapstructure:"tls" yaml:"tls"`
	StartTLS           bool `mapstructure:"starttls" yaml:"starttls"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// OAuthConfig holds OAuth2 client settings for AuthOAuth2 accounts.
// ClientSecret, RefreshToken and AccessToken hold vault tokens.
type OAuthConfig struct {
	ClientID     string    `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string    `mapstructure:"client_secret" yaml:"client_secret"`
	RefreshToken string    `mapstructure:"refresh_token" yaml:"refresh_token"`
	AccessToken  string    `mapstructure:"access_token" yaml:"access_token"`
	TokenURL     string    `mapstructure:"token_url" yaml:"token_url"`
	Expiry       time.Time `mapstructure:"expiry" yaml:"expiry"`
}

// Account is one configured remote mailbox.
type Account struct {
	// ID is the stable identifier used to key folders, messages and cursors.
	ID string `mapstructure:"id" yaml:"id" db:"id"`

	// Name is a user-facing label.
	Name string `mapstructure:"name" yaml:"name" db:"name"`

	// Email is the primary address of the mailbox.
	Email string `mapstructure:"email" yaml:"email" db:"email"`

	AuthType AuthType    `mapstructure:"auth_type" yaml:"auth_type" db:"auth_type"`
	IMAP     IMAPConfig  `mapstructure:"imap" yaml:"imap" db:"-"`
	OAuth    OAuthConfig `mapstructure:"oauth" yaml:"oauth" db:"-"`

	// Folders restricts an all-folder sync to these names. Empty means
	// every selectable folder.
	Folders []string `mapstructure:"folders" yaml:"folders" db:"-"`

	// PollIntervalSec overrides sync.poll_interval_sec for this account.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec" db:"-"`
}

// Addr returns the host:port of the account's IMAP server, applying the
// default port for the configured transport.
func (a Account) Addr() string {
	port := a.IMAP.Port
	if port == 0 {
		port = DefaultIMAPPort
		if a.IMAP.TLS {
			port = DefaultIMAPSPort
		}
	}
	return net.JoinHostPort(a.IMAP.Host, strconv.Itoa(port))
}

// EffectiveAuthType returns the auth type, defaulting to AuthPassword.
func (a Account) EffectiveAuthType() AuthType {
	if a.AuthType == "" {
		return AuthPassword
	}
	return a.AuthType
}
