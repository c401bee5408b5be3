package vault

import (
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

const redacted = "[REDACTED]"

// Secret is a decrypted credential. It formats as [REDACTED] so it can not
// leak through log fields or %v; call Reveal to get the value.
type Secret string

func (s Secret) Reveal() string { return string(s) }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return s.String() }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Credentials are the decrypted secrets needed to authenticate one account.
type Credentials struct {
	Username string
	Password Secret

	ClientID     string
	ClientSecret Secret
	RefreshToken Secret
	AccessToken  Secret
	TokenURL     string
	Expiry       time.Time
}

// Credentials decrypts the secrets of acct. The account itself is not
// modified.
func (v *Vault) Credentials(acct model.Account) (Credentials, error) {
	creds := Credentials{
		Username: acct.IMAP.Username,
		ClientID: acct.OAuth.ClientID,
		TokenURL: acct.OAuth.TokenURL,
		Expiry:   acct.OAuth.Expiry,
	}

	fields := []struct {
		name  string
		token string
		dst   *Secret
	}{
		{"imap.password", acct.IMAP.Password, &creds.Password},
		{"oauth.client_secret", acct.OAuth.ClientSecret, &creds.ClientSecret},
		{"oauth.refresh_token", acct.OAuth.RefreshToken, &creds.RefreshToken},
		{"oauth.access_token", acct.OAuth.AccessToken, &creds.AccessToken},
	}
	for _, f := range fields {
		plain, err := v.Decrypt(f.token)
		if err != nil {
			return Credentials{}, fmt.Errorf("decrypting %s of account %s: %w", f.name, acct.ID, err)
		}
		*f.dst = Secret(plain)
	}

	return creds, nil
}
