package mailbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/vault"
)

// Authenticator logs a freshly connected client in.
type Authenticator interface {
	Method() string
	Authenticate(ctx context.Context, c *imapclient.Client) error
}

type loginAuthenticator struct {
	username string
	password vault.Secret
}

// NewLoginAuthenticator authenticates with the IMAP LOGIN command.
func NewLoginAuthenticator(username string, password vault.Secret) Authenticator {
	return &loginAuthenticator{username: username, password: password}
}

func (a *loginAuthenticator) Method() string { return string(model.AuthPassword) }

func (a *loginAuthenticator) Authenticate(_ context.Context, c *imapclient.Client) error {
	return c.Login(a.username, a.password.Reveal()).Wait()
}

type saslAuthenticator struct {
	method string
	client func(ctx context.Context) (sasl.Client, error)
}

func (a *saslAuthenticator) Method() string { return a.method }

func (a *saslAuthenticator) Authenticate(ctx context.Context, c *imapclient.Client) error {
	client, err := a.client(ctx)
	if err != nil {
		return err
	}
	return c.Authenticate(client)
}

// NewPlainAuthenticator authenticates with SASL PLAIN.
func NewPlainAuthenticator(username string, password vault.Secret) Authenticator {
	return &saslAuthenticator{
		method: string(model.AuthPlain),
		client: func(context.Context) (sasl.Client, error) {
			return sasl.NewPlainClient("", username, password.Reveal()), nil
		},
	}
}

// NewOAuthBearerAuthenticator authenticates with SASL OAUTHBEARER using a
// token from ts.
func NewOAuthBearerAuthenticator(username string, ts oauth2.TokenSource) Authenticator {
	return &saslAuthenticator{
		method: string(model.AuthOAuth2),
		client: func(context.Context) (sasl.Client, error) {
			tok, err := ts.Token()
			if err != nil {
				return nil, &tokenError{err: err}
			}
			return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
				Username: username,
				Token:    tok.AccessToken,
			}), nil
		},
	}
}

// TokenSource returns the OAuth2 token source for creds. When a refresh
// token and token URL are configured the access token is refreshed as
// needed; otherwise the stored access token is used as is.
func TokenSource(ctx context.Context, creds vault.Credentials) oauth2.TokenSource {
	tok := &oauth2.Token{
		AccessToken:  creds.AccessToken.Reveal(),
		RefreshToken: creds.RefreshToken.Reveal(),
		Expiry:       creds.Expiry,
		TokenType:    "Bearer",
	}
	if tok.RefreshToken == "" || creds.TokenURL == "" {
		return oauth2.StaticTokenSource(tok)
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret.Reveal(),
		Endpoint:     oauth2.Endpoint{TokenURL: creds.TokenURL},
	}
	return cfg.TokenSource(ctx, tok)
}

// AuthenticatorFor picks the authenticator matching the account's auth type.
func AuthenticatorFor(ctx context.Context, acct model.Account, creds vault.Credentials) (Authenticator, error) {
	switch acct.EffectiveAuthType() {
	case model.AuthPassword:
		return NewLoginAuthenticator(creds.Username, creds.Password), nil
	case model.AuthPlain:
		return NewPlainAuthenticator(creds.Username, creds.Password), nil
	case model.AuthOAuth2:
		return NewOAuthBearerAuthenticator(creds.Username, TokenSource(ctx, creds)), nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q for account %s", acct.AuthType, acct.ID)
	}
}

// tokenError marks a failure to obtain an OAuth2 access token.
type tokenError struct{ err error }

func (e *tokenError) Error() string { return "obtaining oauth2 token: " + e.err.Error() }
func (e *tokenError) Unwrap() error { return e.err }

// classifyAuth maps an authentication failure onto AuthError or
// ConnectionError.
func classifyAuth(addr, username, method string, err error) error {
	var imapErr *imap.Error
	var retrieveErr *oauth2.RetrieveError
	var tokErr *tokenError
	switch {
	case errors.As(err, &imapErr), errors.As(err, &retrieveErr):
		return &AuthError{Username: username, Method: method, Err: err}
	case errors.As(err, &tokErr) && !isNetError(err):
		return &AuthError{Username: username, Method: method, Err: err}
	default:
		return &ConnectionError{Addr: addr, Op: "authenticate", Err: err}
	}
}
