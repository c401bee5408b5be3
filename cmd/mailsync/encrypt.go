package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/vault"
)

// secretFields maps config field names to the account secret they hold.
var secretFields = map[string]func(*model.Account) *string{
	"imap.password":       func(a *model.Account) *string { return &a.IMAP.Password },
	"oauth.client_secret": func(a *model.Account) *string { return &a.OAuth.ClientSecret },
	"oauth.refresh_token": func(a *model.Account) *string { return &a.OAuth.RefreshToken },
	"oauth.access_token":  func(a *model.Account) *string { return &a.OAuth.AccessToken },
}

func secretFieldNames() string {
	names := make([]string, 0, len(secretFields))
	for name := range secretFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func registerEncryptCommand(app *cli.App) {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "encrypt",
		Usage: "encrypt a secret with the master key",
		Description: `Reads the secret from the terminal (without echo) or from stdin and
prints the token to put in the config. With --write the token is stored
in the account's config entry directly.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Aliases: []string{"a"}, Usage: "account whose secret to set (with --write)"},
			&cli.StringFlag{Name: "field", Value: "imap.password", Usage: "secret field: " + secretFieldNames()},
			&cli.BoolFlag{Name: "write", Aliases: []string{"w"}, Usage: "store the token in the config file"},
		},
		Action: runEncrypt,
	})
}

func runEncrypt(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}

	field, ok := secretFields[c.String("field")]
	if !ok {
		return fmt.Errorf("unknown secret field %q (want one of %s)", c.String("field"), secretFieldNames())
	}
	if c.Bool("write") && c.String("account") == "" {
		return fmt.Errorf("--write needs --account")
	}

	if err := e.openVault(); err != nil {
		return err
	}
	secret, err := readSecret(os.Stdin, c.App.ErrWriter)
	if err != nil {
		return err
	}
	token, err := e.vault.Encrypt(secret.Reveal())
	if err != nil {
		return err
	}

	if !c.Bool("write") {
		fmt.Fprintln(c.App.Writer, token)
		return nil
	}

	if err := setAccountSecret(e.cfg, c.String("account"), field, token); err != nil {
		return err
	}
	if err := model.SaveConfig(e.configPath, e.cfg); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "stored %s for account %s in %s\n", c.String("field"), c.String("account"), e.configPath)
	return nil
}

func setAccountSecret(cfg *model.AppConfig, accountID string, field func(*model.Account) *string, token string) error {
	for i := range cfg.Accounts {
		if cfg.Accounts[i].ID == accountID {
			*field(&cfg.Accounts[i]) = token
			return nil
		}
	}
	return fmt.Errorf("%w: %s", model.ErrAccountNotConfigured, accountID)
}

// readSecret prompts without echo when in is a terminal and otherwise
// reads the first line of in.
func readSecret(in *os.File, prompt io.Writer) (vault.Secret, error) {
	if term.IsTerminal(int(in.Fd())) {
		fmt.Fprint(prompt, "Secret: ")
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return vault.Secret(b), nil
	}
	return readSecretLine(in)
}

func readSecretLine(r io.Reader) (vault.Secret, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("empty secret")
	}
	return vault.Secret(line), nil
}
