package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/99designs/keyring"

	"github.com/nhle/mailsync/internal/model"
)

const (
	serviceName = "mailsync"

	// DefaultKeyringItem is the keyring entry holding the master key.
	DefaultKeyringItem = "master-key"
)

// OpenKeyring returns the OS credential store configured for mailsync.
func OpenKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(model.ConfigDir(), "keyring"),
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyringKey keeps the master key in a keyring entry, generating it on
// first use.
type KeyringKey struct {
	Ring keyring.Keyring
	Item string
}

func (k KeyringKey) MasterKey() ([]byte, error) {
	name := k.Item
	if name == "" {
		name = DefaultKeyringItem
	}

	item, err := k.Ring.Get(name)
	switch {
	case errors.Is(err, keyring.ErrKeyNotFound):
		return k.generate(name)
	case err != nil:
		return nil, &CryptoError{Op: "load keyring key", Err: fmt.Errorf("getting %q: %w", name, err)}
	}

	if len(item.Data) != KeySize {
		return nil, &CryptoError{
			Op:     "load keyring key",
			Reason: fmt.Sprintf("entry %q is %d bytes, want %d", name, len(item.Data), KeySize),
			Err:    ErrInvalidKey,
		}
	}
	key := make([]byte, KeySize)
	copy(key, item.Data)
	return key, nil
}

func (k KeyringKey) generate(name string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, &CryptoError{Op: "create keyring key", Err: err}
	}

	err := k.Ring.Set(keyring.Item{
		Key:         name,
		Data:        append([]byte(nil), key...),
		Label:       "mailsync master key",
		Description: "Encrypts mailbox credentials stored in the mailsync config",
	})
	if err != nil {
		return nil, &CryptoError{Op: "create keyring key", Err: fmt.Errorf("setting %q: %w", name, err)}
	}
	return key, nil
}
