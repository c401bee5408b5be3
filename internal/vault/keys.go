package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/afero"
	"golang.org/x/crypto/pbkdf2"

	"github.com/nhle/mailsync/internal/model"
)

// KeySource supplies the 32-byte master key.
type KeySource interface {
	MasterKey() ([]byte, error)
}

// FileKey reads the master key from a file, generating a random one with
// owner-only permissions when the file does not exist.
type FileKey struct {
	Fs   afero.Fs
	Path string
}

func (k FileKey) MasterKey() ([]byte, error) {
	return loadOrCreate(k.Fs, k.Path, KeySize, "key file")
}

// PassphraseKey derives the master key from a passphrase with
// PBKDF2-SHA256. The random salt is kept in SaltPath and created on first use.
type PassphraseKey struct {
	Fs         afero.Fs
	SaltPath   string
	Passphrase string
}

func (k PassphraseKey) MasterKey() ([]byte, error) {
	if k.Passphrase == "" {
		return nil, &CryptoError{Op: "derive key", Reason: "empty passphrase", Err: ErrInvalidKey}
	}
	salt, err := loadOrCreate(k.Fs, k.SaltPath, SaltSize, "salt file")
	if err != nil {
		return nil, err
	}
	return DeriveKey(k.Passphrase, salt), nil
}

// DeriveKey stretches passphrase into a master key.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New)
}

// SourceFromConfig builds the key source selected by cfg. Passphrases are
// read from the environment variable named by cfg.PassphraseEnv.
func SourceFromConfig(cfg model.VaultConfig, fsys afero.Fs) (KeySource, error) {
	switch cfg.KeySource {
	case "", model.KeySourceFile:
		return FileKey{Fs: fsys, Path: cfg.KeyFile}, nil
	case model.KeySourcePassphrase:
		return PassphraseKey{
			Fs:         fsys,
			SaltPath:   cfg.SaltFile,
			Passphrase: os.Getenv(cfg.PassphraseEnv),
		}, nil
	case model.KeySourceKeyring:
		ring, err := OpenKeyring()
		if err != nil {
			return nil, err
		}
		return KeyringKey{Ring: ring}, nil
	default:
		return nil, fmt.Errorf("unknown vault key source %q", cfg.KeySource)
	}
}

func loadOrCreate(fsys afero.Fs, path string, size int, what string) ([]byte, error) {
	op := "load " + what
	if path == "" {
		return nil, &CryptoError{Op: op, Reason: "no path configured", Err: ErrInvalidKey}
	}

	info, err := fsys.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return create(fsys, path, size, what)
	case err != nil:
		return nil, &CryptoError{Op: op, Err: err}
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return nil, &CryptoError{
			Op:     op,
			Reason: fmt.Sprintf("%s has mode %v, want owner-only", path, info.Mode().Perm()),
			Err:    ErrInvalidKey,
		}
	}

	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, &CryptoError{Op: op, Err: err}
	}
	if len(data) != size {
		return nil, &CryptoError{
			Op:     op,
			Reason: fmt.Sprintf("%s is %d bytes, want %d", path, len(data), size),
			Err:    ErrInvalidKey,
		}
	}
	return data, nil
}

func create(fsys afero.Fs, path string, size int, what string) ([]byte, error) {
	op := "create " + what
	if err := fsys.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &CryptoError{Op: op, Err: err}
	}

	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return nil, &CryptoError{Op: op, Err: err}
	}

	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, &CryptoError{Op: op, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, &CryptoError{Op: op, Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, &CryptoError{Op: op, Err: err}
	}
	return data, nil
}
