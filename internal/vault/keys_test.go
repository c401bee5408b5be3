package vault

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
)

func TestFileKeyCreatesOwnerOnlyKey(t *testing.T) {
	fsys := afero.NewMemMapFs()
	src := FileKey{Fs: fsys, Path: "/cfg/mailsync/master.key"}

	key, err := src.MasterKey()
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	info, err := fsys.Stat("/cfg/mailsync/master.key")
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())

	again, err := src.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestFileKeyRejectsWrongSize(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/master.key", []byte("short"), 0o600))

	_, err := FileKey{Fs: fsys, Path: "/master.key"}.MasterKey()
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestFileKeyRejectsGroupReadable(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/master.key", make([]byte, KeySize), 0o644))

	_, err := FileKey{Fs: fsys, Path: "/master.key"}.MasterKey()
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestPassphraseKeyIsStableForSalt(t *testing.T) {
	fsys := afero.NewMemMapFs()
	src := PassphraseKey{Fs: fsys, SaltPath: "/salt", Passphrase: "open sesame"}

	k1, err := src.MasterKey()
	require.NoError(t, err)
	k2, err := src.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	other, err := PassphraseKey{Fs: fsys, SaltPath: "/salt", Passphrase: "open sesame!"}.MasterKey()
	require.NoError(t, err)
	assert.NotEqual(t, k1, other)

	salt, err := afero.ReadFile(fsys, "/salt")
	require.NoError(t, err)
	assert.Len(t, salt, SaltSize)
}

func TestPassphraseKeyRequiresPassphrase(t *testing.T) {
	_, err := PassphraseKey{Fs: afero.NewMemMapFs(), SaltPath: "/salt"}.MasterKey()
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVaultsFromSamePassphraseInteroperate(t *testing.T) {
	fsys := afero.NewMemMapFs()
	src := PassphraseKey{Fs: fsys, SaltPath: "/salt", Passphrase: "pw"}

	a, err := Open(src)
	require.NoError(t, err)
	b, err := Open(src)
	require.NoError(t, err)

	token, err := a.Encrypt("shared")
	require.NoError(t, err)
	plain, err := b.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "shared", plain)
}

func TestKeyringKeyGeneratesOnce(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	src := KeyringKey{Ring: ring}

	k1, err := src.MasterKey()
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)

	item, err := ring.Get(DefaultKeyringItem)
	require.NoError(t, err)
	assert.Equal(t, k1, item.Data)

	k2, err := src.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestKeyringKeyRejectsCorruptEntry(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: "k", Data: []byte("nope")}})

	_, err := KeyringKey{Ring: ring, Item: "k"}.MasterKey()
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSourceFromConfig(t *testing.T) {
	fsys := afero.NewMemMapFs()

	src, err := SourceFromConfig(model.VaultConfig{KeySource: model.KeySourceFile, KeyFile: "/k"}, fsys)
	require.NoError(t, err)
	assert.IsType(t, FileKey{}, src)

	t.Setenv("TEST_MAILSYNC_PASS", "pw")
	src, err = SourceFromConfig(model.VaultConfig{
		KeySource:     model.KeySourcePassphrase,
		SaltFile:      "/s",
		PassphraseEnv: "TEST_MAILSYNC_PASS",
	}, fsys)
	require.NoError(t, err)
	assert.Equal(t, "pw", src.(PassphraseKey).Passphrase)

	_, err = SourceFromConfig(model.VaultConfig{KeySource: "hsm"}, fsys)
	assert.Error(t, err)
}
