package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()

	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	v, err := New(key)
	require.NoError(t, err)
	return v
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, plain := range []string{
		"",
		"x",
		"hunter2",
		"pässwörd with ünïcode ✓",
		strings.Repeat("long secret ", 500),
	} {
		token, err := v.Encrypt(plain)
		require.NoError(t, err)

		got, err := v.Decrypt(token)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestEmptyMapsToEmpty(t *testing.T) {
	v := newTestVault(t)

	token, err := v.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, token)

	plain, err := v.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestFreshNoncePerEncryption(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestFlippedTokenByteFailsAuthentication(t *testing.T) {
	v := newTestVault(t)

	token, err := v.Encrypt("correct horse battery staple")
	require.NoError(t, err)

	for i := 0; i < len(token); i++ {
		tampered := []byte(token)
		tampered[i] ^= 0x01

		plain, err := v.Decrypt(string(tampered))
		require.Errorf(t, err, "flip at %d decrypted to %q", i, plain)
		assert.True(t, errors.Is(err, ErrAuthentication), "flip at %d: %v", i, err)
		assert.Empty(t, plain)
	}
}

func TestFlippedSealedByteFailsAuthentication(t *testing.T) {
	v := newTestVault(t)

	token, err := v.Encrypt("secret")
	require.NoError(t, err)
	sealed, err := tokenEncoding.DecodeString(token)
	require.NoError(t, err)

	for i := range sealed {
		tampered := bytes.Clone(sealed)
		tampered[i] ^= 0x80

		_, err := v.Decrypt(tokenEncoding.EncodeToString(tampered))
		assert.ErrorIs(t, err, ErrAuthentication, "byte %d", i)
	}
}

func TestMalformedTokens(t *testing.T) {
	v := newTestVault(t)

	token, err := v.Encrypt("secret")
	require.NoError(t, err)

	cases := map[string]string{
		"not base64":  "!!!not-base64!!!",
		"truncated":   token[:8],
		"only nonce":  tokenEncoding.EncodeToString(make([]byte, NonceSize)),
		"line breaks": token[:4] + "\n" + token[4:],
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Decrypt(tok)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuthentication)
			assert.True(t, IsCryptoError(err))
		})
	}
}

func TestWrongKeyFailsAuthentication(t *testing.T) {
	token, err := newTestVault(t).Encrypt("secret")
	require.NoError(t, err)

	_, err = newTestVault(t).Decrypt(token)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
