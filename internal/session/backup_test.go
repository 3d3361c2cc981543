package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCipherRoundTrip(t *testing.T) {
	c, err := NewSessionCipher("correct horse battery staple")
	require.NoError(t, err)

	plain := []byte(`{"jid":"5511999990000@s.whatsapp.net","registrationId":12345}`)
	sealed, err := c.Encrypt(plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, sealed)

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestSessionCipherUniqueNonces(t *testing.T) {
	c, err := NewSessionCipher("key")
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same payload"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same payload"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each backup must get a fresh nonce")
}

func TestSessionCipherRejectsTampering(t *testing.T) {
	c, err := NewSessionCipher("key")
	require.NoError(t, err)

	sealed, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = c.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrBackupCorrupted)
}

func TestSessionCipherRejectsWrongKey(t *testing.T) {
	a, err := NewSessionCipher("key-a")
	require.NoError(t, err)
	b, err := NewSessionCipher("key-b")
	require.NoError(t, err)

	sealed, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrBackupCorrupted)
}

func TestSessionCipherRequiresPassphrase(t *testing.T) {
	_, err := NewSessionCipher("")
	assert.Error(t, err)
}

func TestSessionCipherRejectsTruncated(t *testing.T) {
	c, err := NewSessionCipher("key")
	require.NoError(t, err)

	_, err = c.Decrypt([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrBackupCorrupted)
}
