package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewConfigEncryptor("test-passphrase")
	require.NoError(t, err)

	config := map[string]any{
		"api_key":  "sk_live_secret",
		"base_url": "https://api.example.com",
		"page_size": float64(100),
	}

	ciphertext, err := enc.EncryptConfig(config)
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "sk_live_secret")

	got, err := enc.DecryptConfig(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, config, got)
}

func TestConfigEncryptor_EmptyInputs(t *testing.T) {
	enc, err := NewConfigEncryptor("key")
	require.NoError(t, err)

	ciphertext, err := enc.EncryptConfig(nil)
	require.NoError(t, err)
	assert.Empty(t, ciphertext)

	got, err := enc.DecryptConfig("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConfigEncryptor_WrongKey(t *testing.T) {
	enc1, err := NewConfigEncryptor("key-one")
	require.NoError(t, err)
	enc2, err := NewConfigEncryptor("key-two")
	require.NoError(t, err)

	ciphertext, err := enc1.EncryptConfig(map[string]any{"api_key": "secret"})
	require.NoError(t, err)

	_, err = enc2.DecryptConfig(ciphertext)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestNewConfigEncryptor_EmptyKey(t *testing.T) {
	_, err := NewConfigEncryptor("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
