package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-protection-service/internal/domain"
)

func TestE2EEChannel_RoundTrip(t *testing.T) {
	c := NewE2EEChannel()
	alicePub, alicePriv, err := c.GenerateKeyPair()
	require.NoError(t, err)
	bobPub, bobPriv, err := c.GenerateKeyPair()
	require.NoError(t, err)

	env, err := c.Encrypt([]byte("meet at the archive"), bobPub, alicePriv)
	require.NoError(t, err)
	assert.Equal(t, domain.AlgX25519Box, env.Algorithm)
	assert.Len(t, env.Nonce, 24)
	assert.Len(t, env.Tag, 16)

	got, err := c.Decrypt(env, alicePub, bobPriv)
	require.NoError(t, err)
	assert.Equal(t, "meet at the archive", string(got))
}

func TestE2EEChannel_OnlyRecipientCanRead(t *testing.T) {
	c := NewE2EEChannel()
	alicePub, alicePriv, _ := c.GenerateKeyPair()
	bobPub, _, _ := c.GenerateKeyPair()
	_, evePriv, _ := c.GenerateKeyPair()

	env, err := c.Encrypt([]byte("secret"), bobPub, alicePriv)
	require.NoError(t, err)

	_, err = c.Decrypt(env, alicePub, evePriv)
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
}

func TestE2EEChannel_VerifiesAuthorship(t *testing.T) {
	c := NewE2EEChannel()
	_, alicePriv, _ := c.GenerateKeyPair()
	bobPub, bobPriv, _ := c.GenerateKeyPair()
	malloryPub, _, _ := c.GenerateKeyPair()

	env, err := c.Encrypt([]byte("from alice"), bobPub, alicePriv)
	require.NoError(t, err)

	_, err = c.Decrypt(env, malloryPub, bobPriv)
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
}

func TestE2EEChannel_TamperSensitivity(t *testing.T) {
	c := NewE2EEChannel()
	alicePub, alicePriv, _ := c.GenerateKeyPair()
	bobPub, bobPriv, _ := c.GenerateKeyPair()
	env, err := c.Encrypt([]byte("SMP Civic Encryption Test"), bobPub, alicePriv)
	require.NoError(t, err)

	for _, mutate := range []func(e *domain.EncryptedEnvelope){
		func(e *domain.EncryptedEnvelope) { e.Ciphertext[3] ^= 0x10 },
		func(e *domain.EncryptedEnvelope) { e.Nonce[0] ^= 0x01 },
		func(e *domain.EncryptedEnvelope) { e.Tag[15] ^= 0x80 },
	} {
		tampered := cloneEnvelope(env)
		mutate(tampered)
		got, err := c.Decrypt(tampered, alicePub, bobPriv)
		assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
		assert.Nil(t, got)
	}
}

func TestE2EEChannel_InvalidKeyLength(t *testing.T) {
	c := NewE2EEChannel()
	_, priv, _ := c.GenerateKeyPair()

	_, err := c.Encrypt([]byte("x"), []byte("short"), priv)
	assert.ErrorIs(t, err, domain.ErrInvalidKeyLength)
}
