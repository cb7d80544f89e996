package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-protection-service/internal/domain"
)

func newTestAsymmetric(t *testing.T) *AsymmetricCipher {
	t.Helper()
	c, err := NewAsymmetricCipher(MinRSABits)
	require.NoError(t, err)
	return c
}

func TestAsymmetricCipher_RoundTrip(t *testing.T) {
	c := newTestAsymmetric(t)
	pub, priv, err := c.GenerateKeyPair()
	require.NoError(t, err)

	env, err := c.Encrypt([]byte("SMP Civic Encryption Test"), pub)
	require.NoError(t, err)
	assert.Equal(t, domain.AlgRSAOAEPHybrid, env.Algorithm)
	require.NotNil(t, env.WrappedKey)
	assert.Equal(t, domain.AlgRSAOAEPSHA256, env.WrappedKey.Algorithm)

	got, err := c.Decrypt(env, priv)
	require.NoError(t, err)
	assert.Equal(t, "SMP Civic Encryption Test", string(got))
}

func TestAsymmetricCipher_WrongPrivateKey(t *testing.T) {
	c := newTestAsymmetric(t)
	pub, _, err := c.GenerateKeyPair()
	require.NoError(t, err)
	_, otherPriv, err := c.GenerateKeyPair()
	require.NoError(t, err)

	env, err := c.Encrypt([]byte("for someone else"), pub)
	require.NoError(t, err)

	_, err = c.Decrypt(env, otherPriv)
	assert.ErrorIs(t, err, domain.ErrKeyUnwrapFailed)
}

func TestAsymmetricCipher_DistinguishesUnwrapFromTamper(t *testing.T) {
	c := newTestAsymmetric(t)
	pub, priv, err := c.GenerateKeyPair()
	require.NoError(t, err)
	env, err := c.Encrypt([]byte("bulk payload"), pub)
	require.NoError(t, err)

	wrapped := cloneEnvelope(env)
	wrapped.WrappedKey.Ciphertext[0] ^= 0x01
	_, err = c.Decrypt(wrapped, priv)
	assert.ErrorIs(t, err, domain.ErrKeyUnwrapFailed)

	bulk := cloneEnvelope(env)
	bulk.Ciphertext[0] ^= 0x01
	_, err = c.Decrypt(bulk, priv)
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)

	tag := cloneEnvelope(env)
	tag.Tag[len(tag.Tag)-1] ^= 0x80
	_, err = c.Decrypt(tag, priv)
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
}

func TestAsymmetricCipher_RejectsWeakKeys(t *testing.T) {
	_, err := NewAsymmetricCipher(1024)
	assert.ErrorIs(t, err, domain.ErrInvalidKeyLength)
}

func TestAsymmetricCipher_MalformedKeys(t *testing.T) {
	c := newTestAsymmetric(t)

	_, err := c.Encrypt([]byte("x"), []byte("not a pem"))
	assert.ErrorIs(t, err, domain.ErrInvalidPublicKey)

	pub, _, err := c.GenerateKeyPair()
	require.NoError(t, err)
	env, err := c.Encrypt([]byte("x"), pub)
	require.NoError(t, err)

	_, err = c.Decrypt(env, []byte("garbage"))
	assert.ErrorIs(t, err, domain.ErrKeyUnwrapFailed)
}
