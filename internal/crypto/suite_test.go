package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-protection-service/internal/domain"
)

func newTestSuite(t *testing.T, pq PostQuantumBackend) *Suite {
	t.Helper()
	s, err := NewSuite(newTestDeriver(t), newTestAsymmetric(t), pq)
	require.NoError(t, err)
	return s
}

func TestSuite_WrapUnwrapPrivateKey(t *testing.T) {
	s := newTestSuite(t, nil)
	secret := []byte("private key bytes")

	wrapped, err := s.WrapPrivateKey([]byte("pw"), secret)
	require.NoError(t, err)
	assert.Equal(t, KDFName, wrapped.KDF)
	assert.Equal(t, MinIterations, wrapped.Iterations)
	assert.Len(t, wrapped.Salt, SaltSize)

	got, err := s.UnwrapPrivateKey([]byte("pw"), wrapped)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	_, err = s.UnwrapPrivateKey([]byte("wrong"), wrapped)
	assert.ErrorIs(t, err, domain.ErrWrongPassword)
}

func TestSuite_UnwrapCorruptKeyStore(t *testing.T) {
	s := newTestSuite(t, nil)
	wrapped, err := s.WrapPrivateKey([]byte("pw"), []byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(w *domain.WrappedPrivateKey)
	}{
		{"missing envelope", func(w *domain.WrappedPrivateKey) { w.Envelope = nil }},
		{"unknown kdf", func(w *domain.WrappedPrivateKey) { w.KDF = "scrypt" }},
		{"downgraded iterations", func(w *domain.WrappedPrivateKey) { w.Iterations = 1 }},
		{"truncated salt", func(w *domain.WrappedPrivateKey) { w.Salt = w.Salt[:4] }},
		{"unknown algorithm", func(w *domain.WrappedPrivateKey) { w.Envelope.Algorithm = "ROT13" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *wrapped
			c.Envelope = cloneEnvelope(wrapped.Envelope)
			tt.mutate(&c)
			_, err := s.UnwrapPrivateKey([]byte("pw"), &c)
			assert.ErrorIs(t, err, domain.ErrCorruptKeyStore)
		})
	}
}

func TestSuite_GenerateAndUseEachKeyType(t *testing.T) {
	backend := newTestBackend(t, domain.AlgMLKEM768, domain.AlgMLDSA65)
	s := newTestSuite(t, backend)

	for _, kt := range []domain.KeyType{domain.KeyTypeRSA, domain.KeyTypePostQuantum} {
		t.Run(string(kt), func(t *testing.T) {
			pair, err := s.GenerateKeyPair(kt)
			require.NoError(t, err)

			env, err := s.EncryptForKey([]byte("content key"), pair.Algorithm, pair.Public)
			require.NoError(t, err)
			assert.Equal(t, pair.Algorithm, env.Algorithm)

			got, err := s.DecryptWithKey(env, pair.Private)
			require.NoError(t, err)
			assert.Equal(t, "content key", string(got))
		})
	}

	pair, err := s.GenerateKeyPair(domain.KeyTypeE2EE)
	require.NoError(t, err)
	assert.Equal(t, domain.AlgX25519Box, pair.Algorithm)
	_, err = s.EncryptForKey([]byte("x"), pair.Algorithm, pair.Public)
	assert.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)
}

func TestSuite_PostQuantumUnavailable(t *testing.T) {
	s := newTestSuite(t, DisabledBackend{})

	_, err := s.GenerateKeyPair(domain.KeyTypePostQuantum)
	assert.ErrorIs(t, err, domain.ErrCapabilityUnavailable)

	_, err = s.GenerateKeyPair(domain.KeyType("dsa"))
	assert.ErrorIs(t, err, domain.ErrInvalidKeyType)
}

func TestSuite_PostQuantumKeyBinding(t *testing.T) {
	backend := newTestBackend(t, domain.AlgMLKEM768, domain.AlgMLDSA65)
	s := newTestSuite(t, backend)

	pair, err := s.GenerateKeyPair(domain.KeyTypePostQuantum)
	require.NoError(t, err)
	bundle, err := ParsePQPublicBundle(pair.Public)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Binding)
	require.NoError(t, bundle.VerifyBinding(backend))

	// 別の鍵ペアのKEM公開鍵に差し替えると署名が合わない
	other, err := s.GenerateKeyPair(domain.KeyTypePostQuantum)
	require.NoError(t, err)
	otherBundle, err := ParsePQPublicBundle(other.Public)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(b *PQPublicBundle)
	}{
		{"substituted KEM key", func(b *PQPublicBundle) { b.KEMPublicKey = otherBundle.KEMPublicKey }},
		{"substituted signing key", func(b *PQPublicBundle) { b.SignaturePublicKey = otherBundle.SignaturePublicKey }},
		{"downgraded KEM", func(b *PQPublicBundle) { b.KEM = domain.AlgMLKEM1024 }},
		{"missing binding", func(b *PQPublicBundle) { b.Binding = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *bundle
			tt.mutate(&c)
			tampered, err := json.Marshal(&c)
			require.NoError(t, err)

			_, err = s.EncryptForKey([]byte("content key"), pair.Algorithm, tampered)
			assert.ErrorIs(t, err, domain.ErrInvalidPublicKey)
		})
	}
}
