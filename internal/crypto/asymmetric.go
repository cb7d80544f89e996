package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"content-protection-service/internal/domain"
)

const (
	// DefaultRSABits は既定のRSA鍵長。
	DefaultRSABits = 4096
	// MinRSABits は受け入れる最小のRSA鍵長。
	MinRSABits = 2048
)

// AsymmetricCipher はRSA-OAEPで一時鍵をラップするハイブリッド暗号を提供する。
type AsymmetricCipher struct {
	bits int
	bulk *SymmetricCipher
}

// NewAsymmetricCipher は指定した鍵長のAsymmetricCipherを生成する。
func NewAsymmetricCipher(bits int) (*AsymmetricCipher, error) {
	if bits < MinRSABits {
		return nil, fmt.Errorf("%w: RSA keys must be at least %d bits", domain.ErrInvalidKeyLength, MinRSABits)
	}
	bulk, err := NewSymmetricCipher(domain.AlgAES256GCM)
	if err != nil {
		return nil, err
	}
	return &AsymmetricCipher{bits: bits, bulk: bulk}, nil
}

// GenerateKeyPair はRSA鍵ペアを生成し、PEM形式（PKIX / PKCS#8）で返す。
func (c *AsymmetricCipher) GenerateKeyPair() (publicPEM, privatePEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, c.bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating RSA key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling private key: %w", err)
	}
	defer Zeroize(privDER)

	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	return publicPEM, privatePEM, nil
}

// Encrypt は一時鍵で本文を暗号化し、その鍵を公開鍵でラップする。
func (c *AsymmetricCipher) Encrypt(data, publicPEM []byte) (*domain.EncryptedEnvelope, error) {
	pub, err := parseRSAPublicKey(publicPEM)
	if err != nil {
		return nil, err
	}

	oneTimeKey, err := c.bulk.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer Zeroize(oneTimeKey)

	nonce, ciphertext, tag, err := seal(domain.AlgAES256GCM, oneTimeKey, data, associatedData(domain.EnvelopeVersion, domain.AlgRSAOAEPHybrid))
	if err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, oneTimeKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping one-time key: %w", err)
	}

	return &domain.EncryptedEnvelope{
		Version:    domain.EnvelopeVersion,
		Algorithm:  domain.AlgRSAOAEPHybrid,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Tag:        tag,
		WrappedKey: &domain.WrappedKey{
			Algorithm:  domain.AlgRSAOAEPSHA256,
			Ciphertext: wrapped,
		},
	}, nil
}

// Decrypt は秘密鍵で一時鍵を復元し、本文を復号する。
// 鍵の復元に失敗した場合は ErrKeyUnwrapFailed、本文の改ざんは ErrAuthenticationFailed を返す。
func (c *AsymmetricCipher) Decrypt(env *domain.EncryptedEnvelope, privatePEM []byte) ([]byte, error) {
	if env == nil {
		return nil, domain.ErrAuthenticationFailed
	}
	if env.Algorithm != domain.AlgRSAOAEPHybrid {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, env.Algorithm)
	}
	if env.WrappedKey == nil || env.WrappedKey.Algorithm != domain.AlgRSAOAEPSHA256 {
		return nil, domain.ErrKeyUnwrapFailed
	}

	priv, err := parseRSAPrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}

	oneTimeKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, env.WrappedKey.Ciphertext, nil)
	if err != nil {
		return nil, domain.ErrKeyUnwrapFailed
	}
	defer Zeroize(oneTimeKey)

	return open(domain.AlgAES256GCM, oneTimeKey, env.Nonce, env.Ciphertext, env.Tag, associatedData(env.Version, env.Algorithm))
}

func parseRSAPublicKey(publicPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(publicPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", domain.ErrInvalidPublicKey)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", domain.ErrInvalidPublicKey)
	}
	if pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: RSA key is %d bits", domain.ErrInvalidKeyLength, pub.N.BitLen())
	}
	return pub, nil
}

func parseRSAPrivateKey(privatePEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, domain.ErrKeyUnwrapFailed
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, domain.ErrKeyUnwrapFailed
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, domain.ErrKeyUnwrapFailed
	}
	return priv, nil
}
