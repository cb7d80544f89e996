package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"content-protection-service/internal/domain"
)

// SymmetricKeySize は対称鍵の長さ（バイト）。
const SymmetricKeySize = 32

// SymmetricCipher は認証付き暗号（AEAD）による暗号化・復号を提供する。
// ノンスは暗号化の度に内部で生成され、呼び出し側から指定できない。
type SymmetricCipher struct {
	alg domain.Algorithm
}

// NewSymmetricCipher は指定したAEADで暗号化するSymmetricCipherを生成する。
func NewSymmetricCipher(alg domain.Algorithm) (*SymmetricCipher, error) {
	spec, err := alg.Spec()
	if err != nil {
		return nil, err
	}
	if spec.Family != domain.FamilyAEAD {
		return nil, fmt.Errorf("%w: %s is not an AEAD", domain.ErrUnsupportedAlgorithm, alg)
	}
	return &SymmetricCipher{alg: alg}, nil
}

// Algorithm は暗号化に使うアルゴリズムを返す。
func (c *SymmetricCipher) Algorithm() domain.Algorithm {
	return c.alg
}

// GenerateKey は新しい対称鍵を生成する。
func (c *SymmetricCipher) GenerateKey() ([]byte, error) {
	return randomBytes(SymmetricKeySize)
}

// Encrypt は平文を暗号化してエンベロープを返す。
func (c *SymmetricCipher) Encrypt(plaintext, key []byte) (*domain.EncryptedEnvelope, error) {
	nonce, ciphertext, tag, err := seal(c.alg, key, plaintext, associatedData(domain.EnvelopeVersion, c.alg))
	if err != nil {
		return nil, err
	}
	return &domain.EncryptedEnvelope{
		Version:    domain.EnvelopeVersion,
		Algorithm:  c.alg,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Tag:        tag,
	}, nil
}

// Decrypt はエンベロープを復号する。
// アルゴリズムはエンベロープの記録に従い、認証タグの検証に失敗した場合は平文を一切返さない。
func (c *SymmetricCipher) Decrypt(env *domain.EncryptedEnvelope, key []byte) ([]byte, error) {
	if env == nil {
		return nil, domain.ErrAuthenticationFailed
	}
	if env.Version != domain.EnvelopeVersion {
		return nil, fmt.Errorf("%w: envelope version %d", domain.ErrUnsupportedAlgorithm, env.Version)
	}
	spec, err := env.Algorithm.Spec()
	if err != nil {
		return nil, err
	}
	if spec.Family != domain.FamilyAEAD {
		return nil, fmt.Errorf("%w: %s is not an AEAD", domain.ErrUnsupportedAlgorithm, env.Algorithm)
	}
	return open(env.Algorithm, key, env.Nonce, env.Ciphertext, env.Tag, associatedData(env.Version, env.Algorithm))
}

// associatedData はエンベロープのバージョンとアルゴリズムを認証対象に含める。
func associatedData(version int, alg domain.Algorithm) []byte {
	return []byte(fmt.Sprintf("v%d|%s", version, alg))
}

func newAEAD(alg domain.Algorithm, key []byte) (cipher.AEAD, domain.AlgorithmSpec, error) {
	spec, err := alg.Spec()
	if err != nil {
		return nil, spec, err
	}
	if spec.Family != domain.FamilyAEAD {
		return nil, spec, fmt.Errorf("%w: %s is not an AEAD", domain.ErrUnsupportedAlgorithm, alg)
	}
	if len(key) != spec.KeySize {
		return nil, spec, fmt.Errorf("%w: got %d, want %d", domain.ErrInvalidKeyLength, len(key), spec.KeySize)
	}

	switch alg {
	case domain.AlgAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, spec, fmt.Errorf("creating cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, spec, fmt.Errorf("creating GCM: %w", err)
		}
		return aead, spec, nil
	case domain.AlgChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, spec, fmt.Errorf("creating ChaCha20-Poly1305: %w", err)
		}
		return aead, spec, nil
	}
	return nil, spec, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, alg)
}

// seal は新しいノンスで暗号化し、暗号文と認証タグを分けて返す。
func seal(alg domain.Algorithm, key, plaintext, aad []byte) (nonce, ciphertext, tag []byte, err error) {
	aead, spec, err := newAEAD(alg, key)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err = randomBytes(spec.NonceSize)
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - aead.Overhead()
	return nonce, sealed[:split], sealed[split:], nil
}

// open は認証タグを検証してから平文を返す。
func open(alg domain.Algorithm, key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	aead, spec, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != spec.NonceSize || len(tag) != aead.Overhead() {
		return nil, domain.ErrAuthenticationFailed
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, domain.ErrAuthenticationFailed
	}
	return plaintext, nil
}
