package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"content-protection-service/internal/domain"
)

const (
	boxKeySize   = 32
	boxNonceSize = 24
)

// E2EEChannel は送信者・受信者の静的鍵ペアによる認証付き暗号を提供する。
// 呼び出し毎に独立しており状態を持たない。
type E2EEChannel struct{}

// NewE2EEChannel は新しいE2EEChannelを生成する。
func NewE2EEChannel() *E2EEChannel {
	return &E2EEChannel{}
}

// GenerateKeyPair はCurve25519鍵ペアを生成する。
func (c *E2EEChannel) GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating curve25519 key: %w", err)
	}
	publicKey = append([]byte(nil), pub[:]...)
	privateKey = append([]byte(nil), priv[:]...)
	Zeroize(priv[:])
	return publicKey, privateKey, nil
}

// Encrypt は受信者の公開鍵と送信者の秘密鍵でメッセージを暗号化する。
func (c *E2EEChannel) Encrypt(message, recipientPublic, senderPrivate []byte) (*domain.EncryptedEnvelope, error) {
	peer, err := toKey(recipientPublic)
	if err != nil {
		return nil, err
	}
	own, err := toKey(senderPrivate)
	if err != nil {
		return nil, err
	}
	defer Zeroize(own[:])

	nonceBytes, err := randomBytes(boxNonceSize)
	if err != nil {
		return nil, err
	}
	var nonce [boxNonceSize]byte
	copy(nonce[:], nonceBytes)

	// box.Seal の出力は 認証タグ || 暗号文
	sealed := box.Seal(nil, message, &nonce, peer, own)
	return &domain.EncryptedEnvelope{
		Version:    domain.EnvelopeVersion,
		Algorithm:  domain.AlgX25519Box,
		Ciphertext: sealed[box.Overhead:],
		Nonce:      nonceBytes,
		Tag:        sealed[:box.Overhead],
	}, nil
}

// Decrypt は送信者の公開鍵と受信者の秘密鍵で復号し、送信者の真正性も検証する。
func (c *E2EEChannel) Decrypt(env *domain.EncryptedEnvelope, senderPublic, recipientPrivate []byte) ([]byte, error) {
	if env == nil {
		return nil, domain.ErrAuthenticationFailed
	}
	if env.Algorithm != domain.AlgX25519Box {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, env.Algorithm)
	}
	peer, err := toKey(senderPublic)
	if err != nil {
		return nil, err
	}
	own, err := toKey(recipientPrivate)
	if err != nil {
		return nil, err
	}
	defer Zeroize(own[:])

	if len(env.Nonce) != boxNonceSize || len(env.Tag) != box.Overhead {
		return nil, domain.ErrAuthenticationFailed
	}
	var nonce [boxNonceSize]byte
	copy(nonce[:], env.Nonce)

	sealed := make([]byte, 0, len(env.Tag)+len(env.Ciphertext))
	sealed = append(sealed, env.Tag...)
	sealed = append(sealed, env.Ciphertext...)

	message, ok := box.Open(nil, sealed, &nonce, peer, own)
	if !ok {
		return nil, domain.ErrAuthenticationFailed
	}
	return message, nil
}

func toKey(b []byte) (*[boxKeySize]byte, error) {
	if len(b) != boxKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrInvalidKeyLength, len(b), boxKeySize)
	}
	var k [boxKeySize]byte
	copy(k[:], b)
	return &k, nil
}
