package crypto

import (
	"encoding/json"
	"errors"
	"fmt"

	"content-protection-service/internal/domain"
)

// Suite はサービスで使う暗号部品一式を束ねる。
type Suite struct {
	Hash       *HashEngine
	KDF        *KeyDeriver
	Symmetric  *SymmetricCipher
	Asymmetric *AsymmetricCipher
	E2EE       *E2EEChannel
	PQ         PostQuantumBackend
	PQHybrid   *PQHybridCipher
}

// NewSuite は各部品からSuiteを生成する。
func NewSuite(kdf *KeyDeriver, asymmetric *AsymmetricCipher, pq PostQuantumBackend) (*Suite, error) {
	symmetric, err := NewSymmetricCipher(domain.AlgAES256GCM)
	if err != nil {
		return nil, err
	}
	if pq == nil {
		pq = DisabledBackend{}
	}
	return &Suite{
		Hash:       NewHashEngine(),
		KDF:        kdf,
		Symmetric:  symmetric,
		Asymmetric: asymmetric,
		E2EE:       NewE2EEChannel(),
		PQ:         pq,
		PQHybrid:   NewPQHybridCipher(pq),
	}, nil
}

// GeneratedKeyPair は生成直後の鍵ペアを表す。Private は使用後に消去すること。
type GeneratedKeyPair struct {
	Algorithm domain.Algorithm
	Public    []byte
	Private   []byte
}

// GenerateKeyPair は鍵種別に応じた鍵ペアを生成する。
func (s *Suite) GenerateKeyPair(keyType domain.KeyType) (*GeneratedKeyPair, error) {
	switch keyType {
	case domain.KeyTypeRSA:
		pub, priv, err := s.Asymmetric.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		return &GeneratedKeyPair{Algorithm: domain.AlgRSAOAEPHybrid, Public: pub, Private: priv}, nil
	case domain.KeyTypeE2EE:
		pub, priv, err := s.E2EE.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		return &GeneratedKeyPair{Algorithm: domain.AlgX25519Box, Public: pub, Private: priv}, nil
	case domain.KeyTypePostQuantum:
		return s.generatePQKeyPair()
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrInvalidKeyType, keyType)
}

func (s *Suite) generatePQKeyPair() (*GeneratedKeyPair, error) {
	if !s.PQ.Available() {
		return nil, domain.ErrCapabilityUnavailable
	}
	alg, err := domain.HybridAlgorithmForKEM(s.PQ.KEM())
	if err != nil {
		return nil, err
	}

	kemPub, kemPriv, err := s.PQ.GenerateKEMKeyPair(s.PQ.KEM())
	if err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := s.PQ.GenerateSigningKeyPair(s.PQ.Signature())
	if err != nil {
		Zeroize(kemPriv)
		return nil, err
	}

	priv := &PQPrivateBundle{
		KEM:                 s.PQ.KEM(),
		KEMPrivateKey:       kemPriv,
		Signature:           s.PQ.Signature(),
		SignaturePrivateKey: sigPriv,
	}
	defer priv.Wipe()

	pub := &PQPublicBundle{
		KEM:                s.PQ.KEM(),
		KEMPublicKey:       kemPub,
		Signature:          s.PQ.Signature(),
		SignaturePublicKey: sigPub,
	}
	if err := pub.Bind(s.PQ, sigPriv); err != nil {
		return nil, err
	}
	pubJSON, err := json.Marshal(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public bundle: %w", err)
	}
	privJSON, err := json.Marshal(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private bundle: %w", err)
	}
	return &GeneratedKeyPair{Algorithm: alg, Public: pubJSON, Private: privJSON}, nil
}

// EncryptForKey は鍵のアルゴリズムに応じて公開鍵でデータを暗号化する。
func (s *Suite) EncryptForKey(data []byte, alg domain.Algorithm, publicKey []byte) (*domain.EncryptedEnvelope, error) {
	spec, err := alg.Spec()
	if err != nil {
		return nil, err
	}
	switch spec.Family {
	case domain.FamilyRSAHybrid:
		return s.Asymmetric.Encrypt(data, publicKey)
	case domain.FamilyKEMHybrid:
		if !s.PQ.Available() {
			return nil, domain.ErrCapabilityUnavailable
		}
		bundle, err := ParsePQPublicBundle(publicKey)
		if err != nil {
			return nil, err
		}
		if err := bundle.VerifyBinding(s.PQ); err != nil {
			return nil, err
		}
		return s.PQHybrid.Encrypt(data, bundle.KEM, bundle.KEMPublicKey)
	}
	return nil, fmt.Errorf("%w: %s cannot wrap data for a recipient", domain.ErrUnsupportedAlgorithm, alg)
}

// DecryptWithKey はエンベロープのアルゴリズムに応じて秘密鍵で復号する。
func (s *Suite) DecryptWithKey(env *domain.EncryptedEnvelope, privateKey []byte) ([]byte, error) {
	if env == nil {
		return nil, domain.ErrAuthenticationFailed
	}
	spec, err := env.Algorithm.Spec()
	if err != nil {
		return nil, err
	}
	switch spec.Family {
	case domain.FamilyRSAHybrid:
		return s.Asymmetric.Decrypt(env, privateKey)
	case domain.FamilyKEMHybrid:
		bundle, err := ParsePQPrivateBundle(privateKey)
		if err != nil {
			return nil, err
		}
		defer bundle.Wipe()
		return s.PQHybrid.Decrypt(env, bundle.KEMPrivateKey)
	}
	return nil, fmt.Errorf("%w: %s cannot be opened with a private key", domain.ErrUnsupportedAlgorithm, env.Algorithm)
}

// WrapPrivateKey はパスワードから導出した鍵で秘密鍵を暗号化する。
func (s *Suite) WrapPrivateKey(password, privateKey []byte) (*domain.WrappedPrivateKey, error) {
	key, salt, err := s.KDF.Derive(password, nil)
	if err != nil {
		return nil, err
	}
	defer Zeroize(key)

	env, err := s.Symmetric.Encrypt(privateKey, key)
	if err != nil {
		return nil, err
	}
	return &domain.WrappedPrivateKey{
		KDF:        KDFName,
		Iterations: s.KDF.Iterations(),
		Salt:       salt,
		Envelope:   env,
	}, nil
}

// UnwrapPrivateKey は保存済みの秘密鍵を復号する。
// 構造の破損は ErrCorruptKeyStore、認証失敗は ErrWrongPassword を返す。
func (s *Suite) UnwrapPrivateKey(password []byte, wrapped *domain.WrappedPrivateKey) ([]byte, error) {
	if wrapped == nil || wrapped.Envelope == nil || wrapped.KDF != KDFName {
		return nil, domain.ErrCorruptKeyStore
	}
	key, err := s.KDF.Rederive(password, wrapped.Salt, wrapped.Iterations)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptKeyStore, err)
	}
	defer Zeroize(key)

	privateKey, err := s.Symmetric.Decrypt(wrapped.Envelope, key)
	if err != nil {
		if errors.Is(err, domain.ErrAuthenticationFailed) {
			return nil, domain.ErrWrongPassword
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptKeyStore, err)
	}
	return privateKey, nil
}
