package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"golang.org/x/crypto/hkdf"

	"content-protection-service/internal/domain"
)

// PostQuantumBackend は耐量子KEMと署名の差し替え可能な実装を表す。
// 利用できない場合、すべての操作は ErrCapabilityUnavailable で失敗する。
type PostQuantumBackend interface {
	Available() bool
	// KEM は新規の鍵生成・暗号化に使うKEM。
	KEM() domain.Algorithm
	// Signature は新規の鍵生成に使う署名方式。
	Signature() domain.Algorithm
	GenerateKEMKeyPair(variant domain.Algorithm) (publicKey, privateKey []byte, err error)
	Encapsulate(variant domain.Algorithm, publicKey []byte) (ciphertext, sharedSecret []byte, err error)
	Decapsulate(variant domain.Algorithm, privateKey, ciphertext []byte) ([]byte, error)
	GenerateSigningKeyPair(variant domain.Algorithm) (publicKey, privateKey []byte, err error)
	Sign(variant domain.Algorithm, privateKey, data []byte) ([]byte, error)
	// Verify は検証失敗をエラーではなく false で返す。
	Verify(variant domain.Algorithm, publicKey, data, signature []byte) bool
}

// ParseKEMVariant は設定値からKEM識別子を求める。旧名（kyber768等）も受け付ける。
func ParseKEMVariant(name string) (domain.Algorithm, error) {
	switch strings.ToLower(name) {
	case "kyber768", "ml-kem-768", "mlkem768":
		return domain.AlgMLKEM768, nil
	case "kyber1024", "ml-kem-1024", "mlkem1024":
		return domain.AlgMLKEM1024, nil
	}
	return "", fmt.Errorf("%w: KEM variant %q", domain.ErrUnsupportedAlgorithm, name)
}

// ParseSignatureVariant は設定値から署名方式の識別子を求める。旧名（dilithium3等）も受け付ける。
func ParseSignatureVariant(name string) (domain.Algorithm, error) {
	switch strings.ToLower(name) {
	case "dilithium3", "ml-dsa-65", "mldsa65":
		return domain.AlgMLDSA65, nil
	case "dilithium5", "ml-dsa-87", "mldsa87":
		return domain.AlgMLDSA87, nil
	}
	return "", fmt.Errorf("%w: signature variant %q", domain.ErrUnsupportedAlgorithm, name)
}

// CirclBackend はcirclのML-KEM / ML-DSA実装によるバックエンド。
type CirclBackend struct {
	kem domain.Algorithm
	sig domain.Algorithm
}

// NewCirclBackend は新規操作に使う方式を指定してCirclBackendを生成する。
// 復号・検証はエンベロープに記録された方式で行うため、すべての方式に対応する。
func NewCirclBackend(kemVariant, sigVariant domain.Algorithm) (*CirclBackend, error) {
	if _, err := kemScheme(kemVariant); err != nil {
		return nil, err
	}
	if _, err := signatureScheme(sigVariant); err != nil {
		return nil, err
	}
	return &CirclBackend{kem: kemVariant, sig: sigVariant}, nil
}

func (b *CirclBackend) Available() bool             { return true }
func (b *CirclBackend) KEM() domain.Algorithm       { return b.kem }
func (b *CirclBackend) Signature() domain.Algorithm { return b.sig }

func kemScheme(variant domain.Algorithm) (kem.Scheme, error) {
	switch variant {
	case domain.AlgMLKEM768:
		return mlkem768.Scheme(), nil
	case domain.AlgMLKEM1024:
		return mlkem1024.Scheme(), nil
	}
	return nil, fmt.Errorf("%w: KEM %q", domain.ErrUnsupportedAlgorithm, variant)
}

func signatureScheme(variant domain.Algorithm) (sign.Scheme, error) {
	switch variant {
	case domain.AlgMLDSA65:
		return mldsa65.Scheme(), nil
	case domain.AlgMLDSA87:
		return mldsa87.Scheme(), nil
	}
	return nil, fmt.Errorf("%w: signature %q", domain.ErrUnsupportedAlgorithm, variant)
}

// GenerateKEMKeyPair はKEM鍵ペアを生成する。
func (b *CirclBackend) GenerateKEMKeyPair(variant domain.Algorithm) ([]byte, []byte, error) {
	scheme, err := kemScheme(variant)
	if err != nil {
		return nil, nil, err
	}
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating %s key: %w", variant, err)
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling %s public key: %w", variant, err)
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling %s private key: %w", variant, err)
	}
	return pub, priv, nil
}

// Encapsulate は公開鍵に対して共有秘密をカプセル化する。
func (b *CirclBackend) Encapsulate(variant domain.Algorithm, publicKey []byte) ([]byte, []byte, error) {
	scheme, err := kemScheme(variant)
	if err != nil {
		return nil, nil, err
	}
	if len(publicKey) != scheme.PublicKeySize() {
		return nil, nil, fmt.Errorf("%w: got %d, want %d", domain.ErrInvalidKeyLength, len(publicKey), scheme.PublicKeySize())
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrInvalidPublicKey, err)
	}
	ct, ss, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("encapsulating: %w", err)
	}
	return ct, ss, nil
}

// Decapsulate は秘密鍵で共有秘密を取り出す。
// ML-KEMは不正な暗号文に対しても擬似乱数の共有秘密を返すため、不一致は本文の認証で検出される。
func (b *CirclBackend) Decapsulate(variant domain.Algorithm, privateKey, ciphertext []byte) ([]byte, error) {
	scheme, err := kemScheme(variant)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) != scheme.CiphertextSize() {
		return nil, domain.ErrKeyUnwrapFailed
	}
	sk, err := scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, domain.ErrKeyUnwrapFailed
	}
	ss, err := scheme.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, domain.ErrKeyUnwrapFailed
	}
	return ss, nil
}

// GenerateSigningKeyPair は署名鍵ペアを生成する。
func (b *CirclBackend) GenerateSigningKeyPair(variant domain.Algorithm) ([]byte, []byte, error) {
	scheme, err := signatureScheme(variant)
	if err != nil {
		return nil, nil, err
	}
	pk, sk, err := scheme.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generating %s key: %w", variant, err)
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling %s public key: %w", variant, err)
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling %s private key: %w", variant, err)
	}
	return pub, priv, nil
}

// Sign はデータに署名する。
func (b *CirclBackend) Sign(variant domain.Algorithm, privateKey, data []byte) ([]byte, error) {
	scheme, err := signatureScheme(variant)
	if err != nil {
		return nil, err
	}
	sk, err := scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyUnwrapFailed, err)
	}
	return scheme.Sign(sk, data, nil), nil
}

// Verify は署名を検証する。
func (b *CirclBackend) Verify(variant domain.Algorithm, publicKey, data, signature []byte) bool {
	scheme, err := signatureScheme(variant)
	if err != nil {
		return false
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	return scheme.Verify(pk, data, signature, nil)
}

// DisabledBackend は耐量子暗号が無効な環境のバックエンド。
// 古典暗号へ黙って切り替えることはせず、すべての操作を失敗させる。
type DisabledBackend struct{}

func (DisabledBackend) Available() bool             { return false }
func (DisabledBackend) KEM() domain.Algorithm       { return "" }
func (DisabledBackend) Signature() domain.Algorithm { return "" }

func (DisabledBackend) GenerateKEMKeyPair(domain.Algorithm) ([]byte, []byte, error) {
	return nil, nil, domain.ErrCapabilityUnavailable
}

func (DisabledBackend) Encapsulate(domain.Algorithm, []byte) ([]byte, []byte, error) {
	return nil, nil, domain.ErrCapabilityUnavailable
}

func (DisabledBackend) Decapsulate(domain.Algorithm, []byte, []byte) ([]byte, error) {
	return nil, domain.ErrCapabilityUnavailable
}

func (DisabledBackend) GenerateSigningKeyPair(domain.Algorithm) ([]byte, []byte, error) {
	return nil, nil, domain.ErrCapabilityUnavailable
}

func (DisabledBackend) Sign(domain.Algorithm, []byte, []byte) ([]byte, error) {
	return nil, domain.ErrCapabilityUnavailable
}

func (DisabledBackend) Verify(domain.Algorithm, []byte, []byte, []byte) bool {
	return false
}

// PQPublicBundle は耐量子鍵の公開部分を表す。
// Binding はKEM公開鍵に対する署名鍵の署名で、KEM公開鍵の差し替えを検出する。
type PQPublicBundle struct {
	KEM                domain.Algorithm `json:"kem"`
	KEMPublicKey       []byte           `json:"kem_public_key"`
	Signature          domain.Algorithm `json:"sig"`
	SignaturePublicKey []byte           `json:"sig_public_key"`
	Binding            []byte           `json:"binding"`
}

// bindingMessage は署名対象となるKEM識別子とKEM公開鍵の連結を返す。
func (b *PQPublicBundle) bindingMessage() []byte {
	msg := make([]byte, 0, len(b.KEM)+1+len(b.KEMPublicKey))
	msg = append(msg, b.KEM...)
	msg = append(msg, 0)
	return append(msg, b.KEMPublicKey...)
}

// Bind は署名鍵でKEM公開鍵に署名し Binding に設定する。
func (b *PQPublicBundle) Bind(backend PostQuantumBackend, signingKey []byte) error {
	sig, err := backend.Sign(b.Signature, signingKey, b.bindingMessage())
	if err != nil {
		return fmt.Errorf("signing KEM public key: %w", err)
	}
	b.Binding = sig
	return nil
}

// VerifyBinding はKEM公開鍵が同じ束の署名鍵で署名されていることを確認する。
func (b *PQPublicBundle) VerifyBinding(backend PostQuantumBackend) error {
	if len(b.Binding) == 0 || !backend.Verify(b.Signature, b.SignaturePublicKey, b.bindingMessage(), b.Binding) {
		return fmt.Errorf("%w: KEM public key binding does not verify", domain.ErrInvalidPublicKey)
	}
	return nil
}

// PQPrivateBundle は耐量子鍵の秘密部分を表す。
type PQPrivateBundle struct {
	KEM                 domain.Algorithm `json:"kem"`
	KEMPrivateKey       []byte           `json:"kem_private_key"`
	Signature           domain.Algorithm `json:"sig"`
	SignaturePrivateKey []byte           `json:"sig_private_key"`
}

// Wipe は秘密鍵を消去する。
func (b *PQPrivateBundle) Wipe() {
	Zeroize(b.KEMPrivateKey, b.SignaturePrivateKey)
}

// ParsePQPublicBundle は公開部分をデコードする。
func ParsePQPublicBundle(data []byte) (*PQPublicBundle, error) {
	var b PQPublicBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPublicKey, err)
	}
	return &b, nil
}

// ParsePQPrivateBundle は秘密部分をデコードする。
func ParsePQPrivateBundle(data []byte) (*PQPrivateBundle, error) {
	var b PQPrivateBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, domain.ErrKeyUnwrapFailed
	}
	return &b, nil
}

// PQHybridCipher はKEMで共有秘密を確立し、本文をAEADで暗号化する。
type PQHybridCipher struct {
	backend PostQuantumBackend
}

// NewPQHybridCipher は新しいPQHybridCipherを生成する。
func NewPQHybridCipher(backend PostQuantumBackend) *PQHybridCipher {
	return &PQHybridCipher{backend: backend}
}

// Encrypt は受信者のKEM公開鍵に対して本文を暗号化する。
func (c *PQHybridCipher) Encrypt(data []byte, variant domain.Algorithm, kemPublicKey []byte) (*domain.EncryptedEnvelope, error) {
	if !c.backend.Available() {
		return nil, domain.ErrCapabilityUnavailable
	}
	alg, err := domain.HybridAlgorithmForKEM(variant)
	if err != nil {
		return nil, err
	}
	ct, ss, err := c.backend.Encapsulate(variant, kemPublicKey)
	if err != nil {
		return nil, err
	}
	defer Zeroize(ss)

	key, err := deriveBulkKey(ss, alg)
	if err != nil {
		return nil, err
	}
	defer Zeroize(key)

	nonce, ciphertext, tag, err := seal(domain.AlgAES256GCM, key, data, associatedData(domain.EnvelopeVersion, alg))
	if err != nil {
		return nil, err
	}
	return &domain.EncryptedEnvelope{
		Version:    domain.EnvelopeVersion,
		Algorithm:  alg,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Tag:        tag,
		WrappedKey: &domain.WrappedKey{
			Algorithm:  variant,
			Ciphertext: ct,
		},
	}, nil
}

// Decrypt はエンベロープに記録されたKEMで共有秘密を取り出し、本文を復号する。
func (c *PQHybridCipher) Decrypt(env *domain.EncryptedEnvelope, kemPrivateKey []byte) ([]byte, error) {
	if env == nil {
		return nil, domain.ErrAuthenticationFailed
	}
	spec, err := env.Algorithm.Spec()
	if err != nil {
		return nil, err
	}
	if spec.Family != domain.FamilyKEMHybrid {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, env.Algorithm)
	}
	if !c.backend.Available() {
		return nil, domain.ErrCapabilityUnavailable
	}
	if env.WrappedKey == nil || env.WrappedKey.Algorithm != spec.KEM {
		return nil, domain.ErrKeyUnwrapFailed
	}

	ss, err := c.backend.Decapsulate(spec.KEM, kemPrivateKey, env.WrappedKey.Ciphertext)
	if err != nil {
		return nil, err
	}
	defer Zeroize(ss)

	key, err := deriveBulkKey(ss, env.Algorithm)
	if err != nil {
		return nil, err
	}
	defer Zeroize(key)

	return open(spec.Bulk, key, env.Nonce, env.Ciphertext, env.Tag, associatedData(env.Version, env.Algorithm))
}

// deriveBulkKey は共有秘密からHKDF-SHA256で本文鍵を導出する。
func deriveBulkKey(sharedSecret []byte, alg domain.Algorithm) ([]byte, error) {
	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(alg))
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving bulk key: %w", err)
	}
	return key, nil
}
