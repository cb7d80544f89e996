package domain

import "fmt"

// EnvelopeVersion は現在のエンベロープ形式のバージョン。
const EnvelopeVersion = 1

// Algorithm は暗号アルゴリズムの識別子を表す。
// 識別子は保存済みデータに記録されるため値を変更してはならない。
type Algorithm string

const (
	AlgAES256GCM        Algorithm = "AES-256-GCM"
	AlgChaCha20Poly1305 Algorithm = "ChaCha20-Poly1305"
	AlgRSAOAEPHybrid    Algorithm = "RSA-OAEP-SHA256+AES-256-GCM"
	AlgX25519Box        Algorithm = "X25519-XSalsa20-Poly1305"
	AlgMLKEM768Hybrid   Algorithm = "ML-KEM-768+AES-256-GCM"
	AlgMLKEM1024Hybrid  Algorithm = "ML-KEM-1024+AES-256-GCM"

	AlgRSAOAEPSHA256 Algorithm = "RSA-OAEP-SHA256"
	AlgMLKEM768      Algorithm = "ML-KEM-768"
	AlgMLKEM1024     Algorithm = "ML-KEM-1024"

	AlgMLDSA65 Algorithm = "ML-DSA-65"
	AlgMLDSA87 Algorithm = "ML-DSA-87"
)

// AlgorithmFamily はアルゴリズムの構成方式を表す。
type AlgorithmFamily int

const (
	FamilyAEAD AlgorithmFamily = iota + 1
	FamilyRSAHybrid
	FamilyBox
	FamilyKEMHybrid
	FamilyKeyWrap
	FamilyKEM
	FamilySignature
)

// AlgorithmSpec はアルゴリズム毎のパラメータを表す。
type AlgorithmSpec struct {
	ID        Algorithm
	Family    AlgorithmFamily
	KeySize   int
	NonceSize int
	TagSize   int
	// KEM は KEM ハイブリッド方式で使うKEMの識別子。
	KEM Algorithm
	// Bulk はハイブリッド方式で本文の暗号化に使うAEADの識別子。
	Bulk Algorithm
}

var algorithmSpecs = map[Algorithm]AlgorithmSpec{
	AlgAES256GCM:        {ID: AlgAES256GCM, Family: FamilyAEAD, KeySize: 32, NonceSize: 12, TagSize: 16},
	AlgChaCha20Poly1305: {ID: AlgChaCha20Poly1305, Family: FamilyAEAD, KeySize: 32, NonceSize: 12, TagSize: 16},
	AlgRSAOAEPHybrid:    {ID: AlgRSAOAEPHybrid, Family: FamilyRSAHybrid, Bulk: AlgAES256GCM},
	AlgX25519Box:        {ID: AlgX25519Box, Family: FamilyBox, KeySize: 32, NonceSize: 24, TagSize: 16},
	AlgMLKEM768Hybrid:   {ID: AlgMLKEM768Hybrid, Family: FamilyKEMHybrid, KEM: AlgMLKEM768, Bulk: AlgAES256GCM},
	AlgMLKEM1024Hybrid:  {ID: AlgMLKEM1024Hybrid, Family: FamilyKEMHybrid, KEM: AlgMLKEM1024, Bulk: AlgAES256GCM},
	AlgRSAOAEPSHA256:    {ID: AlgRSAOAEPSHA256, Family: FamilyKeyWrap},
	AlgMLKEM768:         {ID: AlgMLKEM768, Family: FamilyKEM},
	AlgMLKEM1024:        {ID: AlgMLKEM1024, Family: FamilyKEM},
	AlgMLDSA65:          {ID: AlgMLDSA65, Family: FamilySignature},
	AlgMLDSA87:          {ID: AlgMLDSA87, Family: FamilySignature},
}

// ParseAlgorithm は識別子から既知のアルゴリズム定義を取得する。
func ParseAlgorithm(id string) (AlgorithmSpec, error) {
	spec, ok := algorithmSpecs[Algorithm(id)]
	if !ok {
		return AlgorithmSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, id)
	}
	return spec, nil
}

// Spec はアルゴリズム定義を返す。
func (a Algorithm) Spec() (AlgorithmSpec, error) {
	return ParseAlgorithm(string(a))
}

// HybridAlgorithmForKEM はKEM識別子に対応するハイブリッド方式の識別子を返す。
func HybridAlgorithmForKEM(kem Algorithm) (Algorithm, error) {
	switch kem {
	case AlgMLKEM768:
		return AlgMLKEM768Hybrid, nil
	case AlgMLKEM1024:
		return AlgMLKEM1024Hybrid, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, kem)
}

// EncryptedEnvelope は自己記述的な暗号文を表す。
// バイト列はJSONでbase64として表現される。
type EncryptedEnvelope struct {
	Version    int         `json:"v"`
	Algorithm  Algorithm   `json:"alg"`
	Ciphertext []byte      `json:"ciphertext"`
	Nonce      []byte      `json:"nonce"`
	Tag        []byte      `json:"tag"`
	WrappedKey *WrappedKey `json:"wrapped_key,omitempty"`
}

// WrappedKey はハイブリッド方式で本文鍵をラップしたものを表す。
// KEM方式の場合 Ciphertext はカプセル化された暗号文。
type WrappedKey struct {
	Algorithm  Algorithm `json:"alg"`
	Ciphertext []byte    `json:"ciphertext"`
}
