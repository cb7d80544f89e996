// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeyType は鍵の用途別種別を表す。
type KeyType string

const (
	// KeyTypeRSA はハイブリッド暗号用のRSA鍵ペア。
	KeyTypeRSA KeyType = "rsa"
	// KeyTypeE2EE はエンドツーエンド暗号用のCurve25519鍵ペア。
	KeyTypeE2EE KeyType = "e2ee"
	// KeyTypePostQuantum は耐量子暗号用のKEM・署名鍵ペア。
	KeyTypePostQuantum KeyType = "post_quantum"
)

// Valid は既知の鍵種別かどうかを返す。
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeRSA, KeyTypeE2EE, KeyTypePostQuantum:
		return true
	}
	return false
}

// Purpose は鍵種別に対応する用途を返す。
func (t KeyType) Purpose() string {
	switch t {
	case KeyTypeRSA:
		return "content_encryption"
	case KeyTypeE2EE:
		return "messaging"
	case KeyTypePostQuantum:
		return "quantum_resistant_encryption"
	}
	return ""
}

// KeyStatus は暗号鍵のステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は有効な鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusSuperseded は新しい鍵の生成により無効化された鍵を表す。
	KeyStatusSuperseded KeyStatus = "superseded"
	// KeyStatusRevoked は失効した鍵を表す（終端状態）。
	KeyStatusRevoked KeyStatus = "revoked"
)

// SealMode は秘密鍵ブロブの保管時の追加封印方式を表す。
type SealMode string

const (
	SealModeNone     SealMode = "none"
	SealModeCloudKMS SealMode = "cloud_kms"
)

// KeyMaterial は鍵ペアのエンティティを表す。
// EncryptedPrivateKey はパスワード由来の鍵で暗号化された WrappedPrivateKey のJSON。
type KeyMaterial struct {
	ID                  string
	OwnerID             string
	KeyType             KeyType
	Algorithm           Algorithm
	Purpose             string
	Generation          uint
	PublicKey           []byte
	EncryptedPrivateKey []byte
	SealMode            SealMode
	Fingerprint         string
	Status              KeyStatus
	CreatedAt           time.Time
	ExpiresAt           *time.Time
	RevokedAt           *time.Time
}

// IsActive は有効な鍵かどうかを返す。
func (k *KeyMaterial) IsActive() bool {
	return k.Status == KeyStatusActive
}

// KeyMetadata は鍵のメタデータを表す（秘密鍵を含まない）。
type KeyMetadata struct {
	ID          string
	OwnerID     string
	KeyType     KeyType
	Algorithm   Algorithm
	Generation  uint
	Fingerprint string
	PublicKey   []byte
	Status      KeyStatus
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// Metadata は秘密鍵を除いたメタデータを返す。
func (k *KeyMaterial) Metadata() *KeyMetadata {
	return &KeyMetadata{
		ID:          k.ID,
		OwnerID:     k.OwnerID,
		KeyType:     k.KeyType,
		Algorithm:   k.Algorithm,
		Generation:  k.Generation,
		Fingerprint: k.Fingerprint,
		PublicKey:   k.PublicKey,
		Status:      k.Status,
		CreatedAt:   k.CreatedAt,
		RevokedAt:   k.RevokedAt,
	}
}

// WrappedPrivateKey は保管用に暗号化された秘密鍵を表す。
type WrappedPrivateKey struct {
	KDF        string             `json:"kdf"`
	Iterations int                `json:"iterations"`
	Salt       []byte             `json:"salt"`
	Envelope   *EncryptedEnvelope `json:"envelope"`
}
