package domain

import "time"

// AccessLevel はリソースへのアクセスレベルを表す。
type AccessLevel string

const (
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessAdmin AccessLevel = "admin"
)

// Valid は既知のアクセスレベルかどうかを返す。
func (l AccessLevel) Valid() bool {
	switch l {
	case AccessRead, AccessWrite, AccessAdmin:
		return true
	}
	return false
}

// AccessGrant はリソースへのアクセス許可を表す。
// (ResourceID, GranteeID) ごとに有効な許可は1件のみ。
type AccessGrant struct {
	ID          string
	ResourceID  string
	GranteeID   string
	AccessLevel AccessLevel
	GrantedBy   string
	GrantedAt   time.Time
	ExpiresAt   *time.Time
	IsActive    bool
}

// Usable は now 時点で許可が有効かどうかを返す。期限は読み取り時に判定する。
func (g *AccessGrant) Usable(now time.Time) bool {
	if g == nil || !g.IsActive {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

// EncryptionMethod はコンテンツ鍵のラップ方式を表す。
type EncryptionMethod string

const (
	MethodHybrid      EncryptionMethod = "hybrid"
	MethodPostQuantum EncryptionMethod = "post_quantum"
)

// KeyType は方式に対応する受信者の鍵種別を返す。
func (m EncryptionMethod) KeyType() (KeyType, bool) {
	switch m {
	case MethodHybrid:
		return KeyTypeRSA, true
	case MethodPostQuantum:
		return KeyTypePostQuantum, true
	}
	return "", false
}

// EncryptedContent は暗号化されたコンテンツを表す。
type EncryptedContent struct {
	ID          string
	OwnerID     string
	Title       string
	ContentType string
	Method      EncryptionMethod
	Body        *EncryptedEnvelope
	ContentHash string
	Size        int
	CreatedAt   time.Time
}

// ContentKey は受信者毎にラップされたコンテンツ鍵を表す。
type ContentKey struct {
	ContentID  string
	GranteeID  string
	KeyID      string
	WrappedKey *EncryptedEnvelope
}
