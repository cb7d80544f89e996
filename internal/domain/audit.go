package domain

import "time"

// AuditAction は監査対象の操作を表す。
type AuditAction string

const (
	ActionKeyGenerated     AuditAction = "key_generated"
	ActionKeyRevoked       AuditAction = "key_revoked"
	ActionContentEncrypted AuditAction = "content_encrypted"
	ActionContentDecrypted AuditAction = "content_decrypted"
	ActionContentShared    AuditAction = "content_shared"
	ActionMessageSent      AuditAction = "message_sent"
	ActionMessageRead      AuditAction = "message_read"
	ActionAccessGranted    AuditAction = "access_granted"
	ActionAccessRevoked    AuditAction = "access_revoked"
	ActionAccessDenied     AuditAction = "access_denied"
	ActionDecryptFailed    AuditAction = "decryption_failed"
	ActionSuspicious       AuditAction = "suspicious_request"
)

// Resource は監査対象のリソースを表す。
type Resource struct {
	Type string
	ID   string
}

// AuditEntry は改ざん検知可能な監査エントリを表す。
// 生成後は不変であり、更新・削除の経路は存在しない。
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	ActorID       string
	Action        AuditAction
	ResourceType  string
	ResourceID    string
	Metadata      map[string]any
	ContentHash   string
	PrevSignature string
	Signature     string
}
