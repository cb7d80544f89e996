package domain

import "time"

// MessageStatus はメッセージの状態を表す。
type MessageStatus string

const (
	MessageStatusSent   MessageStatus = "sent"
	MessageStatusRead   MessageStatus = "read"
	MessageStatusBurned MessageStatus = "burned"
)

// SecureMessage はE2EEで暗号化されたメッセージを表す。
// 送信時に使用した双方の鍵IDを保持し、鍵の更新後も復号できるようにする。
type SecureMessage struct {
	ID             string
	SenderID       string
	RecipientID    string
	SenderKeyID    string
	RecipientKeyID string
	Envelope       *EncryptedEnvelope
	Fingerprint    string
	Ephemeral      bool
	Status         MessageStatus
	ExpiresAt      *time.Time
	ReadAt         *time.Time
	CreatedAt      time.Time
}

// Expired は now 時点で読めない状態かどうかを返す。
func (m *SecureMessage) Expired(now time.Time) bool {
	if m.Status == MessageStatusBurned {
		return true
	}
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}
