package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"content-protection-service/internal/domain"
)

// MessageModel はE2EEメッセージのモデル。消去済みのメッセージは Envelope を持たない。
type MessageModel struct {
	ID             string `gorm:"size:36;primaryKey"`
	SenderID       string `gorm:"size:64;not null;index:idx_message_sender"`
	RecipientID    string `gorm:"size:64;not null;index:idx_message_recipient"`
	SenderKeyID    string `gorm:"size:36;not null"`
	RecipientKeyID string `gorm:"size:36;not null"`
	Envelope       []byte
	Fingerprint    string `gorm:"size:128;not null"`
	Ephemeral      bool   `gorm:"not null"`
	Status         string `gorm:"size:16;not null;index:idx_message_status"`
	ExpiresAt      *time.Time
	ReadAt         *time.Time
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (MessageModel) TableName() string {
	return "secure_messages"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *MessageModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *MessageModel) toDomain() (*domain.SecureMessage, error) {
	msg := &domain.SecureMessage{
		ID:             m.ID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		SenderKeyID:    m.SenderKeyID,
		RecipientKeyID: m.RecipientKeyID,
		Fingerprint:    m.Fingerprint,
		Ephemeral:      m.Ephemeral,
		Status:         domain.MessageStatus(m.Status),
		ExpiresAt:      m.ExpiresAt,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
	if len(m.Envelope) > 0 {
		var env domain.EncryptedEnvelope
		if err := json.Unmarshal(m.Envelope, &env); err != nil {
			return nil, fmt.Errorf("decoding envelope of message %s: %w", m.ID, err)
		}
		msg.Envelope = &env
	}
	return msg, nil
}

// MessageRepository はメッセージのデータアクセスを提供する。
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository は新しいMessageRepositoryを生成する。
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// CreateMessage はメッセージを保存する。
func (r *MessageRepository) CreateMessage(ctx context.Context, msg *domain.SecureMessage) error {
	env, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("encoding message envelope: %w", err)
	}
	status := msg.Status
	if status == "" {
		status = domain.MessageStatusSent
	}
	model := &MessageModel{
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		SenderKeyID:    msg.SenderKeyID,
		RecipientKeyID: msg.RecipientKeyID,
		Envelope:       env,
		Fingerprint:    msg.Fingerprint,
		Ephemeral:      msg.Ephemeral,
		Status:         string(status),
		ExpiresAt:      msg.ExpiresAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create message",
			"operation", "create_message",
			"sender_id", msg.SenderID,
			"recipient_id", msg.RecipientID,
			"error", err,
		)
		return err
	}
	msg.ID = model.ID
	msg.Status = status
	msg.CreatedAt = model.CreatedAt
	return nil
}

// GetMessage は指定されたIDのメッセージを取得する。存在しない場合は nil を返す。
func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*domain.SecureMessage, error) {
	var model MessageModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find message",
			"operation", "get_message",
			"message_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// MarkRead は未読のメッセージを既読にする。
func (r *MessageRepository) MarkRead(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, string(domain.MessageStatusSent)).
		Updates(map[string]any{
			"status":  string(domain.MessageStatusRead),
			"read_at": at,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to mark message as read",
			"operation", "mark_read",
			"message_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// Burn は未読のメッセージの暗号文を消去し burned にする。
// 他の読み取りが先に消去していた場合は false を返す。
func (r *MessageRepository) Burn(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, string(domain.MessageStatusSent)).
		Updates(map[string]any{
			"status":   string(domain.MessageStatusBurned),
			"envelope": nil,
			"read_at":  at,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to burn message",
			"operation", "burn_message",
			"message_id", id,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListForRecipient は受信者宛のメッセージを新しい順に取得する。limitが0以下の場合は全件を返す。
func (r *MessageRepository) ListForRecipient(ctx context.Context, recipientID string, limit int) ([]*domain.SecureMessage, error) {
	var models []MessageModel
	q := r.db.WithContext(ctx).
		Omit("envelope").
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list messages",
			"operation", "list_messages",
			"recipient_id", recipientID,
			"error", err,
		)
		return nil, err
	}

	messages := make([]*domain.SecureMessage, len(models))
	for i := range models {
		msg, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		messages[i] = msg
	}
	return messages, nil
}
