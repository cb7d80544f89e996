package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"content-protection-service/internal/domain"
)

// AuditModel は監査エントリのモデル。更新・削除の経路は持たない。
type AuditModel struct {
	Seq           uint64    `gorm:"primaryKey;autoIncrement"`
	ID            string    `gorm:"size:36;not null;uniqueIndex:uk_audit_id"`
	Timestamp     time.Time `gorm:"not null;precision:6;index:idx_audit_timestamp"`
	ActorID       string    `gorm:"size:64;not null;index:idx_audit_actor"`
	Action        string    `gorm:"size:32;not null;index:idx_audit_action"`
	ResourceType  string    `gorm:"size:32;not null;index:idx_audit_resource,priority:1"`
	ResourceID    string    `gorm:"size:64;not null;index:idx_audit_resource,priority:2"`
	Metadata      []byte    `gorm:"not null"`
	ContentHash   string    `gorm:"size:128;not null"`
	PrevSignature string    `gorm:"size:64;not null"`
	Signature     string    `gorm:"size:64;not null"`
}

// TableName はテーブル名を返す。
func (AuditModel) TableName() string {
	return "audit_entries"
}

func (m *AuditModel) toDomain() (*domain.AuditEntry, error) {
	metadata := map[string]any{}
	if len(m.Metadata) > 0 {
		// 数値を元の表記のまま保持し、署名の再計算で差異が出ないようにする
		dec := json.NewDecoder(bytes.NewReader(m.Metadata))
		dec.UseNumber()
		if err := dec.Decode(&metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of audit entry %s: %w", m.ID, err)
		}
	}
	return &domain.AuditEntry{
		ID:            m.ID,
		Timestamp:     m.Timestamp.UTC(),
		ActorID:       m.ActorID,
		Action:        domain.AuditAction(m.Action),
		ResourceType:  m.ResourceType,
		ResourceID:    m.ResourceID,
		Metadata:      metadata,
		ContentHash:   m.ContentHash,
		PrevSignature: m.PrevSignature,
		Signature:     m.Signature,
	}, nil
}

// AuditRepository は監査エントリの追記と参照を提供する。
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository は新しいAuditRepositoryを生成する。
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AppendAudit は監査エントリを追記する。
func (r *AuditRepository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encoding audit metadata: %w", err)
	}
	model := &AuditModel{
		ID:            entry.ID,
		Timestamp:     entry.Timestamp,
		ActorID:       entry.ActorID,
		Action:        string(entry.Action),
		ResourceType:  entry.ResourceType,
		ResourceID:    entry.ResourceID,
		Metadata:      metadata,
		ContentHash:   entry.ContentHash,
		PrevSignature: entry.PrevSignature,
		Signature:     entry.Signature,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to append audit entry",
			"operation", "append_audit",
			"audit_id", entry.ID,
			"action", entry.Action,
			"error", err,
		)
		return err
	}
	return nil
}

// ListAudit は監査エントリを記録順に取得する。limitが0以下の場合は全件を返す。
func (r *AuditRepository) ListAudit(ctx context.Context, limit int) ([]*domain.AuditEntry, error) {
	var models []AuditModel
	q := r.db.WithContext(ctx).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list audit entries",
			"operation", "list_audit",
			"error", err,
		)
		return nil, err
	}

	entries := make([]*domain.AuditEntry, len(models))
	for i := range models {
		entry, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		entries[i] = entry
	}
	return entries, nil
}

// LatestSignature は最後に記録されたエントリの署名を返す。エントリがない場合は空文字列。
func (r *AuditRepository) LatestSignature(ctx context.Context) (string, error) {
	var model AuditModel
	err := r.db.WithContext(ctx).Order("seq DESC").First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		slog.ErrorContext(ctx, "failed to find latest audit entry",
			"operation", "latest_signature",
			"error", err,
		)
		return "", err
	}
	return model.Signature, nil
}
