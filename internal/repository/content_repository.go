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
	"gorm.io/gorm/clause"

	"content-protection-service/internal/domain"
)

// ContentModel は暗号化コンテンツのモデル。本文はエンベロープのJSONで保存する。
type ContentModel struct {
	ID          string    `gorm:"size:36;primaryKey"`
	OwnerID     string    `gorm:"size:64;not null;index:idx_content_owner"`
	Title       string    `gorm:"size:200;not null"`
	ContentType string    `gorm:"size:32;not null"`
	Method      string    `gorm:"size:20;not null"`
	Body        []byte    `gorm:"not null"`
	ContentHash string    `gorm:"size:128;not null"`
	Size        int       `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (ContentModel) TableName() string {
	return "encrypted_contents"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *ContentModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *ContentModel) toDomain() (*domain.EncryptedContent, error) {
	var body domain.EncryptedEnvelope
	if err := json.Unmarshal(m.Body, &body); err != nil {
		return nil, fmt.Errorf("decoding body of content %s: %w", m.ID, err)
	}
	return &domain.EncryptedContent{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Title:       m.Title,
		ContentType: m.ContentType,
		Method:      domain.EncryptionMethod(m.Method),
		Body:        &body,
		ContentHash: m.ContentHash,
		Size:        m.Size,
		CreatedAt:   m.CreatedAt,
	}, nil
}

// ContentKeyModel は受信者毎にラップされたコンテンツ鍵のモデル。
type ContentKeyModel struct {
	ID         string    `gorm:"size:36;primaryKey"`
	ContentID  string    `gorm:"size:36;not null;uniqueIndex:uk_content_grantee,priority:1"`
	GranteeID  string    `gorm:"size:64;not null;uniqueIndex:uk_content_grantee,priority:2"`
	KeyID      string    `gorm:"size:36;not null;index:idx_content_key_key"`
	WrappedKey []byte    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (ContentKeyModel) TableName() string {
	return "content_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *ContentKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *ContentKeyModel) toDomain() (*domain.ContentKey, error) {
	var wrapped domain.EncryptedEnvelope
	if err := json.Unmarshal(m.WrappedKey, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding wrapped key of content %s: %w", m.ContentID, err)
	}
	return &domain.ContentKey{
		ContentID:  m.ContentID,
		GranteeID:  m.GranteeID,
		KeyID:      m.KeyID,
		WrappedKey: &wrapped,
	}, nil
}

func contentKeyModelFromDomain(key *domain.ContentKey) (*ContentKeyModel, error) {
	wrapped, err := json.Marshal(key.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("encoding wrapped key: %w", err)
	}
	return &ContentKeyModel{
		ContentID:  key.ContentID,
		GranteeID:  key.GranteeID,
		KeyID:      key.KeyID,
		WrappedKey: wrapped,
	}, nil
}

// ContentRepository は暗号化コンテンツとコンテンツ鍵のデータアクセスを提供する。
type ContentRepository struct {
	db *gorm.DB
}

// NewContentRepository は新しいContentRepositoryを生成する。
func NewContentRepository(db *gorm.DB) *ContentRepository {
	return &ContentRepository{db: db}
}

// CreateContent はコンテンツ、受信者毎のコンテンツ鍵、受信者へのアクセス許可を単一のトランザクションで保存する。
func (r *ContentRepository) CreateContent(ctx context.Context, content *domain.EncryptedContent, keys []*domain.ContentKey, grants []*domain.AccessGrant) error {
	body, err := json.Marshal(content.Body)
	if err != nil {
		return fmt.Errorf("encoding content body: %w", err)
	}
	model := &ContentModel{
		ID:          content.ID,
		OwnerID:     content.OwnerID,
		Title:       content.Title,
		ContentType: content.ContentType,
		Method:      string(content.Method),
		Body:        body,
		ContentHash: content.ContentHash,
		Size:        content.Size,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		for _, key := range keys {
			key.ContentID = model.ID
			km, err := contentKeyModelFromDomain(key)
			if err != nil {
				return err
			}
			if err := tx.Create(km).Error; err != nil {
				return err
			}
		}
		for _, grant := range grants {
			grant.ResourceID = model.ID
			if err := createGrant(tx, grant); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create content",
			"operation", "create_content",
			"owner_id", content.OwnerID,
			"recipients", len(keys),
			"grants", len(grants),
			"error", err,
		)
		return translateError(err)
	}

	content.ID = model.ID
	content.CreatedAt = model.CreatedAt
	return nil
}

// GetContent は指定されたIDのコンテンツを取得する。存在しない場合は nil を返す。
func (r *ContentRepository) GetContent(ctx context.Context, id string) (*domain.EncryptedContent, error) {
	var model ContentModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find content",
			"operation", "get_content",
			"content_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// GetContentKey は受信者向けにラップされたコンテンツ鍵を取得する。存在しない場合は nil を返す。
func (r *ContentRepository) GetContentKey(ctx context.Context, contentID, granteeID string) (*domain.ContentKey, error) {
	var model ContentKeyModel
	err := r.db.WithContext(ctx).
		Where("content_id = ? AND grantee_id = ?", contentID, granteeID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find content key",
			"operation", "get_content_key",
			"content_id", contentID,
			"grantee_id", granteeID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// PutContentKey は受信者向けのコンテンツ鍵を保存する。既存の鍵は置き換える。
func (r *ContentRepository) PutContentKey(ctx context.Context, key *domain.ContentKey) error {
	model, err := contentKeyModelFromDomain(key)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_id"}, {Name: "grantee_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"key_id", "wrapped_key"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to put content key",
			"operation", "put_content_key",
			"content_id", key.ContentID,
			"grantee_id", key.GranteeID,
			"error", err,
		)
		return err
	}
	return nil
}
