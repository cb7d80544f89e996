package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"content-protection-service/internal/domain"
)

// AccessGrantModel はアクセス許可のモデル。
// 有効な許可は active_slot を持ち、(resource_id, grantee_id) ごとに1件に制限される。
type AccessGrantModel struct {
	ID          string    `gorm:"size:36;primaryKey"`
	ResourceID  string    `gorm:"size:36;not null;uniqueIndex:uk_grant_active,priority:1;index:idx_grant_resource"`
	GranteeID   string    `gorm:"size:64;not null;uniqueIndex:uk_grant_active,priority:2;index:idx_grant_grantee"`
	ActiveSlot  *uint8    `gorm:"uniqueIndex:uk_grant_active,priority:3"`
	AccessLevel string    `gorm:"size:16;not null"`
	GrantedBy   string    `gorm:"size:64;not null"`
	GrantedAt   time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt   *time.Time
	IsActive    bool `gorm:"not null"`
	RevokedAt   *time.Time
}

// TableName はテーブル名を返す。
func (AccessGrantModel) TableName() string {
	return "access_grants"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *AccessGrantModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *AccessGrantModel) toDomain() *domain.AccessGrant {
	return &domain.AccessGrant{
		ID:          m.ID,
		ResourceID:  m.ResourceID,
		GranteeID:   m.GranteeID,
		AccessLevel: domain.AccessLevel(m.AccessLevel),
		GrantedBy:   m.GrantedBy,
		GrantedAt:   m.GrantedAt,
		ExpiresAt:   m.ExpiresAt,
		IsActive:    m.IsActive,
	}
}

// GrantRepository はアクセス許可のデータアクセスを提供する。
type GrantRepository struct {
	db *gorm.DB
}

// NewGrantRepository は新しいGrantRepositoryを生成する。
func NewGrantRepository(db *gorm.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

// GetAccessGrant は有効なアクセス許可を取得する。存在しない場合は nil を返す。
// 期限切れの判定は呼び出し側で行う。
func (r *GrantRepository) GetAccessGrant(ctx context.Context, resourceID, granteeID string) (*domain.AccessGrant, error) {
	var model AccessGrantModel
	err := r.db.WithContext(ctx).
		Where("resource_id = ? AND grantee_id = ? AND is_active = ?", resourceID, granteeID, true).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find access grant",
			"operation", "get_access_grant",
			"resource_id", resourceID,
			"grantee_id", granteeID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// CreateGrant は既存の有効な許可を無効化し、新しい許可を作成する。
func (r *GrantRepository) CreateGrant(ctx context.Context, grant *domain.AccessGrant) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createGrant(tx, grant)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create access grant",
			"operation", "create_grant",
			"resource_id", grant.ResourceID,
			"grantee_id", grant.GranteeID,
			"error", err,
		)
		return translateError(err)
	}
	return nil
}

// createGrant はトランザクション内で既存の有効な許可を無効化し、新しい許可を作成する。
func createGrant(tx *gorm.DB, grant *domain.AccessGrant) error {
	slot := activeSlot
	model := &AccessGrantModel{
		ResourceID:  grant.ResourceID,
		GranteeID:   grant.GranteeID,
		ActiveSlot:  &slot,
		AccessLevel: string(grant.AccessLevel),
		GrantedBy:   grant.GrantedBy,
		ExpiresAt:   grant.ExpiresAt,
		IsActive:    true,
	}

	var current AccessGrantModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("resource_id = ? AND grantee_id = ? AND is_active = ?", grant.ResourceID, grant.GranteeID, true).
		First(&current).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return err
	default:
		err := tx.Model(&AccessGrantModel{}).
			Where("id = ?", current.ID).
			Updates(map[string]any{
				"is_active":   false,
				"active_slot": nil,
				"revoked_at":  time.Now().UTC(),
			}).Error
		if err != nil {
			return err
		}
	}
	if err := tx.Create(model).Error; err != nil {
		return err
	}

	grant.ID = model.ID
	grant.GrantedAt = model.GrantedAt
	grant.IsActive = true
	return nil
}

// RevokeGrant は有効なアクセス許可を無効化する。無効化した場合は true を返す。
func (r *GrantRepository) RevokeGrant(ctx context.Context, resourceID, granteeID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&AccessGrantModel{}).
		Where("resource_id = ? AND grantee_id = ? AND is_active = ?", resourceID, granteeID, true).
		Updates(map[string]any{
			"is_active":   false,
			"active_slot": nil,
			"revoked_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to revoke access grant",
			"operation", "revoke_grant",
			"resource_id", resourceID,
			"grantee_id", granteeID,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
