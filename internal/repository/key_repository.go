// Package repository はデータアクセス層の実装を提供する。
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

// activeSlot は有効な鍵の active_slot に設定する値。
// 無効な鍵は NULL とし、一意制約 (owner_id, key_type, active_slot) で有効な鍵を1件に制限する。
const activeSlot uint8 = 1

// KeyModel はgorm用のモデル定義。
type KeyModel struct {
	ID                  string    `gorm:"size:36;primaryKey"`
	OwnerID             string    `gorm:"size:64;not null;uniqueIndex:uk_owner_type_generation,priority:1;uniqueIndex:uk_owner_type_active,priority:1;index:idx_owner_id"`
	KeyType             string    `gorm:"size:20;not null;uniqueIndex:uk_owner_type_generation,priority:2;uniqueIndex:uk_owner_type_active,priority:2"`
	Generation          uint      `gorm:"not null;uniqueIndex:uk_owner_type_generation,priority:3"`
	ActiveSlot          *uint8    `gorm:"uniqueIndex:uk_owner_type_active,priority:3"`
	Algorithm           string    `gorm:"size:64;not null"`
	Purpose             string    `gorm:"size:32;not null"`
	PublicKey           []byte    `gorm:"not null"`
	EncryptedPrivateKey []byte    `gorm:"not null"`
	SealMode            string    `gorm:"size:16;not null;default:none"`
	Fingerprint         string    `gorm:"size:64;not null"`
	Status              string    `gorm:"size:16;not null;default:active;index:idx_status"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime"`
	ExpiresAt           *time.Time
	RevokedAt           *time.Time
}

// TableName はテーブル名を返す。
func (KeyModel) TableName() string {
	return "key_materials"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyModel) toDomain() *domain.KeyMaterial {
	return &domain.KeyMaterial{
		ID:                  m.ID,
		OwnerID:             m.OwnerID,
		KeyType:             domain.KeyType(m.KeyType),
		Algorithm:           domain.Algorithm(m.Algorithm),
		Purpose:             m.Purpose,
		Generation:          m.Generation,
		PublicKey:           m.PublicKey,
		EncryptedPrivateKey: m.EncryptedPrivateKey,
		SealMode:            domain.SealMode(m.SealMode),
		Fingerprint:         m.Fingerprint,
		Status:              domain.KeyStatus(m.Status),
		CreatedAt:           m.CreatedAt,
		ExpiresAt:           m.ExpiresAt,
		RevokedAt:           m.RevokedAt,
	}
}

func keyModelFromDomain(key *domain.KeyMaterial) *KeyModel {
	m := &KeyModel{
		ID:                  key.ID,
		OwnerID:             key.OwnerID,
		KeyType:             string(key.KeyType),
		Generation:          key.Generation,
		Algorithm:           string(key.Algorithm),
		Purpose:             key.Purpose,
		PublicKey:           key.PublicKey,
		EncryptedPrivateKey: key.EncryptedPrivateKey,
		SealMode:            string(key.SealMode),
		Fingerprint:         key.Fingerprint,
		Status:              string(key.Status),
		ExpiresAt:           key.ExpiresAt,
		RevokedAt:           key.RevokedAt,
	}
	if m.SealMode == "" {
		m.SealMode = string(domain.SealModeNone)
	}
	if key.Status == domain.KeyStatusActive {
		slot := activeSlot
		m.ActiveSlot = &slot
	}
	return m
}

// KeyRepository はデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// GetActiveKey は指定された所有者・種別の有効な鍵を取得する。存在しない場合は nil を返す。
func (r *KeyRepository) GetActiveKey(ctx context.Context, ownerID string, keyType domain.KeyType) (*domain.KeyMaterial, error) {
	var model KeyModel
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND key_type = ? AND status = ?", ownerID, string(keyType), string(domain.KeyStatusActive)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active key",
			"operation", "get_active_key",
			"owner_id", ownerID,
			"key_type", keyType,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// GetKeyByID は指定されたIDの鍵を取得する。失効済みの鍵も返す。
func (r *KeyRepository) GetKeyByID(ctx context.Context, id string) (*domain.KeyMaterial, error) {
	var model KeyModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key by id",
			"operation", "get_key_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// ListKeys は指定された所有者の全鍵を取得する。
func (r *KeyRepository) ListKeys(ctx context.Context, ownerID string) ([]*domain.KeyMaterial, error) {
	var models []KeyModel
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("key_type ASC").
		Order("generation ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list keys by owner_id",
			"operation", "list_keys",
			"owner_id", ownerID,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.KeyMaterial, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}

// PutKey は鍵をそのまま保存する。
// 有効な鍵が既に存在する所有者・種別に有効な鍵を保存すると ErrConcurrentModification を返す。
func (r *KeyRepository) PutKey(ctx context.Context, key *domain.KeyMaterial) error {
	model := keyModelFromDomain(key)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to put key",
			"operation", "put_key",
			"owner_id", key.OwnerID,
			"key_type", key.KeyType,
			"generation", key.Generation,
			"error", err,
		)
		return translateError(err)
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	return nil
}

// DeactivateKey は有効な鍵を superseded に変更する。有効でない鍵は変更しない。
func (r *KeyRepository) DeactivateKey(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Model(&KeyModel{}).
		Where("id = ? AND status = ?", id, string(domain.KeyStatusActive)).
		Updates(map[string]any{
			"status":      string(domain.KeyStatusSuperseded),
			"active_slot": nil,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to deactivate key",
			"operation", "deactivate_key",
			"id", id,
			"error", err,
		)
		return translateError(err)
	}
	return nil
}

// ActivateKey は現在の有効な鍵を superseded にし、新しい鍵を次の世代として有効化する。
// 一連の処理は単一のトランザクションで行い、現在の有効な行は SELECT ... FOR UPDATE でロックする。
// 戻り値は置き換えられた鍵のID（存在しない場合は空文字列）。
func (r *KeyRepository) ActivateKey(ctx context.Context, key *domain.KeyMaterial) (string, error) {
	var supersededID string
	model := keyModelFromDomain(key)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		supersededID = ""

		var current KeyModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ? AND key_type = ? AND status = ?", key.OwnerID, string(key.KeyType), string(domain.KeyStatusActive)).
			First(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			err := tx.Model(&KeyModel{}).
				Where("id = ?", current.ID).
				Updates(map[string]any{
					"status":      string(domain.KeyStatusSuperseded),
					"active_slot": nil,
				}).Error
			if err != nil {
				return err
			}
			supersededID = current.ID
		}

		var maxGen uint
		err = tx.Model(&KeyModel{}).
			Where("owner_id = ? AND key_type = ?", key.OwnerID, string(key.KeyType)).
			Select("COALESCE(MAX(generation), 0)").
			Scan(&maxGen).Error
		if err != nil {
			return err
		}
		model.Generation = maxGen + 1

		slot := activeSlot
		model.ActiveSlot = &slot
		model.Status = string(domain.KeyStatusActive)
		model.ID = ""
		return tx.Create(model).Error
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to activate key",
			"operation", "activate_key",
			"owner_id", key.OwnerID,
			"key_type", key.KeyType,
			"error", err,
		)
		return "", translateError(err)
	}

	key.ID = model.ID
	key.Generation = model.Generation
	key.Status = domain.KeyStatusActive
	key.CreatedAt = model.CreatedAt
	return supersededID, nil
}

// RevokeActiveKey は有効な鍵を失効させる。有効な鍵が存在しない場合は nil を返す。
func (r *KeyRepository) RevokeActiveKey(ctx context.Context, ownerID string, keyType domain.KeyType, at time.Time) (*domain.KeyMaterial, error) {
	var revoked *domain.KeyMaterial

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		revoked = nil

		var current KeyModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ? AND key_type = ? AND status = ?", ownerID, string(keyType), string(domain.KeyStatusActive)).
			First(&current).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		res := tx.Model(&KeyModel{}).
			Where("id = ? AND status = ?", current.ID, string(domain.KeyStatusActive)).
			Updates(map[string]any{
				"status":      string(domain.KeyStatusRevoked),
				"active_slot": nil,
				"revoked_at":  at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrConcurrentModification
		}

		current.Status = string(domain.KeyStatusRevoked)
		current.ActiveSlot = nil
		current.RevokedAt = &at
		revoked = current.toDomain()
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to revoke active key",
			"operation", "revoke_active_key",
			"owner_id", ownerID,
			"key_type", keyType,
			"error", err,
		)
		return nil, translateError(err)
	}
	return revoked, nil
}
