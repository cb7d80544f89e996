package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"content-protection-service/internal/domain"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	Name      string    `gorm:"column:name;size:128;not null;default:''"`
	AppliedAt time.Time `gorm:"column:applied_at;not null;autoCreateTime"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// models はアプリケーションが使用する全テーブルのモデル。
func models() []any {
	return []any{
		&KeyModel{},
		&AuditModel{},
		&AccessGrantModel{},
		&ContentModel{},
		&ContentKeyModel{},
		&MessageModel{},
		&IncidentModel{},
		&SchemaMigrationModel{},
	}
}

// AutoMigrate はモデル定義からテーブルとインデックスを作成する。
// SQLファイルのマイグレーションを使わない環境（SQLite、PostgreSQL、テスト）向け。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// MigrationRepository はマイグレーション履歴を管理するリポジトリ。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable はschema_migrationsテーブルが存在しない場合に作成する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーション一覧を取得する。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var rows []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&rows).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find all applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	migrations := make([]*domain.Migration, len(rows))
	for i := range rows {
		migrations[i] = &domain.Migration{Version: rows[i].Version, Name: rows[i].Name}
		migrations[i].MarkApplied(rows[i].AppliedAt)
	}
	return migrations, nil
}

// IsMigrationApplied はマイグレーションが適用済みか確認する。
func (r *MigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&SchemaMigrationModel{}).Where("version = ?", version).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to check if migration is applied",
			"operation", "is_migration_applied",
			"version", version,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// ApplyMigration はSQL文を順に実行し、適用履歴の記録までを単一のトランザクションで行う。
// MySQLではDDLが暗黙コミットされるため、途中で失敗したファイルは手動での復旧が必要になる。
func (r *MigrationRepository) ApplyMigration(ctx context.Context, migration *domain.Migration, statements []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, stmt := range statements {
			if err := tx.Exec(stmt).Error; err != nil {
				slog.ErrorContext(ctx, "failed to execute migration SQL",
					"operation", "apply_migration",
					"version", migration.Version,
					"statement", i+1,
					"error", err,
				)
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
		}

		if err := tx.Create(&SchemaMigrationModel{Version: migration.Version, Name: migration.Name}).Error; err != nil {
			slog.ErrorContext(ctx, "failed to record migration",
				"operation", "apply_migration",
				"version", migration.Version,
				"error", err,
			)
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}
