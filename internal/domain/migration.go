package domain

import "time"

// MigrationStatus はスキーマ定義ファイルの適用状態。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration は {version}_{name}.sql 形式のスキーマ定義ファイル1件を表す。
// FilePath はマイグレーション用ファイルシステム内の相対パス。
type Migration struct {
	Version   string
	Name      string
	FilePath  string
	Status    MigrationStatus
	AppliedAt *time.Time
}

// MarkApplied は適用済みとして記録する。
func (m *Migration) MarkApplied(at time.Time) {
	m.Status = MigrationStatusApplied
	m.AppliedAt = &at
}

// Applied は適用済みかどうかを返す。
func (m *Migration) Applied() bool {
	return m.Status == MigrationStatusApplied
}
