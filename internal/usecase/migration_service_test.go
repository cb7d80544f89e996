package usecase

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"content-protection-service/internal/domain"
	"content-protection-service/migrations"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
	executed          map[string][]string
	applyError        error
	ensureCalls       int
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
		executed:          make(map[string][]string),
	}
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	m.ensureCalls++
	return nil
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	_, exists := m.appliedMigrations[version]
	return exists, nil
}

func (m *mockMigrationRepository) ApplyMigration(ctx context.Context, migration *domain.Migration, statements []string) error {
	if m.applyError != nil {
		return m.applyError
	}
	now := time.Now()
	m.executed[migration.Version] = statements
	m.appliedMigrations[migration.Version] = &domain.Migration{
		Version:   migration.Version,
		Name:      migration.Name,
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	return nil
}

// testMigrations はテスト用のマイグレーションファイル群を作成する。
func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"001_create_key_materials.sql":   {Data: []byte("CREATE TABLE key_materials (id INT);")},
		"002_create_audit_entries.sql":   {Data: []byte("-- audit\nCREATE TABLE audit_entries (\n  seq INT\n);\nCREATE INDEX idx_seq ON audit_entries (seq);\n")},
		"003_create_secure_messages.sql": {Data: []byte("CREATE TABLE secure_messages (id INT);")},
		"README.md":                      {Data: []byte("not a migration")},
	}
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	service := NewMigrationService(repo, testMigrations())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("want 3 migrations applied, got %d", count)
	}
	if repo.ensureCalls != 1 {
		t.Errorf("want EnsureTable to be called once, got %d", repo.ensureCalls)
	}

	want := []string{"CREATE TABLE audit_entries (\nseq INT\n)", "CREATE INDEX idx_seq ON audit_entries (seq)"}
	if got := repo.executed["002"]; !reflect.DeepEqual(got, want) {
		t.Errorf("want statements %q, got %q", want, got)
	}
	if got := repo.appliedMigrations["001"].Name; got != "create_key_materials" {
		t.Errorf("want name create_key_materials, got %s", got)
	}

	// 2回目は何も適用しない
	count, err = service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 0 {
		t.Errorf("want 0 migrations applied, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{Version: "001", AppliedAt: &now, Status: domain.MigrationStatusApplied}
	repo.appliedMigrations["002"] = &domain.Migration{Version: "002", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, testMigrations())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	// 未適用のマイグレーションのみ実行される
	if count != 1 {
		t.Errorf("want 1 migration applied, got %d", count)
	}
	if _, ok := repo.executed["003"]; !ok {
		t.Error("want migration 003 to be executed")
	}
}

func TestMigrationService_ApplyMigrations_Error(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	repo.applyError = errors.New("syntax error")

	service := NewMigrationService(repo, testMigrations())

	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Fatalf("want ErrMigrationFailed, got %v", err)
	}
	if count != 0 {
		t.Errorf("want 0 migrations applied, got %d", count)
	}
}

func TestMigrationService_InvalidFiles(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
	}{
		{
			name:  "missing name",
			files: fstest.MapFS{"001.sql": {Data: []byte("SELECT 1;")}},
		},
		{
			name: "duplicate version",
			files: fstest.MapFS{
				"001_a.sql": {Data: []byte("SELECT 1;")},
				"001_b.sql": {Data: []byte("SELECT 1;")},
			},
		},
		{
			name:  "empty file",
			files: fstest.MapFS{"001_empty.sql": {Data: []byte("-- nothing here\n")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewMigrationService(newMockMigrationRepository(), tt.files)
			_, err := service.ApplyMigrations(context.Background())
			if err == nil {
				t.Fatal("want error, got nil")
			}
			if !errors.Is(err, domain.ErrInvalidMigrationFile) && !errors.Is(err, domain.ErrMigrationFailed) {
				t.Errorf("want ErrInvalidMigrationFile or ErrMigrationFailed, got %v", err)
			}
		})
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{Version: "001", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, testMigrations())

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("want 3 migrations, got %d", len(migrations))
	}

	// 001はapplied, 002と003はpending
	expectedStatuses := map[string]domain.MigrationStatus{
		"001": domain.MigrationStatusApplied,
		"002": domain.MigrationStatusPending,
		"003": domain.MigrationStatusPending,
	}
	for _, migration := range migrations {
		expectedStatus, exists := expectedStatuses[migration.Version]
		if !exists {
			t.Errorf("unexpected migration version: %s", migration.Version)
			continue
		}
		if migration.Status != expectedStatus {
			t.Errorf("migration %s: want status %s, got %s", migration.Version, expectedStatus, migration.Status)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	sql := "-- header\n\nCREATE TABLE a (\n  id INT\n);\n  -- between\nINSERT INTO a VALUES (1);\nUPDATE a SET id = 2"
	want := []string{"CREATE TABLE a (\nid INT\n)", "INSERT INTO a VALUES (1)", "UPDATE a SET id = 2"}
	if got := splitStatements(sql); !reflect.DeepEqual(got, want) {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestMigrationService_EmbeddedMigrations(t *testing.T) {
	repo := newMockMigrationRepository()
	service := NewMigrationService(repo, migrations.FS)

	count, err := service.ApplyMigrations(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 6 {
		t.Errorf("want 6 migrations, got %d", count)
	}
	// content_keys は encrypted_contents と同じファイルで作成する
	if got := len(repo.executed["003"]); got != 2 {
		t.Errorf("want 2 statements in 003, got %d", got)
	}
	for version, statements := range repo.executed {
		for _, stmt := range statements {
			if !strings.HasPrefix(stmt, "CREATE TABLE") {
				t.Errorf("version %s: want CREATE TABLE statement, got %q", version, stmt)
			}
		}
	}
}
