package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"content-protection-service/internal/audit"
	"content-protection-service/internal/domain"
)

// AuditRepository は監査エントリの永続化のインターフェース。
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]*domain.AuditEntry, error)
	LatestSignature(ctx context.Context) (string, error)
}

// AuditRecorder は監査エントリを記録するインターフェース。
type AuditRecorder interface {
	Record(ctx context.Context, action domain.AuditAction, actorID string, resource domain.Resource, metadata map[string]any) (*domain.AuditEntry, error)
}

// AuditService は監査エントリの記録と検証を提供する。
type AuditService struct {
	trail *audit.Trail
	repo  AuditRepository

	// 生成から追記までを直列化し、チェーンの順序と保存順を一致させる
	mu sync.Mutex
}

// NewAuditService は新しいAuditServiceを生成する。
func NewAuditService(trail *audit.Trail, repo AuditRepository) *AuditService {
	return &AuditService{trail: trail, repo: repo}
}

// Init は保存済みの最後の署名からチェーンを再開する。
func (s *AuditService) Init(ctx context.Context) error {
	if !s.trail.Chained() {
		return nil
	}
	sig, err := s.repo.LatestSignature(ctx)
	if err != nil {
		return fmt.Errorf("loading audit chain head: %w", err)
	}
	s.mu.Lock()
	s.trail.SetHead(sig)
	s.mu.Unlock()
	return nil
}

// Record は監査エントリを生成して追記する。
// 追記に失敗した場合はチェーンの先頭を元に戻す。
func (s *AuditService) Record(ctx context.Context, action domain.AuditAction, actorID string, resource domain.Resource, metadata map[string]any) (*domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.trail.Record(action, actorID, resource, metadata)
	if err != nil {
		return nil, fmt.Errorf("building audit entry: %w", err)
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		s.trail.SetHead(entry.PrevSignature)
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}
	return entry, nil
}

// AuditReport は監査ログの検証結果を表す。
type AuditReport struct {
	Entries  int
	Chained  bool
	Valid    bool
	Problems []string
}

// Verify は保存済みの監査エントリを再検証する。limitが0以下の場合は全件を対象にする。
func (s *AuditService) Verify(ctx context.Context, limit int) (*AuditReport, error) {
	entries, err := s.repo.ListAudit(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}

	report := &AuditReport{Entries: len(entries), Chained: s.trail.Chained()}

	var result error
	if report.Chained {
		result = s.trail.VerifyChain(entries)
	} else {
		for _, e := range entries {
			if err := s.trail.Verify(e); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if result != nil {
		var merr *multierror.Error
		if errors.As(result, &merr) {
			for _, e := range merr.Errors {
				report.Problems = append(report.Problems, e.Error())
			}
		} else {
			report.Problems = append(report.Problems, result.Error())
		}
		slog.WarnContext(ctx, "audit verification found problems",
			"operation", "verify_audit",
			"entries", report.Entries,
			"problems", len(report.Problems),
		)
	}
	report.Valid = len(report.Problems) == 0
	return report, nil
}

// recordAudit は監査エントリを記録し、失敗はログに残す。
// 既に確定した状態変更を監査の失敗で取り消さない操作で使う。
func recordAudit(ctx context.Context, recorder AuditRecorder, action domain.AuditAction, actorID string, resource domain.Resource, metadata map[string]any) {
	if _, err := recorder.Record(ctx, action, actorID, resource, metadata); err != nil {
		slog.ErrorContext(ctx, "failed to record audit entry",
			"operation", "record_audit",
			"action", action,
			"resource_type", resource.Type,
			"resource_id", resource.ID,
			"error", err,
		)
	}
}
