package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pmylund/go-cache"

	"content-protection-service/internal/domain"
)

// IncidentThreshold はインシデントを起票するリスクスコアの下限。
const IncidentThreshold = 5.0

// IncidentRepository はセキュリティインシデントのデータアクセスのインターフェース。
type IncidentRepository interface {
	CreateIncident(ctx context.Context, incident *domain.SecurityIncident) error
	ListIncidents(ctx context.Context, limit int) ([]*domain.SecurityIncident, error)
	CountIncidentsSince(ctx context.Context, since time.Time) (int64, error)
}

// IncidentService は不審なリクエストからインシデントを起票する。
type IncidentService struct {
	repo IncidentRepository

	// 日付ごとの採番。日付が変わった後は自然に期限切れになる
	mu  sync.Mutex
	seq *cache.Cache

	now func() time.Time
}

// NewIncidentService は新しいIncidentServiceを生成する。
func NewIncidentService(repo IncidentRepository) *IncidentService {
	return &IncidentService{
		repo: repo,
		seq:  cache.New(48*time.Hour, time.Hour),
		now:  time.Now,
	}
}

// Open はリスクスコアが閾値以上の場合にインシデントを起票する。起票しない場合は nil を返す。
func (s *IncidentService) Open(ctx context.Context, clientIP, method, path string, assessment domain.RiskAssessment) (*domain.SecurityIncident, error) {
	if !assessment.IsSuspicious || assessment.Score < IncidentThreshold {
		return nil, nil
	}

	now := s.now().UTC()
	id, err := s.nextIncidentID(ctx, now)
	if err != nil {
		return nil, err
	}

	incident := &domain.SecurityIncident{
		IncidentID: id,
		Severity:   domain.SeverityForScore(assessment.Score),
		ClientIP:   clientIP,
		Method:     method,
		Path:       path,
		Indicators: assessment.IndicatorList(),
		RiskScore:  assessment.Score,
	}
	if err := s.repo.CreateIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("creating incident: %w", err)
	}

	slog.WarnContext(ctx, "security incident opened",
		"incident_id", incident.IncidentID,
		"severity", incident.Severity,
		"client_ip", clientIP,
		"risk_score", assessment.Score,
		"indicators", incident.Indicators,
	)
	return incident, nil
}

// List は新しい順にインシデントを取得する。
func (s *IncidentService) List(ctx context.Context, limit int) ([]*domain.SecurityIncident, error) {
	incidents, err := s.repo.ListIncidents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	return incidents, nil
}

// nextIncidentID は INC-YYYYMMDD-NNNN 形式のIDを採番する。
// その日の最初の採番では保存済みの件数から再開する。
func (s *IncidentService) nextIncidentID(ctx context.Context, now time.Time) (string, error) {
	day := now.Format("20060102")

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.seq.IncrementInt(day, 1)
	if err != nil {
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		count, err := s.repo.CountIncidentsSince(ctx, start)
		if err != nil {
			return "", fmt.Errorf("counting incidents: %w", err)
		}
		n = int(count) + 1
		s.seq.Set(day, n, cache.DefaultExpiration)
	}
	return fmt.Sprintf("INC-%s-%04d", day, n), nil
}
