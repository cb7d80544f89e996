package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"content-protection-service/internal/domain"
)

// mockIncidentRepository はテスト用のインメモリ実装。
type mockIncidentRepository struct {
	incidents []*domain.SecurityIncident
	stored    int64
	countErr  error
}

func (m *mockIncidentRepository) CreateIncident(ctx context.Context, incident *domain.SecurityIncident) error {
	incident.CreatedAt = time.Now()
	m.incidents = append(m.incidents, incident)
	return nil
}

func (m *mockIncidentRepository) ListIncidents(ctx context.Context, limit int) ([]*domain.SecurityIncident, error) {
	out := make([]*domain.SecurityIncident, 0, len(m.incidents))
	for i := len(m.incidents) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.incidents[i])
	}
	return out, nil
}

func (m *mockIncidentRepository) CountIncidentsSince(ctx context.Context, since time.Time) (int64, error) {
	return m.stored, m.countErr
}

func suspicious(score float64, kinds ...domain.IndicatorKind) domain.RiskAssessment {
	a := domain.RiskAssessment{Indicators: map[domain.IndicatorKind]struct{}{}, Score: score, IsSuspicious: true}
	for _, k := range kinds {
		a.Indicators[k] = struct{}{}
	}
	return a
}

func TestIncidentService_Open(t *testing.T) {
	ctx := context.Background()
	repo := &mockIncidentRepository{}
	service := NewIncidentService(repo)
	service.now = func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }

	tests := []struct {
		name       string
		assessment domain.RiskAssessment
		wantID     string
		wantLevel  domain.IncidentSeverity
	}{
		{
			name:       "below threshold",
			assessment: suspicious(3, domain.IndicatorSQLInjection),
		},
		{
			name:       "not suspicious",
			assessment: domain.RiskAssessment{Score: 8},
		},
		{
			name:       "medium",
			assessment: suspicious(5, domain.IndicatorSQLInjection, domain.IndicatorMaliciousPatterns),
			wantID:     "INC-20260314-0001",
			wantLevel:  domain.SeverityMedium,
		},
		{
			name:       "critical",
			assessment: suspicious(10, domain.IndicatorPathTraversal, domain.IndicatorBlacklistedIP),
			wantID:     "INC-20260314-0002",
			wantLevel:  domain.SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			incident, err := service.Open(ctx, "203.0.113.7", "POST", "/api/content/encrypt", tt.assessment)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if tt.wantID == "" {
				if incident != nil {
					t.Errorf("want no incident, got %s", incident.IncidentID)
				}
				return
			}
			if incident == nil {
				t.Fatal("want incident, got nil")
			}
			if incident.IncidentID != tt.wantID {
				t.Errorf("want ID %s, got %s", tt.wantID, incident.IncidentID)
			}
			if incident.Severity != tt.wantLevel {
				t.Errorf("want severity %s, got %s", tt.wantLevel, incident.Severity)
			}
			if len(incident.Indicators) != 2 {
				t.Errorf("want 2 indicators, got %v", incident.Indicators)
			}
		})
	}

	if len(repo.incidents) != 2 {
		t.Errorf("want 2 stored incidents, got %d", len(repo.incidents))
	}
}

func TestIncidentService_SequenceResumesFromStore(t *testing.T) {
	ctx := context.Background()
	repo := &mockIncidentRepository{stored: 41}
	service := NewIncidentService(repo)
	service.now = func() time.Time { return time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC) }

	incident, err := service.Open(ctx, "198.51.100.1", "GET", "/", suspicious(6))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if incident.IncidentID != "INC-20260314-0042" {
		t.Errorf("want INC-20260314-0042, got %s", incident.IncidentID)
	}

	// 日付が変わると採番をやり直す
	repo.stored = 0
	service.now = func() time.Time { return time.Date(2026, 3, 15, 0, 1, 0, 0, time.UTC) }
	incident, err = service.Open(ctx, "198.51.100.1", "GET", "/", suspicious(6))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if incident.IncidentID != "INC-20260315-0001" {
		t.Errorf("want INC-20260315-0001, got %s", incident.IncidentID)
	}

	list, err := service.List(ctx, 1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].IncidentID != "INC-20260315-0001" {
		t.Errorf("want newest incident first, got %+v", list)
	}
}

func TestIncidentService_CountError(t *testing.T) {
	repo := &mockIncidentRepository{countErr: errors.New("db down")}
	service := NewIncidentService(repo)

	if _, err := service.Open(context.Background(), "198.51.100.1", "GET", "/", suspicious(7)); err == nil {
		t.Fatal("want error, got nil")
	}
	if len(repo.incidents) != 0 {
		t.Errorf("want no incident stored, got %d", len(repo.incidents))
	}
}
