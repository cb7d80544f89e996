package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"content-protection-service/internal/domain"
)

// IncidentModel はセキュリティインシデントのモデル。
type IncidentModel struct {
	ID         string    `gorm:"size:36;primaryKey"`
	IncidentID string    `gorm:"size:32;not null;uniqueIndex:uk_incident_id"`
	Severity   string    `gorm:"size:16;not null;index:idx_incident_severity"`
	ClientIP   string    `gorm:"size:64;not null;index:idx_incident_client"`
	Method     string    `gorm:"size:16;not null"`
	Path       string    `gorm:"size:2048;not null"`
	Indicators []byte    `gorm:"not null"`
	RiskScore  float64   `gorm:"not null"`
	Status     string    `gorm:"size:16;not null;default:open"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime;index:idx_incident_created"`
}

// TableName はテーブル名を返す。
func (IncidentModel) TableName() string {
	return "security_incidents"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *IncidentModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *IncidentModel) toDomain() (*domain.SecurityIncident, error) {
	var indicators []string
	if err := json.Unmarshal(m.Indicators, &indicators); err != nil {
		return nil, fmt.Errorf("decoding indicators of incident %s: %w", m.IncidentID, err)
	}
	return &domain.SecurityIncident{
		ID:         m.ID,
		IncidentID: m.IncidentID,
		Severity:   domain.IncidentSeverity(m.Severity),
		ClientIP:   m.ClientIP,
		Method:     m.Method,
		Path:       m.Path,
		Indicators: indicators,
		RiskScore:  m.RiskScore,
		Status:     m.Status,
		CreatedAt:  m.CreatedAt,
	}, nil
}

// IncidentRepository はセキュリティインシデントのデータアクセスを提供する。
type IncidentRepository struct {
	db *gorm.DB
}

// NewIncidentRepository は新しいIncidentRepositoryを生成する。
func NewIncidentRepository(db *gorm.DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

// CreateIncident はインシデントを保存する。
func (r *IncidentRepository) CreateIncident(ctx context.Context, incident *domain.SecurityIncident) error {
	indicators, err := json.Marshal(incident.Indicators)
	if err != nil {
		return fmt.Errorf("encoding incident indicators: %w", err)
	}
	status := incident.Status
	if status == "" {
		status = "open"
	}
	model := &IncidentModel{
		IncidentID: incident.IncidentID,
		Severity:   string(incident.Severity),
		ClientIP:   incident.ClientIP,
		Method:     incident.Method,
		Path:       incident.Path,
		Indicators: indicators,
		RiskScore:  incident.RiskScore,
		Status:     status,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create incident",
			"operation", "create_incident",
			"incident_id", incident.IncidentID,
			"error", err,
		)
		return err
	}
	incident.ID = model.ID
	incident.Status = status
	incident.CreatedAt = model.CreatedAt
	return nil
}

// ListIncidents は新しい順にインシデントを取得する。
func (r *IncidentRepository) ListIncidents(ctx context.Context, limit int) ([]*domain.SecurityIncident, error) {
	var models []IncidentModel
	q := r.db.WithContext(ctx).Order("created_at DESC").Order("incident_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list incidents",
			"operation", "list_incidents",
			"error", err,
		)
		return nil, err
	}

	incidents := make([]*domain.SecurityIncident, len(models))
	for i := range models {
		incident, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		incidents[i] = incident
	}
	return incidents, nil
}

// CountIncidentsSince は指定時刻以降に起票されたインシデントの件数を返す。
func (r *IncidentRepository) CountIncidentsSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&IncidentModel{}).
		Where("created_at >= ?", since).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count incidents",
			"operation", "count_incidents_since",
			"since", since,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}
