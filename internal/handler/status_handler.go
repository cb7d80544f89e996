package handler

import (
	"context"
	"net/http"
	"time"

	"content-protection-service/internal/domain"
	"content-protection-service/internal/usecase"
	"content-protection-service/pkg/httputil"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// CapabilityReporter は暗号機能の状態を返すインターフェース。
type CapabilityReporter interface {
	Capabilities() *usecase.Capabilities
}

// AuditVerifier は監査ログを検証するインターフェース。
type AuditVerifier interface {
	Verify(ctx context.Context, limit int) (*usecase.AuditReport, error)
}

// IncidentLister はインシデント一覧を取得するインターフェース。
type IncidentLister interface {
	List(ctx context.Context, limit int) ([]*domain.SecurityIncident, error)
}

// StatusHandler は暗号機能の状態、監査検証、インシデント一覧を提供する。
type StatusHandler struct {
	capabilities CapabilityReporter
	audit        AuditVerifier
	incidents    IncidentLister
}

// NewStatusHandler は新しいStatusHandlerを生成する。
func NewStatusHandler(capabilities CapabilityReporter, audit AuditVerifier, incidents IncidentLister) *StatusHandler {
	return &StatusHandler{capabilities: capabilities, audit: audit, incidents: incidents}
}

// EncryptionStatusResponse は暗号機能の状態のレスポンス形式。
type EncryptionStatusResponse struct {
	PostQuantumAvailable  bool     `json:"post_quantum_available"`
	ClassicalFallback     bool     `json:"classical_fallback"`
	SealMode              string   `json:"seal_mode"`
	KDF                   string   `json:"kdf"`
	KDFIterations         int      `json:"kdf_iterations"`
	SymmetricAlgorithms   []string `json:"symmetric_algorithms"`
	AsymmetricAlgorithms  []string `json:"asymmetric_algorithms"`
	E2EEAlgorithms        []string `json:"e2ee_algorithms"`
	HashAlgorithms        []string `json:"hash_algorithms"`
	PostQuantumAlgorithms []string `json:"post_quantum_algorithms"`
	ContentMethods        []string `json:"content_methods"`
}

// AuditReportResponse は監査検証のレスポンス形式。
type AuditReportResponse struct {
	Entries  int      `json:"entries"`
	Chained  bool     `json:"chained"`
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems"`
}

// IncidentResponse はインシデントのレスポンス形式。
type IncidentResponse struct {
	IncidentID string   `json:"incident_id"`
	Severity   string   `json:"severity"`
	ClientIP   string   `json:"client_ip"`
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	Indicators []string `json:"indicators"`
	RiskScore  float64  `json:"risk_score"`
	Status     string   `json:"status"`
	CreatedAt  string   `json:"created_at"`
}

// IncidentListResponse はインシデント一覧のレスポンス形式。
type IncidentListResponse struct {
	Incidents []IncidentResponse `json:"incidents"`
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// EncryptionStatus は利用可能な暗号方式と耐量子暗号の状態を返す。
func (h *StatusHandler) EncryptionStatus(w http.ResponseWriter, r *http.Request) {
	c := h.capabilities.Capabilities()
	httputil.JSON(w, http.StatusOK, EncryptionStatusResponse{
		PostQuantumAvailable:  c.PostQuantum,
		ClassicalFallback:     c.ClassicalFallback,
		SealMode:              string(c.SealMode),
		KDF:                   c.KDF,
		KDFIterations:         c.KDFIterations,
		SymmetricAlgorithms:   toStrings(c.SymmetricAlgorithms),
		AsymmetricAlgorithms:  toStrings(c.AsymmetricAlgorithms),
		E2EEAlgorithms:        toStrings(c.E2EEAlgorithms),
		HashAlgorithms:        toStrings(c.HashAlgorithms),
		PostQuantumAlgorithms: toStrings(c.PostQuantumAlgorithms),
		ContentMethods:        toStrings(c.SupportedContentMethod),
	})
}

// VerifyAudit は保存済みの監査エントリを再検証する。
func (h *StatusHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.audit.Verify(r.Context(), queryLimit(r, 0, maxListLimit*10))
	if err != nil {
		writeServiceError(w, r, "VERIFY_AUDIT", "", "", err)
		return
	}

	problems := report.Problems
	if problems == nil {
		problems = []string{}
	}
	httputil.JSON(w, http.StatusOK, AuditReportResponse{
		Entries:  report.Entries,
		Chained:  report.Chained,
		Valid:    report.Valid,
		Problems: problems,
	})
}

// ListIncidents は新しい順にインシデントを返す。
func (h *StatusHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.incidents.List(r.Context(), queryLimit(r, defaultListLimit, maxListLimit))
	if err != nil {
		writeServiceError(w, r, "LIST_INCIDENTS", "", "", err)
		return
	}

	resp := IncidentListResponse{Incidents: make([]IncidentResponse, len(incidents))}
	for i, inc := range incidents {
		resp.Incidents[i] = IncidentResponse{
			IncidentID: inc.IncidentID,
			Severity:   string(inc.Severity),
			ClientIP:   inc.ClientIP,
			Method:     inc.Method,
			Path:       inc.Path,
			Indicators: inc.Indicators,
			RiskScore:  inc.RiskScore,
			Status:     inc.Status,
			CreatedAt:  inc.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// Healthz はプロセスの稼働状態を返す。
func Healthz(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
