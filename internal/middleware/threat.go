package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"content-protection-service/internal/domain"
	"content-protection-service/internal/threat"
	"content-protection-service/pkg/httputil"
)

// maxInspectBytes はリスク評価のために読み取る本文の上限。
const maxInspectBytes = 1 << 20

// AuditRecorder は監査エントリを記録するインターフェース。
type AuditRecorder interface {
	Record(ctx context.Context, action domain.AuditAction, actorID string, resource domain.Resource, metadata map[string]any) (*domain.AuditEntry, error)
}

// IncidentOpener はインシデントを起票するインターフェース。
type IncidentOpener interface {
	Open(ctx context.Context, clientIP, method, path string, assessment domain.RiskAssessment) (*domain.SecurityIncident, error)
}

// ThreatGuard はリクエストのリスクを評価し、不審なリクエストを監査・起票する。
type ThreatGuard struct {
	detector  *threat.Detector
	recorder  AuditRecorder
	incidents IncidentOpener
	block     bool
}

// NewThreatGuard は新しいThreatGuardを生成する。
// block が true の場合、ブラックリストのクライアントと既知の攻撃パターンをハンドラー実行前に403で拒否する。
func NewThreatGuard(detector *threat.Detector, recorder AuditRecorder, incidents IncidentOpener, block bool) *ThreatGuard {
	return &ThreatGuard{
		detector:  detector,
		recorder:  recorder,
		incidents: incidents,
		block:     block,
	}
}

// Handler はミドルウェアとしてThreatGuardを適用する。
func (g *ThreatGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readAndRestoreBody(r)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to read request body")
			return
		}

		req := threat.RequestFromHTTP(r, body)
		req.RecentRequests = g.detector.Observe(req.ClientIP)
		scorer := g.detector.Scorer()

		if g.block {
			if kind, blocked := scorer.Blocking(req); blocked {
				assessment := scorer.Assess(req, threat.Response{StatusCode: http.StatusForbidden})
				g.report(r.Context(), req, assessment, http.StatusForbidden, kind)
				httputil.Error(w, http.StatusForbidden, "REQUEST_BLOCKED", "request blocked")
				return
			}
		}

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := statusOf(ww)
		assessment := scorer.Assess(req, threat.Response{StatusCode: status})
		if assessment.IsSuspicious {
			g.report(r.Context(), req, assessment, status, "")
		}
	})
}

// report は不審なリクエストをログ・監査に記録し、閾値を超えた場合はインシデントを起票する。
func (g *ThreatGuard) report(ctx context.Context, req threat.Request, assessment domain.RiskAssessment, status int, blockedBy domain.IndicatorKind) {
	indicators := assessment.IndicatorList()
	slog.WarnContext(ctx, "suspicious request detected",
		"client_ip", req.ClientIP,
		"method", req.Method,
		"path", req.Path,
		"status", status,
		"risk_score", assessment.Score,
		"indicators", indicators,
		"blocked", blockedBy != "",
	)

	metadata := map[string]any{
		"method":     req.Method,
		"path":       req.Path,
		"status":     status,
		"risk_score": assessment.Score,
		"indicators": indicators,
	}
	if blockedBy != "" {
		metadata["blocked_by"] = string(blockedBy)
	}
	if _, err := g.recorder.Record(ctx, domain.ActionSuspicious, req.ClientIP, domain.Resource{Type: "request", ID: req.Path}, metadata); err != nil {
		slog.ErrorContext(ctx, "failed to record audit entry",
			"operation", "record_suspicious_request",
			"client_ip", req.ClientIP,
			"error", err,
		)
	}

	if _, err := g.incidents.Open(ctx, req.ClientIP, req.Method, req.Path, assessment); err != nil {
		slog.ErrorContext(ctx, "failed to open security incident",
			"operation", "open_incident",
			"client_ip", req.ClientIP,
			"error", err,
		)
	}
}

// readAndRestoreBody は本文を読み取り、後続のハンドラーが再度読めるように差し戻す。
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInspectBytes))
	if err != nil {
		return nil, err
	}
	// 上限を超えた残りも後続に渡す
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
	return body, nil
}
