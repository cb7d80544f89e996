package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"content-protection-service/internal/middleware"
)

// Handlers はルーターに登録するハンドラとミドルウェアの集合。
// RateLimiter と ThreatGuard は nil の場合に無効となる。
type Handlers struct {
	Keys     *KeyHandler
	Contents *ContentHandler
	Messages *MessageHandler
	Status   *StatusHandler

	RateLimiter *middleware.RateLimiter
	ThreatGuard *middleware.ThreatGuard
}

// NewRouter はルーターを生成する。
func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	if h.RateLimiter != nil {
		r.Use(h.RateLimiter.Handler)
	}
	if h.ThreatGuard != nil {
		r.Use(h.ThreatGuard.Handler)
	}

	r.Get("/healthz", Healthz)

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Route("/users/{owner_id}/keys", func(r chi.Router) {
			r.Post("/", h.Keys.GenerateKey)
			r.Get("/", h.Keys.ListKeys)
			r.Get("/{key_type}", h.Keys.GetActiveKey)
			r.Delete("/{key_type}", h.Keys.RevokeKey)
		})

		r.Route("/content", func(r chi.Router) {
			r.Post("/", h.Contents.EncryptContent)
			r.Post("/{content_id}/decrypt", h.Contents.DecryptContent)
			r.Post("/{content_id}/grants", h.Contents.GrantAccess)
			r.Delete("/{content_id}/grants/{grantee_id}", h.Contents.RevokeAccess)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.Messages.SendMessage)
			r.Get("/", h.Messages.ListMessages)
			r.Post("/{message_id}/read", h.Messages.ReadMessage)
		})

		r.Get("/encryption/status", h.Status.EncryptionStatus)
		r.Get("/audit/verify", h.Status.VerifyAudit)
		r.Get("/incidents", h.Status.ListIncidents)
	})

	return otelhttp.NewHandler(r, "content-protection-service",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
