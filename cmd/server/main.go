// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"

	"content-protection-service/config"
	"content-protection-service/internal/audit"
	"content-protection-service/internal/crypto"
	"content-protection-service/internal/handler"
	"content-protection-service/internal/infra"
	"content-protection-service/internal/middleware"
	"content-protection-service/internal/repository"
	"content-protection-service/internal/threat"
	"content-protection-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// 保護領域はGraceful shutdownの完了後に消去する
	defer memguard.Purge()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracer, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(ctx); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	// MySQLはkeyctl migrateで管理する。それ以外はモデルから作成する
	if !isMySQL(db.Dialector.Name()) {
		if err := repository.AutoMigrate(db); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// 暗号部品
	suite, err := newSuite(cfg)
	if err != nil {
		slog.Error("failed to init crypto suite", "error", err)
		os.Exit(1)
	}

	// 秘密鍵の保管時暗号化
	var sealer usecase.Sealer = usecase.NopSealer{}
	if cfg.KMSKeyName != "" {
		kmsSealer, err := infra.NewKMSSealer(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := kmsSealer.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		sealer = kmsSealer
	}

	// 監査
	auditService := usecase.NewAuditService(audit.NewTrail(cfg.AuditHashChain), repository.NewAuditRepository(db))
	if err := auditService.Init(ctx); err != nil {
		slog.Error("failed to init audit trail", "error", err)
		os.Exit(1)
	}

	// 脅威検知
	rules, err := threat.LoadRules(cfg.ThreatRulesFile)
	if err != nil {
		slog.Error("failed to load threat rules", "error", err)
		os.Exit(1)
	}
	detector, err := threat.NewDetector(rules)
	if err != nil {
		slog.Error("failed to init threat detector", "error", err)
		os.Exit(1)
	}
	incidentService := usecase.NewIncidentService(repository.NewIncidentRepository(db))

	// DI
	keyService := usecase.NewKeyService(repository.NewKeyRepository(db), suite, sealer, auditService, cfg.PQAllowClassicalFallback)
	contentService := usecase.NewContentService(
		repository.NewContentRepository(db),
		repository.NewGrantRepository(db),
		keyService,
		suite,
		auditService,
	)
	messageService := usecase.NewMessageService(repository.NewMessageRepository(db), keyService, suite, auditService)

	handlers := handler.Handlers{
		Keys:        handler.NewKeyHandler(keyService),
		Contents:    handler.NewContentHandler(contentService),
		Messages:    handler.NewMessageHandler(messageService),
		Status:      handler.NewStatusHandler(keyService, auditService, incidentService),
		ThreatGuard: middleware.NewThreatGuard(detector, auditService, incidentService, cfg.ThreatBlockMalicious),
	}
	if cfg.RateLimitEnabled {
		handlers.RateLimiter = middleware.NewRateLimiter()
	}
	router := handler.NewRouter(handlers)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	caps := keyService.Capabilities()
	slog.Info("starting server",
		"port", cfg.Port,
		"post_quantum", caps.PostQuantum,
		"classical_fallback", caps.ClassicalFallback,
		"seal_mode", caps.SealMode,
		"audit_hash_chain", cfg.AuditHashChain,
	)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		memguard.SafeExit(1)
	}
	// 処理中のリクエストが終わるまで待つ
	<-stopped
	slog.Info("server stopped")
}

// newSuite は設定に従って暗号部品を組み立てる。
// 耐量子暗号が無効の場合は DisabledBackend を使う。
func newSuite(cfg *config.Config) (*crypto.Suite, error) {
	asymmetric, err := crypto.NewAsymmetricCipher(cfg.RSAKeyBits)
	if err != nil {
		return nil, err
	}

	var pq crypto.PostQuantumBackend
	if cfg.PQEnabled {
		kemVariant, err := crypto.ParseKEMVariant(cfg.PQKEMVariant)
		if err != nil {
			return nil, err
		}
		sigVariant, err := crypto.ParseSignatureVariant(cfg.PQSignatureVariant)
		if err != nil {
			return nil, err
		}
		backend, err := crypto.NewCirclBackend(kemVariant, sigVariant)
		if err != nil {
			return nil, err
		}
		pq = backend
	}
	return crypto.NewSuite(crypto.NewKeyDeriver(), asymmetric, pq)
}

func isMySQL(name string) bool {
	return strings.EqualFold(name, "mysql")
}
