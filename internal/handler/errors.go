package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"content-protection-service/internal/domain"
	"content-protection-service/internal/middleware"
	"content-protection-service/pkg/httputil"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings はドメインエラーとHTTPレスポンスの対応。上から順に判定する。
var errorMappings = []errorMapping{
	{domain.ErrKeyNotFound, http.StatusNotFound, "KEY_NOT_FOUND", "no active key found"},
	{domain.ErrContentNotFound, http.StatusNotFound, "CONTENT_NOT_FOUND", "content not found"},
	{domain.ErrMessageNotFound, http.StatusNotFound, "MESSAGE_NOT_FOUND", "message not found"},
	{domain.ErrGrantNotFound, http.StatusNotFound, "GRANT_NOT_FOUND", "access grant not found"},
	{domain.ErrKeyRevoked, http.StatusGone, "KEY_REVOKED", "key has been revoked"},
	{domain.ErrMessageExpired, http.StatusGone, "MESSAGE_EXPIRED", "message has expired"},
	{domain.ErrAccessDenied, http.StatusForbidden, "ACCESS_DENIED", "access denied"},
	{domain.ErrConcurrentModification, http.StatusConflict, "CONCURRENT_MODIFICATION", "key state changed concurrently, retry the request"},
	{domain.ErrCapabilityUnavailable, http.StatusServiceUnavailable, "CAPABILITY_UNAVAILABLE", "requested capability is not available"},
	{domain.ErrUnsupportedAlgorithm, http.StatusBadRequest, "UNSUPPORTED_ALGORITHM", "unsupported algorithm or method"},
	{domain.ErrInvalidKeyType, http.StatusBadRequest, "INVALID_KEY_TYPE", "invalid key type"},
	{domain.ErrInvalidOwnerID, http.StatusBadRequest, "INVALID_OWNER_ID", "invalid owner ID format"},
	{domain.ErrEmptyPassword, http.StatusBadRequest, "PASSWORD_REQUIRED", "password is required"},
	{domain.ErrInvalidAccessLevel, http.StatusBadRequest, "INVALID_ACCESS_LEVEL", "invalid access level"},
	{domain.ErrInvalidPublicKey, http.StatusBadRequest, "INVALID_PUBLIC_KEY", "invalid public key"},
}

// writeServiceError はサービスのエラーをHTTPレスポンスに変換し、操作ログを出力する。
// 復号失敗は原因を区別せず同じ応答を返す。
func writeServiceError(w http.ResponseWriter, r *http.Request, operation, actorID, resourceID string, err error) {
	middleware.WriteOperationLog(r.Context(), operation, actorID, resourceID, middleware.ResultFailed)

	if domain.IsDecryptionFailure(err) {
		httputil.Error(w, http.StatusBadRequest, "DECRYPTION_FAILED", "decryption failed")
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			httputil.Error(w, m.status, m.code, m.message)
			return
		}
	}

	slog.ErrorContext(r.Context(), "unexpected error",
		"operation", strings.ToLower(operation),
		"actor_id", actorID,
		"resource_id", resourceID,
		"error", err,
	)
	httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}
