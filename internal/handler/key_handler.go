// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"content-protection-service/internal/crypto"
	"content-protection-service/internal/domain"
	"content-protection-service/internal/middleware"
	"content-protection-service/pkg/httputil"
)

// KeyUsecase は鍵ハンドラが利用する鍵サービスのインターフェース。
type KeyUsecase interface {
	GenerateWithRetry(ctx context.Context, ownerID string, keyType domain.KeyType, password []byte) (*domain.KeyMetadata, error)
	ListKeys(ctx context.Context, ownerID string) ([]*domain.KeyMetadata, error)
	GetActiveKey(ctx context.Context, ownerID string, keyType domain.KeyType) (*domain.KeyMaterial, error)
	Revoke(ctx context.Context, ownerID string, keyType domain.KeyType, actorID string) (*domain.KeyMetadata, error)
}

// KeyHandler は鍵管理のHTTPハンドラを提供する。
type KeyHandler struct {
	service KeyUsecase
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(service KeyUsecase) *KeyHandler {
	return &KeyHandler{service: service}
}

func pathKeyType(r *http.Request) (domain.KeyType, bool) {
	kt := domain.KeyType(chi.URLParam(r, "key_type"))
	return kt, kt.Valid()
}

// GenerateKeyRequest は鍵生成のリクエスト形式。
type GenerateKeyRequest struct {
	KeyType  string `json:"key_type" validate:"required,oneof=rsa e2ee post_quantum"`
	Password string `json:"password" validate:"required,min=8"`
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。秘密鍵は含まない。
type KeyMetadataResponse struct {
	KeyID       string  `json:"key_id"`
	OwnerID     string  `json:"owner_id"`
	KeyType     string  `json:"key_type"`
	Algorithm   string  `json:"algorithm"`
	Generation  uint    `json:"generation"`
	Fingerprint string  `json:"fingerprint"`
	PublicKey   string  `json:"public_key"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	RevokedAt   *string `json:"revoked_at,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

func newKeyMetadataResponse(m *domain.KeyMetadata) KeyMetadataResponse {
	resp := KeyMetadataResponse{
		KeyID:       m.ID,
		OwnerID:     m.OwnerID,
		KeyType:     string(m.KeyType),
		Algorithm:   string(m.Algorithm),
		Generation:  m.Generation,
		Fingerprint: m.Fingerprint,
		PublicKey:   base64.StdEncoding.EncodeToString(m.PublicKey),
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.RevokedAt != nil {
		revoked := m.RevokedAt.UTC().Format(time.RFC3339)
		resp.RevokedAt = &revoked
	}
	return resp
}

// GenerateKey は新しい鍵ペアを生成し、既存の有効な鍵を置き換える。
func (h *KeyHandler) GenerateKey(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	if !validOwnerID(ownerID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_OWNER_ID", "invalid owner ID format")
		return
	}

	var req GenerateKeyRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	password := []byte(req.Password)
	defer crypto.Zeroize(password)

	metadata, err := h.service.GenerateWithRetry(r.Context(), ownerID, domain.KeyType(req.KeyType), password)
	if err != nil {
		writeServiceError(w, r, "GENERATE_KEY", ownerID, req.KeyType, err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "GENERATE_KEY", ownerID, metadata.ID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, newKeyMetadataResponse(metadata))
}

// ListKeys は利用者の鍵の履歴を取得する。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	if !validOwnerID(ownerID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_OWNER_ID", "invalid owner ID format")
		return
	}

	keys, err := h.service.ListKeys(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, "LIST_KEYS", ownerID, "", err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "LIST_KEYS", ownerID, "", middleware.ResultSuccess)
	response := KeyListResponse{
		Keys: make([]KeyMetadataResponse, len(keys)),
	}
	for i, k := range keys {
		response.Keys[i] = newKeyMetadataResponse(k)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// GetActiveKey は指定された種別の有効な鍵のメタデータを取得する。
func (h *KeyHandler) GetActiveKey(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	if !validOwnerID(ownerID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_OWNER_ID", "invalid owner ID format")
		return
	}
	keyType, ok := pathKeyType(r)
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_TYPE", "invalid key type")
		return
	}

	key, err := h.service.GetActiveKey(r.Context(), ownerID, keyType)
	if err != nil {
		writeServiceError(w, r, "GET_ACTIVE_KEY", ownerID, string(keyType), err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "GET_ACTIVE_KEY", ownerID, key.ID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, newKeyMetadataResponse(key.Metadata()))
}

// RevokeKey は有効な鍵を失効させる。
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	if !validOwnerID(ownerID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_OWNER_ID", "invalid owner ID format")
		return
	}
	keyType, ok := pathKeyType(r)
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_TYPE", "invalid key type")
		return
	}
	actorID := r.URL.Query().Get("actor_id")
	if actorID == "" {
		actorID = ownerID
	} else if !validOwnerID(actorID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ACTOR_ID", "invalid actor ID format")
		return
	}

	metadata, err := h.service.Revoke(r.Context(), ownerID, keyType, actorID)
	if err != nil {
		writeServiceError(w, r, "REVOKE_KEY", actorID, string(keyType), err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "REVOKE_KEY", actorID, metadata.ID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, newKeyMetadataResponse(metadata))
}
