package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"content-protection-service/internal/crypto"
	"content-protection-service/internal/domain"
	"content-protection-service/internal/middleware"
	"content-protection-service/internal/usecase"
	"content-protection-service/pkg/httputil"
)

const defaultContentType = "document"

// ContentUsecase はコンテンツハンドラが利用するサービスのインターフェース。
type ContentUsecase interface {
	Encrypt(ctx context.Context, in usecase.EncryptContentInput) (*domain.EncryptedContent, error)
	Decrypt(ctx context.Context, contentID, requesterID string, password []byte) ([]byte, *domain.EncryptedContent, error)
	Grant(ctx context.Context, in usecase.GrantInput) (*domain.AccessGrant, error)
	RevokeGrant(ctx context.Context, contentID, granteeID, actorID string) error
}

// ContentHandler はコンテンツ保護のHTTPハンドラを提供する。
type ContentHandler struct {
	service ContentUsecase
}

// NewContentHandler は新しいContentHandlerを生成する。
func NewContentHandler(service ContentUsecase) *ContentHandler {
	return &ContentHandler{service: service}
}

// EncryptContentRequest はコンテンツ暗号化のリクエスト形式。
type EncryptContentRequest struct {
	OwnerID     string   `json:"owner_id" validate:"ownerid"`
	Title       string   `json:"title" validate:"required,max=255"`
	Content     string   `json:"content" validate:"required"`
	ContentType string   `json:"content_type" validate:"omitempty,oneof=document message file metadata"`
	Method      string   `json:"method" validate:"required,oneof=hybrid post_quantum"`
	Recipients  []string `json:"recipients" validate:"max=50,dive,ownerid"`
}

// DecryptContentRequest はコンテンツ復号のリクエスト形式。
type DecryptContentRequest struct {
	RequesterID string `json:"requester_id" validate:"ownerid"`
	Password    string `json:"password" validate:"required"`
}

// GrantAccessRequest はアクセス許可付与のリクエスト形式。
// 受信者向けのコンテンツ鍵がない場合は付与者のパスワードが必要。
type GrantAccessRequest struct {
	GrantedBy      string `json:"granted_by" validate:"ownerid"`
	GranteeID      string `json:"grantee_id" validate:"ownerid"`
	AccessLevel    string `json:"access_level" validate:"required,oneof=read write admin"`
	ExpiresInHours int    `json:"expires_in_hours" validate:"gte=0,lte=8760"`
	Password       string `json:"password"`
}

// ContentResponse は暗号化コンテンツのメタデータのレスポンス形式。
type ContentResponse struct {
	ContentID   string `json:"content_id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	Method      string `json:"method"`
	ContentHash string `json:"content_hash"`
	Size        int    `json:"size"`
	CreatedAt   string `json:"created_at"`
}

// DecryptedContentResponse は復号したコンテンツのレスポンス形式。
type DecryptedContentResponse struct {
	ContentID   string `json:"content_id"`
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// GrantResponse はアクセス許可のレスポンス形式。
type GrantResponse struct {
	GrantID     string  `json:"grant_id"`
	ContentID   string  `json:"content_id"`
	GranteeID   string  `json:"grantee_id"`
	AccessLevel string  `json:"access_level"`
	GrantedBy   string  `json:"granted_by"`
	GrantedAt   string  `json:"granted_at"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
}

// EncryptContent はコンテンツを暗号化して保存する。
func (h *ContentHandler) EncryptContent(w http.ResponseWriter, r *http.Request) {
	var req EncryptContentRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.ContentType == "" {
		req.ContentType = defaultContentType
	}
	body := []byte(req.Content)
	defer crypto.Zeroize(body)

	content, err := h.service.Encrypt(r.Context(), usecase.EncryptContentInput{
		OwnerID:     req.OwnerID,
		Title:       req.Title,
		Content:     body,
		ContentType: req.ContentType,
		Method:      domain.EncryptionMethod(req.Method),
		Recipients:  req.Recipients,
	})
	if err != nil {
		writeServiceError(w, r, "ENCRYPT_CONTENT", req.OwnerID, "", err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "ENCRYPT_CONTENT", req.OwnerID, content.ID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, ContentResponse{
		ContentID:   content.ID,
		OwnerID:     content.OwnerID,
		Title:       content.Title,
		ContentType: content.ContentType,
		Method:      string(content.Method),
		ContentHash: content.ContentHash,
		Size:        content.Size,
		CreatedAt:   content.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// DecryptContent は要求者の鍵でコンテンツを復号する。
func (h *ContentHandler) DecryptContent(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "content_id")

	var req DecryptContentRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	password := []byte(req.Password)
	defer crypto.Zeroize(password)

	plaintext, content, err := h.service.Decrypt(r.Context(), contentID, req.RequesterID, password)
	if err != nil {
		writeServiceError(w, r, "DECRYPT_CONTENT", req.RequesterID, contentID, err)
		return
	}
	defer crypto.Zeroize(plaintext)

	middleware.WriteOperationLog(r.Context(), "DECRYPT_CONTENT", req.RequesterID, contentID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, DecryptedContentResponse{
		ContentID:   content.ID,
		Title:       content.Title,
		ContentType: content.ContentType,
		Content:     string(plaintext),
	})
}

// GrantAccess はコンテンツへのアクセス許可を付与する。
func (h *ContentHandler) GrantAccess(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "content_id")

	var req GrantAccessRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	password := []byte(req.Password)
	defer crypto.Zeroize(password)

	grant, err := h.service.Grant(r.Context(), usecase.GrantInput{
		ContentID:   contentID,
		GrantedBy:   req.GrantedBy,
		GranteeID:   req.GranteeID,
		AccessLevel: domain.AccessLevel(req.AccessLevel),
		ExpiresIn:   time.Duration(req.ExpiresInHours) * time.Hour,
		Password:    password,
	})
	if err != nil {
		writeServiceError(w, r, "GRANT_ACCESS", req.GrantedBy, contentID, err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "GRANT_ACCESS", req.GrantedBy, contentID, middleware.ResultSuccess)
	resp := GrantResponse{
		GrantID:     grant.ID,
		ContentID:   grant.ResourceID,
		GranteeID:   grant.GranteeID,
		AccessLevel: string(grant.AccessLevel),
		GrantedBy:   grant.GrantedBy,
		GrantedAt:   grant.GrantedAt.UTC().Format(time.RFC3339),
	}
	if grant.ExpiresAt != nil {
		expires := grant.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &expires
	}
	httputil.JSON(w, http.StatusCreated, resp)
}

// RevokeAccess はアクセス許可を取り消す。
func (h *ContentHandler) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "content_id")
	granteeID := chi.URLParam(r, "grantee_id")
	actorID := r.URL.Query().Get("actor_id")
	if !validOwnerID(granteeID) || !validOwnerID(actorID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_OWNER_ID", "invalid grantee or actor ID format")
		return
	}

	if err := h.service.RevokeGrant(r.Context(), contentID, granteeID, actorID); err != nil {
		writeServiceError(w, r, "REVOKE_ACCESS", actorID, contentID, err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "REVOKE_ACCESS", actorID, contentID, middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}
