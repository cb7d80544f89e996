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

// MessageUsecase はメッセージハンドラが利用するサービスのインターフェース。
type MessageUsecase interface {
	Send(ctx context.Context, in usecase.SendMessageInput) (*domain.SecureMessage, error)
	Read(ctx context.Context, messageID, recipientID string, password []byte) ([]byte, *domain.SecureMessage, error)
	List(ctx context.Context, recipientID string, limit int) ([]*domain.SecureMessage, error)
}

// MessageHandler はE2EEメッセージのHTTPハンドラを提供する。
type MessageHandler struct {
	service MessageUsecase
}

// NewMessageHandler は新しいMessageHandlerを生成する。
func NewMessageHandler(service MessageUsecase) *MessageHandler {
	return &MessageHandler{service: service}
}

// SendMessageRequest はメッセージ送信のリクエスト形式。
type SendMessageRequest struct {
	SenderID         string `json:"sender_id" validate:"ownerid"`
	RecipientID      string `json:"recipient_id" validate:"ownerid"`
	Message          string `json:"message" validate:"required,max=65536"`
	Password         string `json:"password" validate:"required"`
	Ephemeral        bool   `json:"ephemeral"`
	DeleteAfterHours int    `json:"delete_after_hours" validate:"gte=0,lte=720"`
}

// ReadMessageRequest はメッセージ読み取りのリクエスト形式。
type ReadMessageRequest struct {
	RecipientID string `json:"recipient_id" validate:"ownerid"`
	Password    string `json:"password" validate:"required"`
}

// MessageResponse は送信したメッセージのレスポンス形式。
type MessageResponse struct {
	MessageID   string  `json:"message_id"`
	SenderID    string  `json:"sender_id"`
	RecipientID string  `json:"recipient_id"`
	Fingerprint string  `json:"fingerprint"`
	Ephemeral   bool    `json:"ephemeral"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// ReadMessageResponse は復号したメッセージのレスポンス形式。
type ReadMessageResponse struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	ReadAt    string `json:"read_at"`
}

// MessageSummaryResponse は受信箱に並べるメッセージのメタデータ。本文は含まない。
type MessageSummaryResponse struct {
	MessageID string  `json:"message_id"`
	SenderID  string  `json:"sender_id"`
	SentAt    string  `json:"sent_at"`
	ReadAt    *string `json:"read_at"`
	Ephemeral bool    `json:"is_ephemeral"`
	Status    string  `json:"status"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// MessageListResponse は受信箱のレスポンス形式。
type MessageListResponse struct {
	RecipientID string                   `json:"recipient_id"`
	Messages    []MessageSummaryResponse `json:"messages"`
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// SendMessage は受信者宛のE2EEメッセージを送信する。
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	password := []byte(req.Password)
	defer crypto.Zeroize(password)
	body := []byte(req.Message)
	defer crypto.Zeroize(body)

	msg, err := h.service.Send(r.Context(), usecase.SendMessageInput{
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Message:     body,
		Password:    password,
		Ephemeral:   req.Ephemeral,
		DeleteAfter: time.Duration(req.DeleteAfterHours) * time.Hour,
	})
	if err != nil {
		writeServiceError(w, r, "SEND_MESSAGE", req.SenderID, req.RecipientID, err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "SEND_MESSAGE", req.SenderID, msg.ID, middleware.ResultSuccess)
	resp := MessageResponse{
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Fingerprint: msg.Fingerprint,
		Ephemeral:   msg.Ephemeral,
		CreatedAt:   msg.CreatedAt.UTC().Format(time.RFC3339),
	}
	if msg.ExpiresAt != nil {
		expires := msg.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &expires
	}
	httputil.JSON(w, http.StatusCreated, resp)
}

// ReadMessage は受信者の鍵でメッセージを復号する。一時メッセージはこの読み取りで消去される。
func (h *MessageHandler) ReadMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "message_id")

	var req ReadMessageRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	password := []byte(req.Password)
	defer crypto.Zeroize(password)

	plaintext, msg, err := h.service.Read(r.Context(), messageID, req.RecipientID, password)
	if err != nil {
		writeServiceError(w, r, "READ_MESSAGE", req.RecipientID, messageID, err)
		return
	}
	defer crypto.Zeroize(plaintext)

	middleware.WriteOperationLog(r.Context(), "READ_MESSAGE", req.RecipientID, messageID, middleware.ResultSuccess)
	resp := ReadMessageResponse{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Message:   string(plaintext),
		Status:    string(msg.Status),
	}
	if msg.ReadAt != nil {
		resp.ReadAt = msg.ReadAt.UTC().Format(time.RFC3339)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// ListMessages は受信者宛のメッセージを新しい順に返す。
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipient_id")
	if !validOwnerID(recipientID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_RECIPIENT_ID", "invalid recipient ID format")
		return
	}

	messages, err := h.service.List(r.Context(), recipientID, queryLimit(r, defaultListLimit, maxListLimit))
	if err != nil {
		writeServiceError(w, r, "LIST_MESSAGES", recipientID, "", err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "LIST_MESSAGES", recipientID, "", middleware.ResultSuccess)
	resp := MessageListResponse{
		RecipientID: recipientID,
		Messages:    make([]MessageSummaryResponse, len(messages)),
	}
	for i, msg := range messages {
		resp.Messages[i] = MessageSummaryResponse{
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			SentAt:    msg.CreatedAt.UTC().Format(time.RFC3339),
			ReadAt:    formatTimePtr(msg.ReadAt),
			Ephemeral: msg.Ephemeral,
			Status:    string(msg.Status),
			ExpiresAt: formatTimePtr(msg.ExpiresAt),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}
