package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"content-protection-service/internal/crypto"
	"content-protection-service/internal/domain"
)

// defaultEphemeralLifetime は有効期限の指定がない一時メッセージの寿命。
const defaultEphemeralLifetime = 24 * time.Hour

// MessageRepository はメッセージのデータアクセスのインターフェース。
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg *domain.SecureMessage) error
	GetMessage(ctx context.Context, id string) (*domain.SecureMessage, error)
	MarkRead(ctx context.Context, id string, at time.Time) error
	Burn(ctx context.Context, id string, at time.Time) (bool, error)
	ListForRecipient(ctx context.Context, recipientID string, limit int) ([]*domain.SecureMessage, error)
}

// SendMessageInput はメッセージ送信の入力。
type SendMessageInput struct {
	SenderID    string
	RecipientID string
	Message     []byte
	Password    []byte
	Ephemeral   bool
	DeleteAfter time.Duration
}

// MessageService はE2EEメッセージに関するビジネスロジックを提供する。
type MessageService struct {
	messages MessageRepository
	keys     KeyProvider
	suite    *crypto.Suite
	recorder AuditRecorder

	now    func() time.Time
	tracer trace.Tracer
}

// NewMessageService は新しいMessageServiceを生成する。
func NewMessageService(messages MessageRepository, keys KeyProvider, suite *crypto.Suite, recorder AuditRecorder) *MessageService {
	return &MessageService{
		messages: messages,
		keys:     keys,
		suite:    suite,
		recorder: recorder,
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
	}
}

// Send は送信者の秘密鍵と受信者の公開鍵でメッセージを暗号化して保存する。
func (s *MessageService) Send(ctx context.Context, in SendMessageInput) (*domain.SecureMessage, error) {
	ctx, span := s.tracer.Start(ctx, "MessageService.Send", trace.WithAttributes(
		attribute.String("sender_id", in.SenderID),
		attribute.String("recipient_id", in.RecipientID),
		attribute.Bool("ephemeral", in.Ephemeral),
	))
	defer span.End()

	msg, err := s.send(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return nil, err
	}
	return msg, nil
}

func (s *MessageService) send(ctx context.Context, in SendMessageInput) (*domain.SecureMessage, error) {
	senderKey, err := s.keys.GetActiveKey(ctx, in.SenderID, domain.KeyTypeE2EE)
	if err != nil {
		return nil, fmt.Errorf("finding sender key: %w", err)
	}
	recipientKey, err := s.keys.GetActiveKey(ctx, in.RecipientID, domain.KeyTypeE2EE)
	if err != nil {
		return nil, fmt.Errorf("finding recipient key: %w", err)
	}

	senderPrivate, err := s.keys.UnwrapPrivateKey(ctx, senderKey, in.Password)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(senderPrivate)

	env, err := s.suite.E2EE.Encrypt(in.Message, recipientKey.PublicKey, senderPrivate)
	if err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}
	fingerprint, err := s.suite.Hash.Hash(env.Ciphertext, crypto.HashSHA256)
	if err != nil {
		return nil, err
	}

	msg := &domain.SecureMessage{
		SenderID:       in.SenderID,
		RecipientID:    in.RecipientID,
		SenderKeyID:    senderKey.ID,
		RecipientKeyID: recipientKey.ID,
		Envelope:       env,
		Fingerprint:    fingerprint,
		Ephemeral:      in.Ephemeral,
		Status:         domain.MessageStatusSent,
	}
	lifetime := in.DeleteAfter
	if in.Ephemeral && lifetime <= 0 {
		lifetime = defaultEphemeralLifetime
	}
	if lifetime > 0 {
		expires := s.now().UTC().Add(lifetime)
		msg.ExpiresAt = &expires
	}

	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("storing message: %w", err)
	}

	recordAudit(ctx, s.recorder, domain.ActionMessageSent, in.SenderID, domain.Resource{Type: "message", ID: msg.ID}, map[string]any{
		"recipient_id": in.RecipientID,
		"ephemeral":    in.Ephemeral,
		"fingerprint":  fingerprint,
	})
	return msg, nil
}

// Read は受信者の秘密鍵でメッセージを復号する。
// 一時メッセージは最初の読み取りで消去され、以降の読み取りは ErrMessageExpired になる。
func (s *MessageService) Read(ctx context.Context, messageID, recipientID string, password []byte) ([]byte, *domain.SecureMessage, error) {
	ctx, span := s.tracer.Start(ctx, "MessageService.Read", trace.WithAttributes(
		attribute.String("message_id", messageID),
		attribute.String("recipient_id", recipientID),
	))
	defer span.End()

	plaintext, msg, err := s.read(ctx, messageID, recipientID, password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, nil, err
	}
	return plaintext, msg, nil
}

func (s *MessageService) read(ctx context.Context, messageID, recipientID string, password []byte) ([]byte, *domain.SecureMessage, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, fmt.Errorf("finding message: %w", err)
	}
	if msg == nil {
		return nil, nil, domain.ErrMessageNotFound
	}
	resource := domain.Resource{Type: "message", ID: msg.ID}

	if msg.RecipientID != recipientID {
		recordAudit(ctx, s.recorder, domain.ActionAccessDenied, recipientID, resource, map[string]any{
			"operation": "read_message",
		})
		return nil, nil, domain.ErrAccessDenied
	}
	now := s.now().UTC()
	if msg.Expired(now) || msg.Envelope == nil {
		return nil, nil, domain.ErrMessageExpired
	}

	plaintext, err := s.open(ctx, msg, password)
	if err != nil {
		if domain.IsDecryptionFailure(err) {
			slog.WarnContext(ctx, "message decryption failed",
				"operation", "read_message",
				"message_id", msg.ID,
				"recipient_id", recipientID,
				"error", err,
			)
			recordAudit(ctx, s.recorder, domain.ActionDecryptFailed, recipientID, resource, map[string]any{
				"reason": failureReason(err),
			})
		}
		return nil, nil, err
	}

	// 監査を記録できない場合は平文を返さず、メッセージの状態も変えない
	if _, err := s.recorder.Record(ctx, domain.ActionMessageRead, recipientID, resource, map[string]any{
		"sender_id": msg.SenderID,
		"ephemeral": msg.Ephemeral,
		"burned":    msg.Ephemeral,
	}); err != nil {
		crypto.Zeroize(plaintext)
		return nil, nil, fmt.Errorf("recording message read: %w", err)
	}

	if msg.Ephemeral {
		burned, err := s.messages.Burn(ctx, msg.ID, now)
		if err != nil {
			crypto.Zeroize(plaintext)
			return nil, nil, fmt.Errorf("burning message: %w", err)
		}
		// 並行する読み取りが先に消去した場合は平文を返さない
		if !burned {
			slog.WarnContext(ctx, "ephemeral message already burned by a concurrent read",
				"operation", "read_message",
				"message_id", msg.ID,
				"recipient_id", recipientID,
			)
			crypto.Zeroize(plaintext)
			return nil, nil, domain.ErrMessageExpired
		}
		msg.Status = domain.MessageStatusBurned
		msg.Envelope = nil
	} else if msg.Status == domain.MessageStatusSent {
		if err := s.messages.MarkRead(ctx, msg.ID, now); err != nil {
			crypto.Zeroize(plaintext)
			return nil, nil, fmt.Errorf("marking message as read: %w", err)
		}
		msg.Status = domain.MessageStatusRead
	}
	msg.ReadAt = &now
	return plaintext, msg, nil
}

// List は受信者宛のメッセージのメタデータを新しい順に取得する。暗号文は含まない。
func (s *MessageService) List(ctx context.Context, recipientID string, limit int) ([]*domain.SecureMessage, error) {
	messages, err := s.messages.ListForRecipient(ctx, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	for _, msg := range messages {
		msg.Envelope = nil
	}
	return messages, nil
}

// open は送信時の鍵IDで鍵を引き、受信者の秘密鍵で復号する。
func (s *MessageService) open(ctx context.Context, msg *domain.SecureMessage, password []byte) ([]byte, error) {
	senderKey, err := s.keys.GetKeyByID(ctx, msg.SenderKeyID)
	if err != nil {
		return nil, fmt.Errorf("finding sender key: %w", err)
	}
	recipientKey, err := s.keys.GetKeyByID(ctx, msg.RecipientKeyID)
	if err != nil {
		return nil, fmt.Errorf("finding recipient key: %w", err)
	}

	recipientPrivate, err := s.keys.UnwrapPrivateKey(ctx, recipientKey, password)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(recipientPrivate)

	return s.suite.E2EE.Decrypt(msg.Envelope, senderKey.PublicKey, recipientPrivate)
}
