package usecase

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"content-protection-service/internal/domain"
)

func newTestMessageService(t *testing.T, users ...string) (*MessageService, *mockMessageRepository, *mockAuditRecorder) {
	t.Helper()

	suite := newTestSuite(t, nil)
	recorder := &mockAuditRecorder{}
	keys := NewKeyService(newMockKeyRepository(), suite, nil, recorder, false)
	for _, u := range users {
		if _, err := keys.Generate(context.Background(), u, domain.KeyTypeE2EE, []byte(u+"-pw")); err != nil {
			t.Fatalf("failed to generate key for %s: %v", u, err)
		}
	}
	repo := newMockMessageRepository()
	return NewMessageService(repo, keys, suite, recorder), repo, recorder
}

var tip = []byte("meet at the usual place, bring the documents")

func TestMessageService_SendAndRead(t *testing.T) {
	ctx := context.Background()
	service, repo, recorder := newTestMessageService(t, "alice", "bob")

	msg, err := service.Send(ctx, SendMessageInput{SenderID: "alice", RecipientID: "bob", Message: tip, Password: []byte("alice-pw")})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.ExpiresAt != nil {
		t.Errorf("want no expiry for regular message, got %v", msg.ExpiresAt)
	}
	if len(msg.Fingerprint) != 64 {
		t.Errorf("want SHA-256 hex fingerprint, got %q", msg.Fingerprint)
	}
	if msg.SenderKeyID == "" || msg.RecipientKeyID == "" {
		t.Error("want key IDs to be recorded")
	}
	if got := recorder.last().Action; got != domain.ActionMessageSent {
		t.Errorf("want message_sent audit, got %s", got)
	}

	plaintext, read, err := service.Read(ctx, msg.ID, "bob", []byte("bob-pw"))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(plaintext, tip) {
		t.Errorf("want %q, got %q", tip, plaintext)
	}
	if read.Status != domain.MessageStatusRead {
		t.Errorf("want status read, got %s", read.Status)
	}
	if repo.messages[msg.ID].ReadAt == nil {
		t.Error("want read_at to be stored")
	}

	// 通常のメッセージは再度読める
	if _, _, err := service.Read(ctx, msg.ID, "bob", []byte("bob-pw")); err != nil {
		t.Errorf("second Read failed: %v", err)
	}
}

func TestMessageService_Read_Errors(t *testing.T) {
	ctx := context.Background()
	service, _, recorder := newTestMessageService(t, "alice", "bob")

	msg, err := service.Send(ctx, SendMessageInput{SenderID: "alice", RecipientID: "bob", Message: tip, Password: []byte("alice-pw")})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if _, _, err := service.Read(ctx, msg.ID, "alice", []byte("alice-pw")); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("want ErrAccessDenied, got %v", err)
	}
	if got := recorder.last().Action; got != domain.ActionAccessDenied {
		t.Errorf("want access_denied audit, got %s", got)
	}

	_, _, err = service.Read(ctx, msg.ID, "bob", []byte("wrong"))
	if !domain.IsDecryptionFailure(err) {
		t.Errorf("want decryption failure, got %v", err)
	}
	if got := recorder.last().Action; got != domain.ActionDecryptFailed {
		t.Errorf("want decryption_failed audit, got %s", got)
	}

	if _, _, err := service.Read(ctx, "missing", "bob", []byte("bob-pw")); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Errorf("want ErrMessageNotFound, got %v", err)
	}
}

func TestMessageService_Send_Errors(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestMessageService(t, "alice")

	_, err := service.Send(ctx, SendMessageInput{SenderID: "alice", RecipientID: "nobody", Message: tip, Password: []byte("alice-pw")})
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}

	_, err = service.Send(ctx, SendMessageInput{SenderID: "alice", RecipientID: "alice", Message: tip, Password: []byte("wrong")})
	if !errors.Is(err, domain.ErrWrongPassword) {
		t.Errorf("want ErrWrongPassword, got %v", err)
	}
}

func TestMessageService_Ephemeral(t *testing.T) {
	ctx := context.Background()
	service, repo, _ := newTestMessageService(t, "alice", "bob")

	msg, err := service.Send(ctx, SendMessageInput{SenderID: "alice", RecipientID: "bob", Message: tip, Password: []byte("alice-pw"), Ephemeral: true})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.ExpiresAt == nil {
		t.Fatal("want default expiry for ephemeral message")
	}
	if d := time.Until(*msg.ExpiresAt); d < 23*time.Hour || d > 25*time.Hour {
		t.Errorf("want expiry about 24h ahead, got %v", d)
	}

	plaintext, read, err := service.Read(ctx, msg.ID, "bob", []byte("bob-pw"))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(plaintext, tip) {
		t.Errorf("want %q, got %q", tip, plaintext)
	}
	if read.Status != domain.MessageStatusBurned {
		t.Errorf("want status burned, got %s", read.Status)
	}
	if repo.messages[msg.ID].Envelope != nil {
		t.Error("want envelope to be erased after burn")
	}

	if _, _, err := service.Read(ctx, msg.ID, "bob", []byte("bob-pw")); !errors.Is(err, domain.ErrMessageExpired) {
		t.Errorf("want ErrMessageExpired, got %v", err)
	}
}

func TestMessageService_Ephemeral_ConcurrentRead(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestMessageService(t, "alice", "bob")

	msg, err := service.Send(ctx, SendMessageInput{SenderID: "alice", RecipientID: "bob", Message: tip, Password: []byte("alice-pw"), Ephemeral: true})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	const readers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := service.Read(ctx, msg.ID, "bob", []byte("bob-pw"))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrMessageExpired) {
				t.Errorf("want ErrMessageExpired, got %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("want exactly one successful read, got %d", successes)
	}
}

func TestMessageService_Expired(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestMessageService(t, "alice", "bob")

	msg, err := service.Send(ctx, SendMessageInput{SenderID: "alice", RecipientID: "bob", Message: tip, Password: []byte("alice-pw"), DeleteAfter: time.Minute})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	service.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, _, err := service.Read(ctx, msg.ID, "bob", []byte("bob-pw")); !errors.Is(err, domain.ErrMessageExpired) {
		t.Errorf("want ErrMessageExpired, got %v", err)
	}
}

func TestMessageService_Read_AuditFailureWithholdsPlaintext(t *testing.T) {
	ctx := context.Background()
	service, _, recorder := newTestMessageService(t, "alice", "bob")

	msg, err := service.Send(ctx, SendMessageInput{SenderID: "alice", RecipientID: "bob", Message: tip, Password: []byte("alice-pw")})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	recorder.err = errors.New("audit store down")
	plaintext, _, err := service.Read(ctx, msg.ID, "bob", []byte("bob-pw"))
	if err == nil {
		t.Fatal("want error when audit cannot be recorded, got nil")
	}
	if plaintext != nil {
		t.Error("want no plaintext when audit cannot be recorded")
	}
}

func TestMessageService_Ephemeral_AuditFailureKeepsMessage(t *testing.T) {
	ctx := context.Background()
	service, repo, recorder := newTestMessageService(t, "alice", "bob")

	msg, err := service.Send(ctx, SendMessageInput{SenderID: "alice", RecipientID: "bob", Message: tip, Password: []byte("alice-pw"), Ephemeral: true})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	recorder.err = errors.New("audit store down")
	if plaintext, _, err := service.Read(ctx, msg.ID, "bob", []byte("bob-pw")); err == nil || plaintext != nil {
		t.Fatalf("want error and no plaintext, got %q, %v", plaintext, err)
	}
	stored := repo.messages[msg.ID]
	if stored.Status != domain.MessageStatusSent || stored.Envelope == nil {
		t.Fatalf("want message left unburned, got status %s", stored.Status)
	}

	// 監査が復旧すれば一度だけ読める
	recorder.err = nil
	plaintext, read, err := service.Read(ctx, msg.ID, "bob", []byte("bob-pw"))
	if err != nil {
		t.Fatalf("Read after recovery failed: %v", err)
	}
	if !bytes.Equal(plaintext, tip) {
		t.Errorf("want %q, got %q", tip, plaintext)
	}
	if read.Status != domain.MessageStatusBurned {
		t.Errorf("want status burned, got %s", read.Status)
	}
	if got := recorder.last().Action; got != domain.ActionMessageRead {
		t.Errorf("want message_read audit, got %s", got)
	}
}

func TestMessageService_List(t *testing.T) {
	ctx := context.Background()
	service, repo, _ := newTestMessageService(t, "alice", "bob", "carol")

	first, err := service.Send(ctx, SendMessageInput{SenderID: "alice", RecipientID: "bob", Message: tip, Password: []byte("alice-pw")})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	burnt, err := service.Send(ctx, SendMessageInput{SenderID: "carol", RecipientID: "bob", Message: tip, Password: []byte("carol-pw"), Ephemeral: true})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := service.Send(ctx, SendMessageInput{SenderID: "bob", RecipientID: "alice", Message: tip, Password: []byte("bob-pw")}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, _, err := service.Read(ctx, burnt.ID, "bob", []byte("bob-pw")); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	inbox, err := service.List(ctx, "bob", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("want 2 messages for bob, got %d", len(inbox))
	}
	if inbox[0].ID != burnt.ID || inbox[1].ID != first.ID {
		t.Errorf("want newest first, got %s, %s", inbox[0].ID, inbox[1].ID)
	}
	if inbox[0].Status != domain.MessageStatusBurned || inbox[0].ReadAt == nil {
		t.Errorf("want burned message with read_at, got %+v", inbox[0])
	}
	for _, m := range inbox {
		if m.Envelope != nil {
			t.Errorf("want no envelope in listing for %s", m.ID)
		}
	}
	if repo.messages[first.ID].Envelope == nil {
		t.Error("want stored envelope untouched by listing")
	}

	limited, err := service.List(ctx, "bob", 1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("want 1 message, got %d", len(limited))
	}

	repo.err = errors.New("db down")
	if _, err := service.List(ctx, "bob", 0); err == nil {
		t.Error("want error from repository, got nil")
	}
}
