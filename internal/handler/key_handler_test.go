package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"content-protection-service/internal/domain"
)

// mockKeyUsecase はテスト用のモック鍵サービス。
type mockKeyUsecase struct {
	generateResult *domain.KeyMetadata
	generateErr    error
	listResult     []*domain.KeyMetadata
	listErr        error
	activeResult   *domain.KeyMaterial
	activeErr      error
	revokeResult   *domain.KeyMetadata
	revokeErr      error

	gotPassword string
	gotKeyType  domain.KeyType
	gotActorID  string
}

func (m *mockKeyUsecase) GenerateWithRetry(ctx context.Context, ownerID string, keyType domain.KeyType, password []byte) (*domain.KeyMetadata, error) {
	m.gotPassword = string(password)
	m.gotKeyType = keyType
	return m.generateResult, m.generateErr
}

func (m *mockKeyUsecase) ListKeys(ctx context.Context, ownerID string) ([]*domain.KeyMetadata, error) {
	return m.listResult, m.listErr
}

func (m *mockKeyUsecase) GetActiveKey(ctx context.Context, ownerID string, keyType domain.KeyType) (*domain.KeyMaterial, error) {
	return m.activeResult, m.activeErr
}

func (m *mockKeyUsecase) Revoke(ctx context.Context, ownerID string, keyType domain.KeyType, actorID string) (*domain.KeyMetadata, error) {
	m.gotActorID = actorID
	return m.revokeResult, m.revokeErr
}

// newRequest はchiのURLパラメータを設定したリクエストを生成する。
func newRequest(method, target, body string, params map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeBody(t, rec)
	code, _ := resp["code"].(string)
	return code
}

func testMetadata(status domain.KeyStatus) *domain.KeyMetadata {
	return &domain.KeyMetadata{
		ID:          "key-001",
		OwnerID:     "user-001",
		KeyType:     domain.KeyTypeRSA,
		Algorithm:   domain.AlgRSAOAEPHybrid,
		Generation:  1,
		Fingerprint: "abcd",
		PublicKey:   []byte("public"),
		Status:      status,
		CreatedAt:   time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestGenerateKey_Success(t *testing.T) {
	service := &mockKeyUsecase{generateResult: testMetadata(domain.KeyStatusActive)}
	h := NewKeyHandler(service)

	req := newRequest(http.MethodPost, "/v1/users/user-001/keys",
		`{"key_type":"rsa","password":"correct-horse"}`, map[string]string{"owner_id": "user-001"})
	rec := httptest.NewRecorder()
	h.GenerateKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["key_id"] != "key-001" {
		t.Errorf("want key_id key-001, got %v", resp["key_id"])
	}
	if resp["public_key"] != "cHVibGlj" {
		t.Errorf("want base64 public key, got %v", resp["public_key"])
	}
	if _, ok := resp["revoked_at"]; ok {
		t.Error("want no revoked_at for active key")
	}
	if service.gotPassword != "correct-horse" {
		t.Errorf("want password passed through, got %q", service.gotPassword)
	}
	if service.gotKeyType != domain.KeyTypeRSA {
		t.Errorf("want key type rsa, got %s", service.gotKeyType)
	}
}

func TestGenerateKey_InvalidRequest(t *testing.T) {
	tests := []struct {
		name     string
		ownerID  string
		body     string
		wantCode string
	}{
		{"invalid owner", "bad@owner", `{"key_type":"rsa","password":"correct-horse"}`, "INVALID_OWNER_ID"},
		{"owner too long", strings.Repeat("a", 65), `{"key_type":"rsa","password":"correct-horse"}`, "INVALID_OWNER_ID"},
		{"unknown key type", "user-001", `{"key_type":"dsa","password":"correct-horse"}`, "INVALID_REQUEST"},
		{"short password", "user-001", `{"key_type":"rsa","password":"short"}`, "INVALID_REQUEST"},
		{"unknown field", "user-001", `{"key_type":"rsa","password":"correct-horse","extra":1}`, "INVALID_REQUEST"},
		{"malformed json", "user-001", `{"key_type":`, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewKeyHandler(&mockKeyUsecase{})
			req := newRequest(http.MethodPost, "/v1/users/x/keys", tt.body, map[string]string{"owner_id": tt.ownerID})
			rec := httptest.NewRecorder()
			h.GenerateKey(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("want status 400, got %d", rec.Code)
			}
			if got := errorCode(t, rec); got != tt.wantCode {
				t.Errorf("want code %s, got %s", tt.wantCode, got)
			}
		})
	}
}

func TestGenerateKey_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"capability unavailable", domain.ErrCapabilityUnavailable, http.StatusServiceUnavailable, "CAPABILITY_UNAVAILABLE"},
		{"concurrent modification", fmt.Errorf("wrap: %w", domain.ErrConcurrentModification), http.StatusConflict, "CONCURRENT_MODIFICATION"},
		{"unexpected", errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewKeyHandler(&mockKeyUsecase{generateErr: tt.err})
			req := newRequest(http.MethodPost, "/v1/users/user-001/keys",
				`{"key_type":"post_quantum","password":"correct-horse"}`, map[string]string{"owner_id": "user-001"})
			rec := httptest.NewRecorder()
			h.GenerateKey(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("want status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := errorCode(t, rec); got != tt.wantCode {
				t.Errorf("want code %s, got %s", tt.wantCode, got)
			}
		})
	}
}

func TestListKeys_Success(t *testing.T) {
	revoked := testMetadata(domain.KeyStatusRevoked)
	at := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	revoked.RevokedAt = &at
	service := &mockKeyUsecase{listResult: []*domain.KeyMetadata{testMetadata(domain.KeyStatusActive), revoked}}
	h := NewKeyHandler(service)

	req := newRequest(http.MethodGet, "/v1/users/user-001/keys", "", map[string]string{"owner_id": "user-001"})
	rec := httptest.NewRecorder()
	h.ListKeys(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp KeyListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Keys) != 2 {
		t.Fatalf("want 2 keys, got %d", len(resp.Keys))
	}
	if resp.Keys[1].RevokedAt == nil || *resp.Keys[1].RevokedAt != "2026-03-15T00:00:00Z" {
		t.Errorf("want revoked_at 2026-03-15T00:00:00Z, got %v", resp.Keys[1].RevokedAt)
	}
}

func TestListKeys_Empty(t *testing.T) {
	h := NewKeyHandler(&mockKeyUsecase{listResult: []*domain.KeyMetadata{}})

	req := newRequest(http.MethodGet, "/v1/users/user-001/keys", "", map[string]string{"owner_id": "user-001"})
	rec := httptest.NewRecorder()
	h.ListKeys(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"keys":[]`) {
		t.Errorf("want empty keys array, got %s", rec.Body.String())
	}
}

func TestGetActiveKey(t *testing.T) {
	tests := []struct {
		name       string
		keyType    string
		service    *mockKeyUsecase
		wantStatus int
	}{
		{
			name:    "success",
			keyType: "e2ee",
			service: &mockKeyUsecase{activeResult: &domain.KeyMaterial{
				ID: "key-002", OwnerID: "user-001", KeyType: domain.KeyTypeE2EE,
				Algorithm: domain.AlgX25519Box, Generation: 2, Status: domain.KeyStatusActive,
				EncryptedPrivateKey: []byte("secret"),
			}},
			wantStatus: http.StatusOK,
		},
		{"invalid key type", "dsa", &mockKeyUsecase{}, http.StatusBadRequest},
		{"not found", "rsa", &mockKeyUsecase{activeErr: domain.ErrKeyNotFound}, http.StatusNotFound},
		{"revoked", "rsa", &mockKeyUsecase{activeErr: domain.ErrKeyRevoked}, http.StatusGone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewKeyHandler(tt.service)
			req := newRequest(http.MethodGet, "/v1/users/user-001/keys/"+tt.keyType, "",
				map[string]string{"owner_id": "user-001", "key_type": tt.keyType})
			rec := httptest.NewRecorder()
			h.GetActiveKey(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("want status %d, got %d", tt.wantStatus, rec.Code)
			}
			if strings.Contains(rec.Body.String(), "secret") || strings.Contains(rec.Body.String(), "c2VjcmV0") {
				t.Error("response must not contain private key material")
			}
		})
	}
}

func TestRevokeKey(t *testing.T) {
	t.Run("actor defaults to owner", func(t *testing.T) {
		service := &mockKeyUsecase{revokeResult: testMetadata(domain.KeyStatusRevoked)}
		h := NewKeyHandler(service)
		req := newRequest(http.MethodDelete, "/v1/users/user-001/keys/rsa", "",
			map[string]string{"owner_id": "user-001", "key_type": "rsa"})
		rec := httptest.NewRecorder()
		h.RevokeKey(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("want status 200, got %d", rec.Code)
		}
		if service.gotActorID != "user-001" {
			t.Errorf("want actor user-001, got %s", service.gotActorID)
		}
	})

	t.Run("explicit actor", func(t *testing.T) {
		service := &mockKeyUsecase{revokeResult: testMetadata(domain.KeyStatusRevoked)}
		h := NewKeyHandler(service)
		req := newRequest(http.MethodDelete, "/v1/users/user-001/keys/rsa?actor_id=admin-1", "",
			map[string]string{"owner_id": "user-001", "key_type": "rsa"})
		rec := httptest.NewRecorder()
		h.RevokeKey(rec, req)

		if service.gotActorID != "admin-1" {
			t.Errorf("want actor admin-1, got %s", service.gotActorID)
		}
	})

	t.Run("invalid actor", func(t *testing.T) {
		h := NewKeyHandler(&mockKeyUsecase{})
		req := newRequest(http.MethodDelete, "/v1/users/user-001/keys/rsa?actor_id=bad%20actor", "",
			map[string]string{"owner_id": "user-001", "key_type": "rsa"})
		rec := httptest.NewRecorder()
		h.RevokeKey(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("want status 400, got %d", rec.Code)
		}
		if got := errorCode(t, rec); got != "INVALID_ACTOR_ID" {
			t.Errorf("want code INVALID_ACTOR_ID, got %s", got)
		}
	})

	t.Run("no active key", func(t *testing.T) {
		h := NewKeyHandler(&mockKeyUsecase{revokeErr: domain.ErrKeyNotFound})
		req := newRequest(http.MethodDelete, "/v1/users/user-001/keys/rsa", "",
			map[string]string{"owner_id": "user-001", "key_type": "rsa"})
		rec := httptest.NewRecorder()
		h.RevokeKey(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("want status 404, got %d", rec.Code)
		}
	})
}
