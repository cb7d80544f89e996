// Package audit は改ざん検知可能な監査エントリの生成と検証を行う。
// エントリの永続化は呼び出し側の責務であり、このパッケージは保存を行わない。
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"content-protection-service/internal/crypto"
	"content-protection-service/internal/domain"
)

// Trail は監査エントリを生成する。
// チェーンが有効な場合、各エントリは直前のエントリの署名を PrevSignature として保持する。
type Trail struct {
	hash  *crypto.HashEngine
	chain bool
	now   func() time.Time

	mu   sync.Mutex
	head string
}

// NewTrail は新しいTrailを生成する。
func NewTrail(chain bool) *Trail {
	return &Trail{
		hash:  crypto.NewHashEngine(),
		chain: chain,
		now:   time.Now,
	}
}

// Chained はハッシュチェーンが有効かどうかを返す。
func (t *Trail) Chained() bool {
	return t.chain
}

// Head は直近に記録したエントリの署名を返す。
func (t *Trail) Head() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head
}

// SetHead はチェーンの先頭を設定する。起動時に保存済みの最新署名で初期化する。
func (t *Trail) SetHead(signature string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head = signature
}

// Record は監査エントリを生成し、内容ハッシュと署名を付与する。
func (t *Trail) Record(action domain.AuditAction, actorID string, resource domain.Resource, metadata map[string]any) (*domain.AuditEntry, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &domain.AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    t.now().UTC().Truncate(time.Microsecond),
		ActorID:      actorID,
		Action:       action,
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		Metadata:     metadata,
	}
	if t.chain {
		entry.PrevSignature = t.head
	}

	contentHash, signature, err := t.seal(entry)
	if err != nil {
		return nil, err
	}
	entry.ContentHash = contentHash
	entry.Signature = signature

	if t.chain {
		t.head = signature
	}
	return entry, nil
}

// Verify はエントリの内容ハッシュと署名を再計算し、不一致の場合は ErrTamperDetected を返す。
func (t *Trail) Verify(entry *domain.AuditEntry) error {
	if entry == nil {
		return domain.ErrTamperDetected
	}
	contentHash, signature, err := t.seal(entry)
	if err != nil {
		return fmt.Errorf("%w: entry %s: %v", domain.ErrTamperDetected, entry.ID, err)
	}
	if !crypto.ConstantTimeEqualHex(contentHash, entry.ContentHash) {
		return fmt.Errorf("%w: entry %s: content hash mismatch", domain.ErrTamperDetected, entry.ID)
	}
	if !crypto.ConstantTimeEqualHex(signature, entry.Signature) {
		return fmt.Errorf("%w: entry %s: signature mismatch", domain.ErrTamperDetected, entry.ID)
	}
	return nil
}

// VerifyChain は記録順に並んだエントリ群を検証し、すべての不整合をまとめて返す。
// PrevSignature が空のエントリはチェーン無効時に記録されたものとみなし、リンクを検査しない。
func (t *Trail) VerifyChain(entries []*domain.AuditEntry) error {
	var result *multierror.Error
	for i, entry := range entries {
		if err := t.Verify(entry); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if i == 0 || entry.PrevSignature == "" {
			continue
		}
		if prev := entries[i-1]; prev != nil && entry.PrevSignature != prev.Signature {
			result = multierror.Append(result, fmt.Errorf("%w: entry %s: broken link to %s", domain.ErrTamperDetected, entry.ID, prev.ID))
		}
	}
	return result.ErrorOrNil()
}

// seal は内容ハッシュ（SHA-512）と署名（SHA-256）を計算する。
func (t *Trail) seal(entry *domain.AuditEntry) (contentHash, signature string, err error) {
	payload := canonicalFields(entry)

	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("serializing audit entry: %w", err)
	}
	contentHash, err = t.hash.Hash(body, crypto.HashSHA512)
	if err != nil {
		return "", "", err
	}

	payload["content_hash"] = contentHash
	signed, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("serializing audit entry: %w", err)
	}
	signature, err = t.hash.Hash(signed, crypto.HashSHA256)
	if err != nil {
		return "", "", err
	}
	return contentHash, signature, nil
}

// canonicalFields は署名対象のフィールドを返す。
// encoding/json はmapのキーを昇順で出力するため、シリアライズ結果は決定的になる。
func canonicalFields(entry *domain.AuditEntry) map[string]any {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"id":             entry.ID,
		"timestamp":      entry.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor_id":       entry.ActorID,
		"action":         string(entry.Action),
		"resource_type":  entry.ResourceType,
		"resource_id":    entry.ResourceID,
		"metadata":       metadata,
		"prev_signature": entry.PrevSignature,
	}
}
