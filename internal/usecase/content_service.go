package usecase

import (
	"context"
	"errors"
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

// ContentRepository は暗号化コンテンツのデータアクセスのインターフェース。
type ContentRepository interface {
	CreateContent(ctx context.Context, content *domain.EncryptedContent, keys []*domain.ContentKey, grants []*domain.AccessGrant) error
	GetContent(ctx context.Context, id string) (*domain.EncryptedContent, error)
	GetContentKey(ctx context.Context, contentID, granteeID string) (*domain.ContentKey, error)
	PutContentKey(ctx context.Context, key *domain.ContentKey) error
}

// GrantRepository はアクセス許可のデータアクセスのインターフェース。
type GrantRepository interface {
	GetAccessGrant(ctx context.Context, resourceID, granteeID string) (*domain.AccessGrant, error)
	CreateGrant(ctx context.Context, grant *domain.AccessGrant) error
	RevokeGrant(ctx context.Context, resourceID, granteeID string) (bool, error)
}

// KeyProvider は鍵の参照と秘密鍵の復号のインターフェース。KeyServiceが実装する。
type KeyProvider interface {
	GetActiveKey(ctx context.Context, ownerID string, keyType domain.KeyType) (*domain.KeyMaterial, error)
	GetKeyByID(ctx context.Context, id string) (*domain.KeyMaterial, error)
	UnwrapPrivateKey(ctx context.Context, key *domain.KeyMaterial, password []byte) ([]byte, error)
}

// EncryptContentInput はコンテンツ暗号化の入力。
type EncryptContentInput struct {
	OwnerID     string
	Title       string
	Content     []byte
	ContentType string
	Method      domain.EncryptionMethod
	Recipients  []string
}

// GrantInput はアクセス許可付与の入力。
// 受信者向けのコンテンツ鍵がまだない場合は付与者のパスワードで鍵を再ラップする。
type GrantInput struct {
	ContentID   string
	GrantedBy   string
	GranteeID   string
	AccessLevel domain.AccessLevel
	ExpiresIn   time.Duration
	Password    []byte
}

// ContentService はコンテンツ保護に関するビジネスロジックを提供する。
type ContentService struct {
	contents ContentRepository
	grants   GrantRepository
	keys     KeyProvider
	suite    *crypto.Suite
	recorder AuditRecorder

	now    func() time.Time
	tracer trace.Tracer
}

// NewContentService は新しいContentServiceを生成する。
func NewContentService(contents ContentRepository, grants GrantRepository, keys KeyProvider, suite *crypto.Suite, recorder AuditRecorder) *ContentService {
	return &ContentService{
		contents: contents,
		grants:   grants,
		keys:     keys,
		suite:    suite,
		recorder: recorder,
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
	}
}

// Encrypt はコンテンツを新しいコンテンツ鍵で暗号化し、所有者と各受信者の有効な鍵でコンテンツ鍵をラップする。
func (s *ContentService) Encrypt(ctx context.Context, in EncryptContentInput) (*domain.EncryptedContent, error) {
	ctx, span := s.tracer.Start(ctx, "ContentService.Encrypt", trace.WithAttributes(
		attribute.String("owner_id", in.OwnerID),
		attribute.String("method", string(in.Method)),
		attribute.Int("recipients", len(in.Recipients)),
	))
	defer span.End()

	content, err := s.encrypt(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encrypt failed")
		return nil, err
	}
	return content, nil
}

func (s *ContentService) encrypt(ctx context.Context, in EncryptContentInput) (*domain.EncryptedContent, error) {
	keyType, ok := in.Method.KeyType()
	if !ok {
		return nil, fmt.Errorf("%w: method %q", domain.ErrUnsupportedAlgorithm, in.Method)
	}
	if in.OwnerID == "" {
		return nil, domain.ErrInvalidOwnerID
	}

	grantees := uniqueGrantees(in.OwnerID, in.Recipients)
	recipientKeys := make([]*domain.KeyMaterial, len(grantees))
	for i, g := range grantees {
		key, err := s.keys.GetActiveKey(ctx, g, keyType)
		if err != nil {
			return nil, fmt.Errorf("finding %s key of %s: %w", keyType, g, err)
		}
		recipientKeys[i] = key
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contentKey, err := s.suite.Symmetric.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating content key: %w", err)
	}
	defer crypto.Zeroize(contentKey)

	body, err := s.suite.Symmetric.Encrypt(in.Content, contentKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting content: %w", err)
	}
	contentHash, err := s.suite.Hash.Hash(in.Content, crypto.HashSHA512)
	if err != nil {
		return nil, err
	}

	wrappedKeys := make([]*domain.ContentKey, len(grantees))
	for i, key := range recipientKeys {
		wrapped, err := s.suite.EncryptForKey(contentKey, key.Algorithm, key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("wrapping content key for %s: %w", key.OwnerID, err)
		}
		wrappedKeys[i] = &domain.ContentKey{GranteeID: key.OwnerID, KeyID: key.ID, WrappedKey: wrapped}
	}

	content := &domain.EncryptedContent{
		OwnerID:     in.OwnerID,
		Title:       in.Title,
		ContentType: in.ContentType,
		Method:      in.Method,
		Body:        body,
		ContentHash: contentHash,
		Size:        len(in.Content),
	}
	shared := grantees[1:]
	grants := make([]*domain.AccessGrant, len(shared))
	for i, g := range shared {
		grants[i] = &domain.AccessGrant{GranteeID: g, AccessLevel: domain.AccessRead, GrantedBy: in.OwnerID}
	}
	// 本文、コンテンツ鍵、受信者の許可はまとめて保存し、途中で失敗した場合は何も残さない
	if err := s.contents.CreateContent(ctx, content, wrappedKeys, grants); err != nil {
		return nil, fmt.Errorf("storing content: %w", err)
	}

	resource := domain.Resource{Type: "content", ID: content.ID}
	recordAudit(ctx, s.recorder, domain.ActionContentEncrypted, in.OwnerID, resource, map[string]any{
		"method":       string(in.Method),
		"content_type": in.ContentType,
		"size":         content.Size,
		"content_hash": contentHash,
	})
	if len(shared) > 0 {
		recordAudit(ctx, s.recorder, domain.ActionContentShared, in.OwnerID, resource, map[string]any{
			"recipients": shared,
		})
	}
	return content, nil
}

// Decrypt は要求者の権限を確認し、要求者の秘密鍵でコンテンツを復号する。
func (s *ContentService) Decrypt(ctx context.Context, contentID, requesterID string, password []byte) ([]byte, *domain.EncryptedContent, error) {
	ctx, span := s.tracer.Start(ctx, "ContentService.Decrypt", trace.WithAttributes(
		attribute.String("content_id", contentID),
		attribute.String("requester_id", requesterID),
	))
	defer span.End()

	plaintext, content, err := s.decrypt(ctx, contentID, requesterID, password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decrypt failed")
		return nil, nil, err
	}
	return plaintext, content, nil
}

func (s *ContentService) decrypt(ctx context.Context, contentID, requesterID string, password []byte) ([]byte, *domain.EncryptedContent, error) {
	content, err := s.contents.GetContent(ctx, contentID)
	if err != nil {
		return nil, nil, fmt.Errorf("finding content: %w", err)
	}
	if content == nil {
		return nil, nil, domain.ErrContentNotFound
	}
	resource := domain.Resource{Type: "content", ID: content.ID}

	if err := s.authorize(ctx, content, requesterID, domain.AccessRead); err != nil {
		recordAudit(ctx, s.recorder, domain.ActionAccessDenied, requesterID, resource, map[string]any{
			"operation": "decrypt",
		})
		return nil, nil, err
	}

	ck, err := s.contents.GetContentKey(ctx, content.ID, requesterID)
	if err != nil {
		return nil, nil, fmt.Errorf("finding content key: %w", err)
	}
	if ck == nil {
		recordAudit(ctx, s.recorder, domain.ActionAccessDenied, requesterID, resource, map[string]any{
			"operation": "decrypt",
			"reason":    "no_content_key",
		})
		return nil, nil, domain.ErrAccessDenied
	}

	plaintext, err := s.open(ctx, content, ck, password)
	if err != nil {
		if domain.IsDecryptionFailure(err) {
			slog.WarnContext(ctx, "content decryption failed",
				"operation", "decrypt_content",
				"content_id", content.ID,
				"requester_id", requesterID,
				"error", err,
			)
			recordAudit(ctx, s.recorder, domain.ActionDecryptFailed, requesterID, resource, map[string]any{
				"reason": failureReason(err),
			})
		}
		return nil, nil, err
	}

	// 監査を記録できない場合は平文を返さない
	if _, err := s.recorder.Record(ctx, domain.ActionContentDecrypted, requesterID, resource, map[string]any{
		"size": len(plaintext),
	}); err != nil {
		crypto.Zeroize(plaintext)
		return nil, nil, fmt.Errorf("recording decryption: %w", err)
	}
	return plaintext, content, nil
}

// open は要求者の秘密鍵でコンテンツ鍵を復元して本文を復号し、ハッシュを照合する。
func (s *ContentService) open(ctx context.Context, content *domain.EncryptedContent, ck *domain.ContentKey, password []byte) ([]byte, error) {
	contentKey, err := s.unwrapContentKey(ctx, ck, password)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(contentKey)

	plaintext, err := s.suite.Symmetric.Decrypt(content.Body, contentKey)
	if err != nil {
		return nil, err
	}
	sum, err := s.suite.Hash.Hash(plaintext, crypto.HashSHA512)
	if err != nil {
		crypto.Zeroize(plaintext)
		return nil, err
	}
	if !crypto.ConstantTimeEqualHex(sum, content.ContentHash) {
		crypto.Zeroize(plaintext)
		return nil, fmt.Errorf("%w: content hash mismatch", domain.ErrAuthenticationFailed)
	}
	return plaintext, nil
}

func (s *ContentService) unwrapContentKey(ctx context.Context, ck *domain.ContentKey, password []byte) ([]byte, error) {
	key, err := s.keys.GetKeyByID(ctx, ck.KeyID)
	if err != nil {
		return nil, err
	}
	privateKey, err := s.keys.UnwrapPrivateKey(ctx, key, password)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(privateKey)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.suite.DecryptWithKey(ck.WrappedKey, privateKey)
}

// authorize は要求者が所有者であるか、必要なレベル以上の有効な許可を持つかを確認する。
func (s *ContentService) authorize(ctx context.Context, content *domain.EncryptedContent, actorID string, level domain.AccessLevel) error {
	if actorID == "" {
		return domain.ErrAccessDenied
	}
	if actorID == content.OwnerID {
		return nil
	}
	grant, err := s.grants.GetAccessGrant(ctx, content.ID, actorID)
	if err != nil {
		return fmt.Errorf("finding access grant: %w", err)
	}
	if !grant.Usable(s.now()) || !satisfies(grant.AccessLevel, level) {
		return domain.ErrAccessDenied
	}
	return nil
}

// Grant はコンテンツへのアクセス許可を付与する。付与できるのは所有者または admin 許可を持つ利用者。
func (s *ContentService) Grant(ctx context.Context, in GrantInput) (*domain.AccessGrant, error) {
	ctx, span := s.tracer.Start(ctx, "ContentService.Grant", trace.WithAttributes(
		attribute.String("content_id", in.ContentID),
		attribute.String("grantee_id", in.GranteeID),
	))
	defer span.End()

	if !in.AccessLevel.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidAccessLevel, in.AccessLevel)
	}
	content, err := s.contents.GetContent(ctx, in.ContentID)
	if err != nil {
		return nil, fmt.Errorf("finding content: %w", err)
	}
	if content == nil {
		return nil, domain.ErrContentNotFound
	}
	resource := domain.Resource{Type: "content", ID: content.ID}

	if err := s.authorize(ctx, content, in.GrantedBy, domain.AccessAdmin); err != nil {
		recordAudit(ctx, s.recorder, domain.ActionAccessDenied, in.GrantedBy, resource, map[string]any{
			"operation":  "grant",
			"grantee_id": in.GranteeID,
		})
		return nil, err
	}

	if err := s.shareContentKey(ctx, content, in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grant failed")
		return nil, err
	}

	grant := &domain.AccessGrant{
		ResourceID:  content.ID,
		GranteeID:   in.GranteeID,
		AccessLevel: in.AccessLevel,
		GrantedBy:   in.GrantedBy,
	}
	if in.ExpiresIn > 0 {
		expires := s.now().UTC().Add(in.ExpiresIn)
		grant.ExpiresAt = &expires
	}
	if err := s.grants.CreateGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("creating grant: %w", err)
	}

	metadata := map[string]any{
		"grantee_id":   in.GranteeID,
		"access_level": string(in.AccessLevel),
	}
	if grant.ExpiresAt != nil {
		metadata["expires_at"] = grant.ExpiresAt.Format(time.RFC3339)
	}
	recordAudit(ctx, s.recorder, domain.ActionAccessGranted, in.GrantedBy, resource, metadata)
	return grant, nil
}

// shareContentKey は受信者の有効な鍵向けのコンテンツ鍵がない場合に、付与者の鍵から再ラップして保存する。
// 受信者が鍵を更新または失効させた後の再付与では、古い鍵向けのコンテンツ鍵を置き換える。
func (s *ContentService) shareContentKey(ctx context.Context, content *domain.EncryptedContent, in GrantInput) error {
	existing, err := s.contents.GetContentKey(ctx, content.ID, in.GranteeID)
	if err != nil {
		return fmt.Errorf("finding content key: %w", err)
	}

	keyType, ok := content.Method.KeyType()
	if !ok {
		return fmt.Errorf("%w: method %q", domain.ErrUnsupportedAlgorithm, content.Method)
	}
	granteeKey, err := s.keys.GetActiveKey(ctx, in.GranteeID, keyType)
	if err != nil {
		// 有効な鍵がなくても既存のコンテンツ鍵があれば許可レベルの更新のみ行う
		if existing != nil && errors.Is(err, domain.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("finding %s key of %s: %w", keyType, in.GranteeID, err)
	}
	if existing != nil && existing.KeyID == granteeKey.ID {
		return nil
	}
	if len(in.Password) == 0 {
		return domain.ErrEmptyPassword
	}

	own, err := s.contents.GetContentKey(ctx, content.ID, in.GrantedBy)
	if err != nil {
		return fmt.Errorf("finding content key: %w", err)
	}
	if own == nil {
		return domain.ErrAccessDenied
	}

	contentKey, err := s.unwrapContentKey(ctx, own, in.Password)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(contentKey)

	wrapped, err := s.suite.EncryptForKey(contentKey, granteeKey.Algorithm, granteeKey.PublicKey)
	if err != nil {
		return fmt.Errorf("wrapping content key for %s: %w", in.GranteeID, err)
	}
	return s.contents.PutContentKey(ctx, &domain.ContentKey{
		ContentID:  content.ID,
		GranteeID:  in.GranteeID,
		KeyID:      granteeKey.ID,
		WrappedKey: wrapped,
	})
}

// RevokeGrant はアクセス許可を取り消す。
func (s *ContentService) RevokeGrant(ctx context.Context, contentID, granteeID, actorID string) error {
	content, err := s.contents.GetContent(ctx, contentID)
	if err != nil {
		return fmt.Errorf("finding content: %w", err)
	}
	if content == nil {
		return domain.ErrContentNotFound
	}
	resource := domain.Resource{Type: "content", ID: content.ID}

	if err := s.authorize(ctx, content, actorID, domain.AccessAdmin); err != nil {
		recordAudit(ctx, s.recorder, domain.ActionAccessDenied, actorID, resource, map[string]any{
			"operation":  "revoke_grant",
			"grantee_id": granteeID,
		})
		return err
	}

	revoked, err := s.grants.RevokeGrant(ctx, content.ID, granteeID)
	if err != nil {
		return fmt.Errorf("revoking grant: %w", err)
	}
	if !revoked {
		return domain.ErrGrantNotFound
	}

	recordAudit(ctx, s.recorder, domain.ActionAccessRevoked, actorID, resource, map[string]any{
		"grantee_id": granteeID,
	})
	return nil
}

// uniqueGrantees は所有者を先頭に、重複と空文字を除いた受信者の一覧を返す。
func uniqueGrantees(ownerID string, recipients []string) []string {
	seen := map[string]struct{}{ownerID: {}}
	out := []string{ownerID}
	for _, r := range recipients {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

var accessRank = map[domain.AccessLevel]int{
	domain.AccessRead:  1,
	domain.AccessWrite: 2,
	domain.AccessAdmin: 3,
}

func satisfies(have, want domain.AccessLevel) bool {
	return accessRank[have] >= accessRank[want]
}

// failureReason は監査に記録する復号失敗の内部分類を返す。
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrWrongPassword):
		return "wrong_password"
	case errors.Is(err, domain.ErrKeyUnwrapFailed):
		return "key_unwrap_failed"
	case errors.Is(err, domain.ErrCorruptKeyStore):
		return "corrupt_key_store"
	case errors.Is(err, domain.ErrAuthenticationFailed):
		return "authentication_failed"
	}
	return "unknown"
}
