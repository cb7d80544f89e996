// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"content-protection-service/internal/crypto"
	"content-protection-service/internal/domain"
)

const tracerName = "content-protection-service/usecase"

const (
	// defaultGenerateRetries は競合時に生成処理全体を再試行する回数。
	defaultGenerateRetries = 3
	// defaultRetryInterval は最初の再試行までの待ち時間。
	defaultRetryInterval = 50 * time.Millisecond
)

// KeyRepository はデータアクセスのインターフェース。
type KeyRepository interface {
	GetActiveKey(ctx context.Context, ownerID string, keyType domain.KeyType) (*domain.KeyMaterial, error)
	GetKeyByID(ctx context.Context, id string) (*domain.KeyMaterial, error)
	ListKeys(ctx context.Context, ownerID string) ([]*domain.KeyMaterial, error)
	ActivateKey(ctx context.Context, key *domain.KeyMaterial) (string, error)
	RevokeActiveKey(ctx context.Context, ownerID string, keyType domain.KeyType, at time.Time) (*domain.KeyMaterial, error)
}

// Sealer は保管前の秘密鍵ブロブを追加で封印するインターフェース。
type Sealer interface {
	Mode() domain.SealMode
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// NopSealer は封印を行わないSealer。
type NopSealer struct{}

func (NopSealer) Mode() domain.SealMode { return domain.SealModeNone }

func (NopSealer) Seal(_ context.Context, plaintext []byte) ([]byte, error) { return plaintext, nil }

func (NopSealer) Open(_ context.Context, ciphertext []byte) ([]byte, error) { return ciphertext, nil }

// KeyService は暗号鍵のライフサイクルに関するビジネスロジックを提供する。
type KeyService struct {
	repo     KeyRepository
	suite    *crypto.Suite
	sealer   Sealer
	recorder AuditRecorder

	allowClassicalFallback bool
	maxRetries             uint64
	retryInterval          time.Duration

	now    func() time.Time
	tracer trace.Tracer
}

// NewKeyService は新しいKeyServiceを生成する。
// allowClassicalFallback が true の場合、耐量子暗号が利用できない環境では post_quantum 鍵をRSAで代替する。
func NewKeyService(repo KeyRepository, suite *crypto.Suite, sealer Sealer, recorder AuditRecorder, allowClassicalFallback bool) *KeyService {
	if sealer == nil {
		sealer = NopSealer{}
	}
	return &KeyService{
		repo:                   repo,
		suite:                  suite,
		sealer:                 sealer,
		recorder:               recorder,
		allowClassicalFallback: allowClassicalFallback,
		maxRetries:             defaultGenerateRetries,
		retryInterval:          defaultRetryInterval,
		now:                    time.Now,
		tracer:                 otel.Tracer(tracerName),
	}
}

// Generate は所有者・種別に対して新しい鍵ペアを生成し、既存の有効な鍵を置き換える。
func (s *KeyService) Generate(ctx context.Context, ownerID string, keyType domain.KeyType, password []byte) (*domain.KeyMetadata, error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.Generate", trace.WithAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("key_type", string(keyType)),
	))
	defer span.End()

	key, superseded, fallback, err := s.generate(ctx, ownerID, keyType, password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		return nil, err
	}

	metadata := map[string]any{
		"key_type":   string(key.KeyType),
		"algorithm":  string(key.Algorithm),
		"generation": key.Generation,
		"seal_mode":  string(key.SealMode),
	}
	if superseded != "" {
		metadata["superseded_key_id"] = superseded
	}
	if fallback {
		metadata["classical_fallback"] = true
	}
	recordAudit(ctx, s.recorder, domain.ActionKeyGenerated, ownerID, domain.Resource{Type: "key", ID: key.ID}, metadata)

	slog.InfoContext(ctx, "key generated",
		"owner_id", ownerID,
		"key_type", keyType,
		"generation", key.Generation,
		"algorithm", key.Algorithm,
	)
	return key.Metadata(), nil
}

// GenerateWithRetry は競合に敗れた場合に生成処理全体を指数バックオフで再試行する。
func (s *KeyService) GenerateWithRetry(ctx context.Context, ownerID string, keyType domain.KeyType, password []byte) (*domain.KeyMetadata, error) {
	var result *domain.KeyMetadata
	attempt := 0

	op := func() error {
		attempt++
		md, err := s.Generate(ctx, ownerID, keyType, password)
		if err != nil {
			if domain.IsRetryable(err) {
				slog.WarnContext(ctx, "key generation lost a race, retrying",
					"owner_id", ownerID,
					"key_type", keyType,
					"attempt", attempt,
				)
				return err
			}
			return backoff.Permanent(err)
		}
		result = md
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.retryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return result, nil
}

func (s *KeyService) generate(ctx context.Context, ownerID string, keyType domain.KeyType, password []byte) (*domain.KeyMaterial, string, bool, error) {
	if ownerID == "" {
		return nil, "", false, domain.ErrInvalidOwnerID
	}
	if !keyType.Valid() {
		return nil, "", false, fmt.Errorf("%w: %q", domain.ErrInvalidKeyType, keyType)
	}
	if len(password) == 0 {
		return nil, "", false, domain.ErrEmptyPassword
	}
	if err := ctx.Err(); err != nil {
		return nil, "", false, err
	}

	pair, fallback, err := s.generateKeyPair(ctx, keyType)
	if err != nil {
		return nil, "", false, fmt.Errorf("generating key pair: %w", err)
	}
	defer crypto.Zeroize(pair.Private)

	if err := ctx.Err(); err != nil {
		return nil, "", false, err
	}

	wrapped, err := s.suite.WrapPrivateKey(password, pair.Private)
	if err != nil {
		return nil, "", false, fmt.Errorf("wrapping private key: %w", err)
	}
	blob, err := json.Marshal(wrapped)
	if err != nil {
		return nil, "", false, fmt.Errorf("encoding wrapped private key: %w", err)
	}
	sealed, err := s.sealer.Seal(ctx, blob)
	if err != nil {
		return nil, "", false, fmt.Errorf("sealing private key: %w", err)
	}

	key := &domain.KeyMaterial{
		OwnerID:             ownerID,
		KeyType:             keyType,
		Algorithm:           pair.Algorithm,
		Purpose:             keyType.Purpose(),
		PublicKey:           pair.Public,
		EncryptedPrivateKey: sealed,
		SealMode:            s.sealer.Mode(),
		Fingerprint:         s.suite.Hash.Fingerprint(pair.Public),
		Status:              domain.KeyStatusActive,
	}
	superseded, err := s.repo.ActivateKey(ctx, key)
	if err != nil {
		return nil, "", false, fmt.Errorf("activating key: %w", err)
	}
	return key, superseded, fallback, nil
}

// generateKeyPair は鍵ペアを生成する。耐量子暗号が利用できず代替が許可されている場合は
// RSA鍵を生成し、代替したことを返す。
func (s *KeyService) generateKeyPair(ctx context.Context, keyType domain.KeyType) (*crypto.GeneratedKeyPair, bool, error) {
	pair, err := s.suite.GenerateKeyPair(keyType)
	if err == nil {
		return pair, false, nil
	}
	if keyType != domain.KeyTypePostQuantum || !errors.Is(err, domain.ErrCapabilityUnavailable) || !s.allowClassicalFallback {
		return nil, false, err
	}

	slog.WarnContext(ctx, "post-quantum backend unavailable, falling back to classical key pair",
		"operation", "generate_key_pair",
		"key_type", keyType,
		"algorithm", domain.AlgRSAOAEPHybrid,
	)
	pair, err = s.suite.GenerateKeyPair(domain.KeyTypeRSA)
	if err != nil {
		return nil, false, err
	}
	return pair, true, nil
}

// Revoke は所有者・種別の有効な鍵を失効させる。
func (s *KeyService) Revoke(ctx context.Context, ownerID string, keyType domain.KeyType, actorID string) (*domain.KeyMetadata, error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.Revoke", trace.WithAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("key_type", string(keyType)),
	))
	defer span.End()

	if !keyType.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidKeyType, keyType)
	}
	if actorID == "" {
		actorID = ownerID
	}

	key, err := s.repo.RevokeActiveKey(ctx, ownerID, keyType, s.now().UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "revoke failed")
		return nil, fmt.Errorf("revoking key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}

	recordAudit(ctx, s.recorder, domain.ActionKeyRevoked, actorID, domain.Resource{Type: "key", ID: key.ID}, map[string]any{
		"owner_id":   ownerID,
		"key_type":   string(keyType),
		"generation": key.Generation,
	})
	return key.Metadata(), nil
}

// UnwrapPrivateKey は保存された秘密鍵を復号する。戻り値は呼び出し側で消去すること。
func (s *KeyService) UnwrapPrivateKey(ctx context.Context, key *domain.KeyMaterial, password []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return nil, domain.ErrEmptyPassword
	}

	blob := key.EncryptedPrivateKey
	if key.SealMode != "" && key.SealMode != domain.SealModeNone {
		if key.SealMode != s.sealer.Mode() {
			return nil, fmt.Errorf("%w: key sealed with %s", domain.ErrCapabilityUnavailable, key.SealMode)
		}
		opened, err := s.sealer.Open(ctx, blob)
		if err != nil {
			return nil, fmt.Errorf("opening sealed private key: %w", err)
		}
		blob = opened
	}

	var wrapped domain.WrappedPrivateKey
	if err := json.Unmarshal(blob, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptKeyStore, err)
	}
	return s.suite.UnwrapPrivateKey(password, &wrapped)
}

// GetActiveKey は所有者・種別の有効な鍵を取得する。
func (s *KeyService) GetActiveKey(ctx context.Context, ownerID string, keyType domain.KeyType) (*domain.KeyMaterial, error) {
	key, err := s.repo.GetActiveKey(ctx, ownerID, keyType)
	if err != nil {
		return nil, fmt.Errorf("finding active key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key, nil
}

// GetKeyByID は指定されたIDの鍵を取得する。失効済みの鍵は ErrKeyRevoked を返す。
func (s *KeyService) GetKeyByID(ctx context.Context, id string) (*domain.KeyMaterial, error) {
	key, err := s.repo.GetKeyByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	if key.Status == domain.KeyStatusRevoked {
		return nil, domain.ErrKeyRevoked
	}
	return key, nil
}

// ListKeys は所有者の全鍵のメタデータを取得する。
func (s *KeyService) ListKeys(ctx context.Context, ownerID string) ([]*domain.KeyMetadata, error) {
	keys, err := s.repo.ListKeys(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}

	metadata := make([]*domain.KeyMetadata, len(keys))
	for i, k := range keys {
		metadata[i] = k.Metadata()
	}
	return metadata, nil
}

// Capabilities は利用可能な暗号方式を返す。
func (s *KeyService) Capabilities() *Capabilities {
	c := &Capabilities{
		PostQuantum:            s.suite.PQ.Available(),
		ClassicalFallback:      s.allowClassicalFallback,
		SealMode:               s.sealer.Mode(),
		KDF:                    crypto.KDFName,
		KDFIterations:          s.suite.KDF.Iterations(),
		SymmetricAlgorithms:    []domain.Algorithm{domain.AlgAES256GCM, domain.AlgChaCha20Poly1305},
		AsymmetricAlgorithms:   []domain.Algorithm{domain.AlgRSAOAEPHybrid},
		E2EEAlgorithms:         []domain.Algorithm{domain.AlgX25519Box},
		HashAlgorithms:         s.suite.Hash.Algorithms(),
		PostQuantumAlgorithms:  []domain.Algorithm{},
		SupportedContentMethod: []domain.EncryptionMethod{domain.MethodHybrid},
	}
	if c.PostQuantum {
		c.PostQuantumAlgorithms = []domain.Algorithm{s.suite.PQ.KEM(), s.suite.PQ.Signature()}
	}
	if c.PostQuantum || c.ClassicalFallback {
		c.SupportedContentMethod = append(c.SupportedContentMethod, domain.MethodPostQuantum)
	}
	return c
}

// Capabilities は暗号機能の状態を表す。
type Capabilities struct {
	PostQuantum            bool
	ClassicalFallback      bool
	SealMode               domain.SealMode
	KDF                    string
	KDFIterations          int
	SymmetricAlgorithms    []domain.Algorithm
	AsymmetricAlgorithms   []domain.Algorithm
	E2EEAlgorithms         []domain.Algorithm
	HashAlgorithms         []crypto.HashAlgorithm
	PostQuantumAlgorithms  []domain.Algorithm
	SupportedContentMethod []domain.EncryptionMethod
}
