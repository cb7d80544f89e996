package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"content-protection-service/internal/crypto"
	"content-protection-service/internal/domain"
)

// newTestSuite はテスト用に反復回数と鍵長を下げた暗号部品を生成する。
func newTestSuite(t *testing.T, pq crypto.PostQuantumBackend) *crypto.Suite {
	t.Helper()

	kdf, err := crypto.NewKeyDeriverWithIterations(crypto.MinIterations)
	if err != nil {
		t.Fatalf("failed to create key deriver: %v", err)
	}
	asym, err := crypto.NewAsymmetricCipher(crypto.MinRSABits)
	if err != nil {
		t.Fatalf("failed to create asymmetric cipher: %v", err)
	}
	suite, err := crypto.NewSuite(kdf, asym, pq)
	if err != nil {
		t.Fatalf("failed to create suite: %v", err)
	}
	return suite
}

func newTestPQBackend(t *testing.T) crypto.PostQuantumBackend {
	t.Helper()

	backend, err := crypto.NewCirclBackend(domain.AlgMLKEM768, domain.AlgMLDSA65)
	if err != nil {
		t.Fatalf("failed to create PQ backend: %v", err)
	}
	return backend
}

// mockKeyRepository はテスト用のインメモリ実装。
type mockKeyRepository struct {
	mu   sync.Mutex
	keys map[string]*domain.KeyMaterial

	activateErr   error
	activateFails int
	getErr        error
}

func newMockKeyRepository() *mockKeyRepository {
	return &mockKeyRepository{keys: make(map[string]*domain.KeyMaterial)}
}

func (m *mockKeyRepository) GetActiveKey(ctx context.Context, ownerID string, keyType domain.KeyType) (*domain.KeyMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, k := range m.keys {
		if k.OwnerID == ownerID && k.KeyType == keyType && k.IsActive() {
			c := *k
			return &c, nil
		}
	}
	return nil, nil
}

func (m *mockKeyRepository) GetKeyByID(ctx context.Context, id string) (*domain.KeyMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	k, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	c := *k
	return &c, nil
}

func (m *mockKeyRepository) ListKeys(ctx context.Context, ownerID string) ([]*domain.KeyMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.KeyMaterial
	for _, k := range m.keys {
		if k.OwnerID == ownerID {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockKeyRepository) ActivateKey(ctx context.Context, key *domain.KeyMaterial) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activateFails > 0 {
		m.activateFails--
		return "", domain.ErrConcurrentModification
	}
	if m.activateErr != nil {
		return "", m.activateErr
	}

	var superseded string
	var maxGen uint
	for _, k := range m.keys {
		if k.OwnerID != key.OwnerID || k.KeyType != key.KeyType {
			continue
		}
		if k.Generation > maxGen {
			maxGen = k.Generation
		}
		if k.IsActive() {
			k.Status = domain.KeyStatusSuperseded
			superseded = k.ID
		}
	}
	key.ID = uuid.New().String()
	key.Generation = maxGen + 1
	key.Status = domain.KeyStatusActive
	key.CreatedAt = time.Now()
	c := *key
	m.keys[key.ID] = &c
	return superseded, nil
}

func (m *mockKeyRepository) RevokeActiveKey(ctx context.Context, ownerID string, keyType domain.KeyType, at time.Time) (*domain.KeyMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.OwnerID == ownerID && k.KeyType == keyType && k.IsActive() {
			k.Status = domain.KeyStatusRevoked
			k.RevokedAt = &at
			c := *k
			return &c, nil
		}
	}
	return nil, nil
}

// mockAuditRecorder は記録されたエントリを保持する。
type mockAuditRecorder struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
	err     error
}

func (m *mockAuditRecorder) Record(ctx context.Context, action domain.AuditAction, actorID string, resource domain.Resource, metadata map[string]any) (*domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	e := &domain.AuditEntry{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		ActorID:      actorID,
		Action:       action,
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		Metadata:     metadata,
	}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *mockAuditRecorder) actions() []domain.AuditAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditAction, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Action
	}
	return out
}

func (m *mockAuditRecorder) last() *domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	return m.entries[len(m.entries)-1]
}

// mockContentRepository はテスト用のインメモリ実装。
// grants を設定すると CreateContent が受信者の許可も同時に保存する。
type mockContentRepository struct {
	contents map[string]*domain.EncryptedContent
	keys     map[string]*domain.ContentKey
	grants   *mockGrantRepository
	err      error
}

func newMockContentRepository() *mockContentRepository {
	return &mockContentRepository{
		contents: make(map[string]*domain.EncryptedContent),
		keys:     make(map[string]*domain.ContentKey),
	}
}

func (m *mockContentRepository) CreateContent(ctx context.Context, content *domain.EncryptedContent, keys []*domain.ContentKey, grants []*domain.AccessGrant) error {
	if m.err != nil {
		return m.err
	}
	// トランザクションと同様に、許可を保存できない場合は何も保存しない
	if len(grants) > 0 && m.grants != nil && m.grants.createErr != nil {
		return m.grants.createErr
	}
	content.ID = uuid.New().String()
	content.CreatedAt = time.Now()
	m.contents[content.ID] = content
	for _, k := range keys {
		k.ContentID = content.ID
		m.keys[k.ContentID+"/"+k.GranteeID] = k
	}
	for _, g := range grants {
		g.ResourceID = content.ID
		if m.grants != nil {
			if err := m.grants.CreateGrant(ctx, g); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *mockContentRepository) GetContent(ctx context.Context, id string) (*domain.EncryptedContent, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.contents[id], nil
}

func (m *mockContentRepository) GetContentKey(ctx context.Context, contentID, granteeID string) (*domain.ContentKey, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.keys[contentID+"/"+granteeID], nil
}

func (m *mockContentRepository) PutContentKey(ctx context.Context, key *domain.ContentKey) error {
	if m.err != nil {
		return m.err
	}
	m.keys[key.ContentID+"/"+key.GranteeID] = key
	return nil
}

// mockGrantRepository はテスト用のインメモリ実装。
type mockGrantRepository struct {
	grants    map[string]*domain.AccessGrant
	createErr error
}

func newMockGrantRepository() *mockGrantRepository {
	return &mockGrantRepository{grants: make(map[string]*domain.AccessGrant)}
}

func (m *mockGrantRepository) GetAccessGrant(ctx context.Context, resourceID, granteeID string) (*domain.AccessGrant, error) {
	g, ok := m.grants[resourceID+"/"+granteeID]
	if !ok || !g.IsActive {
		return nil, nil
	}
	return g, nil
}

func (m *mockGrantRepository) CreateGrant(ctx context.Context, grant *domain.AccessGrant) error {
	if m.createErr != nil {
		return m.createErr
	}
	grant.ID = uuid.New().String()
	grant.GrantedAt = time.Now()
	grant.IsActive = true
	m.grants[grant.ResourceID+"/"+grant.GranteeID] = grant
	return nil
}

func (m *mockGrantRepository) RevokeGrant(ctx context.Context, resourceID, granteeID string) (bool, error) {
	g, ok := m.grants[resourceID+"/"+granteeID]
	if !ok || !g.IsActive {
		return false, nil
	}
	g.IsActive = false
	return true, nil
}

// mockMessageRepository はテスト用のインメモリ実装。
type mockMessageRepository struct {
	mu       sync.Mutex
	messages map[string]*domain.SecureMessage
	order    []string
	err      error
}

func newMockMessageRepository() *mockMessageRepository {
	return &mockMessageRepository{messages: make(map[string]*domain.SecureMessage)}
}

func (m *mockMessageRepository) CreateMessage(ctx context.Context, msg *domain.SecureMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = uuid.New().String()
	msg.CreatedAt = time.Now()
	c := *msg
	m.messages[msg.ID] = &c
	m.order = append(m.order, msg.ID)
	return nil
}

func (m *mockMessageRepository) GetMessage(ctx context.Context, id string) (*domain.SecureMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, nil
	}
	c := *msg
	return &c, nil
}

func (m *mockMessageRepository) MarkRead(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[id]; ok && msg.Status == domain.MessageStatusSent {
		msg.Status = domain.MessageStatusRead
		msg.ReadAt = &at
	}
	return nil
}

func (m *mockMessageRepository) Burn(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Status != domain.MessageStatusSent {
		return false, nil
	}
	msg.Status = domain.MessageStatusBurned
	msg.Envelope = nil
	msg.ReadAt = &at
	return true, nil
}

func (m *mockMessageRepository) ListForRecipient(ctx context.Context, recipientID string, limit int) ([]*domain.SecureMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*domain.SecureMessage
	for i := len(m.order) - 1; i >= 0; i-- {
		msg := m.messages[m.order[i]]
		if msg.RecipientID != recipientID {
			continue
		}
		c := *msg
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
