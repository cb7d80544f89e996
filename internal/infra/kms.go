package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"content-protection-service/internal/domain"
)

// KMSSealer はパスワードで保護済みの秘密鍵ブロブをCloud KMSでさらに封印する。
type KMSSealer struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSSealer は指定された鍵名でKMSSealerを生成する。
func NewKMSSealer(ctx context.Context, keyName string) (*KMSSealer, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSSealer{
		client:  client,
		keyName: keyName,
	}, nil
}

// Mode は封印方式を返す。
func (s *KMSSealer) Mode() domain.SealMode {
	return domain.SealModeCloudKMS
}

// Seal は平文をCloud KMSで暗号化する。
func (s *KMSSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      s.keyName,
		Plaintext: plaintext,
	}
	resp, err := s.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sealing with KMS: %w", err)
	}
	return resp.Ciphertext, nil
}

// Open は暗号文をCloud KMSで復号する。
func (s *KMSSealer) Open(ctx context.Context, ciphertext []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       s.keyName,
		Ciphertext: ciphertext,
	}
	resp, err := s.client.Decrypt(ctx, req)
	if err != nil {
		return nil, openError(err)
	}
	return resp.Plaintext, nil
}

// openError はKMSの復号エラーを分類する。
// 暗号文が不正な場合のみ復元失敗とし、通信や権限のエラーはそのまま返す。
func openError(err error) error {
	if status.Code(err) == codes.InvalidArgument {
		return fmt.Errorf("%w: opening with KMS: %v", domain.ErrKeyUnwrapFailed, err)
	}
	return fmt.Errorf("opening with KMS: %w", err)
}

// Close はKMSクライアントを閉じる。
func (s *KMSSealer) Close() error {
	return s.client.Close()
}
