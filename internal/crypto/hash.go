package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"content-protection-service/internal/domain"
)

// HashAlgorithm はハッシュアルゴリズムを表す。
type HashAlgorithm string

const (
	HashSHA256     HashAlgorithm = "sha256"
	HashSHA512     HashAlgorithm = "sha512"
	HashSHA3_256   HashAlgorithm = "sha3-256"
	HashSHA3_512   HashAlgorithm = "sha3-512"
	HashSHAKE256   HashAlgorithm = "shake256"
	HashBLAKE2b256 HashAlgorithm = "blake2b-256"
)

// shake256Size はSHAKE256の出力長（バイト）。
const shake256Size = 32

// HashEngine は一方向ハッシュと定数時間比較を提供する。
type HashEngine struct{}

// NewHashEngine は新しいHashEngineを生成する。
func NewHashEngine() *HashEngine {
	return &HashEngine{}
}

// Algorithms は対応するハッシュアルゴリズムを返す。
func (e *HashEngine) Algorithms() []HashAlgorithm {
	return []HashAlgorithm{HashSHA256, HashSHA512, HashSHA3_256, HashSHA3_512, HashSHAKE256, HashBLAKE2b256}
}

// Hash はデータのハッシュ値を16進文字列で返す。
func (e *HashEngine) Hash(data []byte, alg HashAlgorithm) (string, error) {
	switch alg {
	case HashSHAKE256:
		out := make([]byte, shake256Size)
		sha3.ShakeSum256(out, data)
		return hex.EncodeToString(out), nil
	case HashBLAKE2b256:
		sum := blake2b.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}

	h, err := newHash(alg)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newHash(alg HashAlgorithm) (hash.Hash, error) {
	switch alg {
	case HashSHA256:
		return sha256.New(), nil
	case HashSHA512:
		return sha512.New(), nil
	case HashSHA3_256:
		return sha3.New256(), nil
	case HashSHA3_512:
		return sha3.New512(), nil
	}
	return nil, fmt.Errorf("%w: hash %q", domain.ErrUnsupportedAlgorithm, alg)
}

// ConstantTimeEqual は比較時間が不一致位置に依存しない比較を行う。
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ConstantTimeEqualHex は16進文字列同士を定数時間で比較する。
func ConstantTimeEqualHex(a, b string) bool {
	return ConstantTimeEqual([]byte(a), []byte(b))
}

// Fingerprint は公開鍵のSHA-256フィンガープリントを返す。
func (e *HashEngine) Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// FileFingerprint はファイル内容の指紋を表す。
type FileFingerprint struct {
	SHA256     string    `json:"sha256"`
	SHA512     string    `json:"sha512"`
	Size       int64     `json:"size"`
	ComputedAt time.Time `json:"computed_at"`
}

// FileFingerprint はストリームを一度だけ読み、SHA-256とSHA-512を同時に計算する。
func (e *HashEngine) FileFingerprint(r io.Reader) (*FileFingerprint, error) {
	h256 := sha256.New()
	h512 := sha512.New()
	n, err := io.Copy(io.MultiWriter(h256, h512), r)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return &FileFingerprint{
		SHA256:     hex.EncodeToString(h256.Sum(nil)),
		SHA512:     hex.EncodeToString(h512.Sum(nil)),
		Size:       n,
		ComputedAt: time.Now().UTC(),
	}, nil
}
