package crypto

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"content-protection-service/internal/domain"
)

const (
	// KDFName は保存データに記録する導出方式名。
	KDFName = "PBKDF2-HMAC-SHA256"
	// DefaultIterations は新規に導出する際の反復回数。
	DefaultIterations = 600000
	// MinIterations は受け入れる最小の反復回数。
	MinIterations = 100000
	// SaltSize はソルト長（バイト）。
	SaltSize = 16
	// DerivedKeySize は導出する鍵長（バイト）。
	DerivedKeySize = 32
)

// KeyDeriver はパスワードから鍵を導出する。
// 反復回数は生成時に固定され、呼び出し側から指定することはできない。
type KeyDeriver struct {
	iterations int
}

// NewKeyDeriver は既定の反復回数でKeyDeriverを生成する。
func NewKeyDeriver() *KeyDeriver {
	return &KeyDeriver{iterations: DefaultIterations}
}

// NewKeyDeriverWithIterations は反復回数を指定してKeyDeriverを生成する。
func NewKeyDeriverWithIterations(iterations int) (*KeyDeriver, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: %d iterations is below the minimum of %d", domain.ErrUnsupportedAlgorithm, iterations, MinIterations)
	}
	return &KeyDeriver{iterations: iterations}, nil
}

// Iterations は反復回数を返す。
func (d *KeyDeriver) Iterations() int {
	return d.iterations
}

// Derive はパスワードから鍵を導出する。saltがnilの場合は新しいソルトを生成して返す。
func (d *KeyDeriver) Derive(password, salt []byte) (key, usedSalt []byte, err error) {
	return d.derive(password, salt, d.iterations)
}

// Rederive は保存済みのソルトと反復回数で鍵を再導出する。
// 最小値を下回る反復回数はダウングレードとみなして拒否する。
func (d *KeyDeriver) Rederive(password, salt []byte, iterations int) ([]byte, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: %d iterations is below the minimum of %d", domain.ErrUnsupportedAlgorithm, iterations, MinIterations)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes", domain.ErrInvalidKeyLength, SaltSize)
	}
	key, _, err := d.derive(password, salt, iterations)
	return key, err
}

func (d *KeyDeriver) derive(password, salt []byte, iterations int) ([]byte, []byte, error) {
	if salt == nil {
		var err error
		salt, err = randomBytes(SaltSize)
		if err != nil {
			return nil, nil, err
		}
	}
	key := pbkdf2.Key(password, salt, iterations, DerivedKeySize, sha256.New)
	return key, salt, nil
}
