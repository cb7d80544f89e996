// Package crypto は鍵生成と暗号化・復号の基本部品を提供する。
// 各部品は入力のみに依存し、並行に呼び出しても共有状態を持たない。
package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
)

// Zeroize はバッファの内容を消去する。
// 復号済みの秘密鍵や一時鍵は使用後に必ず呼び出すこと。
func Zeroize(bufs ...[]byte) {
	for _, b := range bufs {
		if len(b) > 0 {
			memguard.WipeBytes(b)
		}
	}
}

// randomBytes は暗号論的乱数でnバイトを生成する。
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}
