package threat

import (
	"sync"
	"time"

	"github.com/pmylund/go-cache"
)

// FrequencyTracker はクライアント毎のリクエスト数を固定ウィンドウで数える。
// ウィンドウは各クライアントの最初のリクエストから始まり、クライアント毎に独立してリセットされる。
type FrequencyTracker struct {
	mu     sync.Mutex
	counts *cache.Cache
	window time.Duration
}

// NewFrequencyTracker は新しいFrequencyTrackerを生成する。
func NewFrequencyTracker(window time.Duration) *FrequencyTracker {
	return &FrequencyTracker{
		counts: cache.New(window, 2*window),
		window: window,
	}
}

// Observe はクライアントのリクエストを記録し、現在のウィンドウ内の件数（今回を含む）を返す。
func (f *FrequencyTracker) Observe(clientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.counts.IncrementInt(clientID, 1)
	if err != nil {
		// 期限切れまたは未登録のため新しいウィンドウを開始する
		f.counts.Set(clientID, 1, f.window)
		return 1
	}
	return n
}

// Count は現在のウィンドウ内の件数を返す。
func (f *FrequencyTracker) Count(clientID string) int {
	v, ok := f.counts.Get(clientID)
	if !ok {
		return 0
	}
	n, _ := v.(int)
	return n
}
