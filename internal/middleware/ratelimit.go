package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pmylund/go-cache"
	"golang.org/x/time/rate"

	"content-protection-service/internal/threat"
	"content-protection-service/pkg/httputil"
)

// RatePolicy はクライアント毎のトークンバケットの設定。
type RatePolicy struct {
	Name   string
	Limit  rate.Limit
	Burst  int
	Window time.Duration
}

// 既定のポリシー
var (
	DefaultPolicy = RatePolicy{Name: "default", Limit: rate.Every(time.Minute / 100), Burst: 100, Window: time.Minute}
	KeyPolicy     = RatePolicy{Name: "keys", Limit: rate.Every(time.Minute / 5), Burst: 5, Window: time.Minute}
	APIPolicy     = RatePolicy{Name: "api", Limit: rate.Every(time.Hour / 1000), Burst: 1000, Window: time.Hour}
)

// RateLimiter はクライアントIP毎にポリシー別のトークンバケットを保持する。
// 一定時間使われていないバケットはキャッシュから期限切れで破棄される。
type RateLimiter struct {
	buckets  *cache.Cache
	classify func(r *http.Request) []RatePolicy
}

// NewRateLimiter は既定の分類でRateLimiterを生成する。
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets:  cache.New(2*time.Hour, 10*time.Minute),
		classify: policiesFor,
	}
}

// policiesFor はリクエストに適用するポリシーを返す。
// 全リクエストに default、/v1/ 以下に api、鍵の生成・失効に keys を適用する。
func policiesFor(r *http.Request) []RatePolicy {
	policies := []RatePolicy{DefaultPolicy}
	if strings.HasPrefix(r.URL.Path, "/v1/") {
		policies = append(policies, APIPolicy)
	}
	if isKeyMutation(r) {
		policies = append(policies, KeyPolicy)
	}
	return policies
}

// retryAfter はトークンが1つ補充されるまでの秒数を返す。
func (p RatePolicy) retryAfter() int {
	return int(math.Ceil((p.Window / time.Duration(p.Burst)).Seconds()))
}

func isKeyMutation(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return false
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	return len(parts) >= 4 && parts[0] == "v1" && parts[1] == "users" && parts[3] == "keys"
}

// Allow はクライアントのリクエストを許可するかどうかを返す。拒否した場合はそのポリシーを返す。
func (l *RateLimiter) Allow(clientID string, policies []RatePolicy) (RatePolicy, bool) {
	for _, p := range policies {
		if !l.bucket(clientID, p).Allow() {
			return p, false
		}
	}
	return RatePolicy{}, true
}

func (l *RateLimiter) bucket(clientID string, p RatePolicy) *rate.Limiter {
	key := p.Name + "|" + clientID
	if v, ok := l.buckets.Get(key); ok {
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(p.Limit, p.Burst)
	// 同時に作成された場合は先に登録されたバケットを使う
	if err := l.buckets.Add(key, limiter, cache.DefaultExpiration); err != nil {
		if v, ok := l.buckets.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return limiter
}

// Handler はミドルウェアとしてレート制限を適用する。
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := l.Allow(threat.ClientIP(r), l.classify(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(p.retryAfter()))
			httputil.Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
