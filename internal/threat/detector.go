// Package threat はリクエストとレスポンスのメタデータからリスクを評価する。
// 評価結果を報告するのみで、遮断するかどうかは呼び出し側が決める。
package threat

import (
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"content-protection-service/internal/domain"
)

// Weights は指標毎のスコアへの寄与。
var Weights = map[domain.IndicatorKind]float64{
	domain.IndicatorMaliciousPatterns:   4,
	domain.IndicatorSQLInjection:        5,
	domain.IndicatorXSSAttempt:          4,
	domain.IndicatorPathTraversal:       3,
	domain.IndicatorBlacklistedIP:       6,
	domain.IndicatorSuspiciousUserAgent: 2,
	domain.IndicatorHighFrequency:       2,
	domain.IndicatorUnusualPatterns:     1,
}

// Request は評価対象のリクエストを表す。
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	ClientIP string
	// RecentRequests は同一クライアントのウィンドウ内でこれより前に受けたリクエスト数。
	RecentRequests int
}

// Response は評価対象のレスポンスを表す。
type Response struct {
	StatusCode int
}

// Scorer はルールに基づいてリスクを評価する。評価は入力のみに依存する。
type Scorer struct {
	blacklist  map[string]struct{}
	userAgents []*regexp.Regexp
	paths      []*regexp.Regexp
	query      []*regexp.Regexp
	body       []*regexp.Regexp
	threshold  int
}

// NewScorer はルールからScorerを生成する。
func NewScorer(rules Rules) (*Scorer, error) {
	s := &Scorer{
		blacklist: make(map[string]struct{}, len(rules.Blacklist)),
		threshold: rules.FrequencyThreshold,
	}
	if s.threshold <= 0 {
		s.threshold = DefaultFrequencyThreshold
	}
	for _, ip := range rules.Blacklist {
		s.blacklist[ip] = struct{}{}
	}

	var err error
	if s.userAgents, err = compileAll(rules.SuspiciousUserAgents); err != nil {
		return nil, err
	}
	if s.paths, err = compileAll(rules.MaliciousPaths); err != nil {
		return nil, err
	}
	if s.query, err = compileAll(rules.MaliciousQuery); err != nil {
		return nil, err
	}
	if s.body, err = compileAll(rules.MaliciousBody); err != nil {
		return nil, err
	}
	return s, nil
}

// IsBlacklisted はIPアドレスがブラックリストに含まれるかどうかを返す。
func (s *Scorer) IsBlacklisted(ip string) bool {
	_, ok := s.blacklist[ip]
	return ok
}

// Assess はリクエストとレスポンスからリスクを評価する。
func (s *Scorer) Assess(req Request, resp Response) domain.RiskAssessment {
	indicators := make(map[domain.IndicatorKind]struct{})
	for _, kind := range s.detect(req) {
		indicators[kind] = struct{}{}
	}

	score := 0.0
	for kind := range indicators {
		score += Weights[kind]
	}
	if resp.StatusCode >= 400 {
		score += 1
	}
	if resp.StatusCode == http.StatusForbidden {
		score += 2
	}
	if resp.StatusCode >= 500 {
		score += 3
	}
	if score > domain.MaxRiskScore {
		score = domain.MaxRiskScore
	}

	return domain.RiskAssessment{
		Indicators:   indicators,
		Score:        score,
		IsSuspicious: len(indicators) > 0,
	}
}

// Blocking はハンドラーの実行前に遮断の対象となる指標を返す。
// 対象はブラックリストと既知の攻撃パターンのみ。
func (s *Scorer) Blocking(req Request) (domain.IndicatorKind, bool) {
	if s.IsBlacklisted(req.ClientIP) {
		return domain.IndicatorBlacklistedIP, true
	}
	if s.maliciousPatterns(req) {
		return domain.IndicatorMaliciousPatterns, true
	}
	return "", false
}

func (s *Scorer) detect(req Request) []domain.IndicatorKind {
	var found []domain.IndicatorKind

	target := decodedTarget(req)
	body := bodyText(req.Body)

	if s.maliciousPatterns(req) {
		found = append(found, domain.IndicatorMaliciousPatterns)
	}
	if sqlInjectionPatterns.MatchString(target) || sqlInjectionPatterns.MatchString(body) {
		found = append(found, domain.IndicatorSQLInjection)
	}
	if xssPatterns.MatchString(target) || xssPatterns.MatchString(body) {
		found = append(found, domain.IndicatorXSSAttempt)
	}
	if pathTraversalPatterns.MatchString(strings.ToLower(req.Path+"?"+req.RawQuery)) || pathTraversalPatterns.MatchString(target) {
		found = append(found, domain.IndicatorPathTraversal)
	}
	if s.IsBlacklisted(req.ClientIP) {
		found = append(found, domain.IndicatorBlacklistedIP)
	}
	if ua := req.Header.Get("User-Agent"); ua != "" && matchAny(s.userAgents, strings.ToLower(ua)) {
		found = append(found, domain.IndicatorSuspiciousUserAgent)
	}
	if req.RecentRequests > s.threshold {
		found = append(found, domain.IndicatorHighFrequency)
	}
	if unusual(req) {
		found = append(found, domain.IndicatorUnusualPatterns)
	}
	return found
}

func (s *Scorer) maliciousPatterns(req Request) bool {
	if matchAny(s.paths, strings.ToLower(decode(req.Path, url.PathUnescape))) {
		return true
	}
	if matchAny(s.query, strings.ToLower(decode(req.RawQuery, url.QueryUnescape))) {
		return true
	}
	return matchAny(s.body, bodyText(req.Body))
}

func unusual(req Request) bool {
	if _, ok := standardMethods[req.Method]; !ok {
		return true
	}
	for _, h := range spoofingHeaders {
		if req.Header.Get(h) != "" {
			return true
		}
	}
	return req.Method == http.MethodPost && req.Header.Get("Content-Type") == ""
}

// decodedTarget はデコード済みのパスとクエリを小文字で返す。
func decodedTarget(req Request) string {
	target := decode(req.Path, url.PathUnescape)
	if req.RawQuery != "" {
		target += "?" + decode(req.RawQuery, url.QueryUnescape)
	}
	return strings.ToLower(target)
}

func decode(s string, unescape func(string) (string, error)) string {
	decoded, err := unescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// bodyText はUTF-8として解釈できる本文のみを返す。バイナリは検査しない。
func bodyText(body []byte) string {
	if len(body) == 0 || !utf8.Valid(body) {
		return ""
	}
	return strings.ToLower(string(body))
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	if s == "" {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Detector は頻度の計測とリスク評価を組み合わせる。
type Detector struct {
	scorer  *Scorer
	tracker *FrequencyTracker
}

// NewDetector はルールからDetectorを生成する。
func NewDetector(rules Rules) (*Detector, error) {
	scorer, err := NewScorer(rules)
	if err != nil {
		return nil, err
	}
	window := time.Duration(rules.FrequencyWindowSeconds) * time.Second
	if window <= 0 {
		window = DefaultFrequencyWindowSeconds * time.Second
	}
	return &Detector{scorer: scorer, tracker: NewFrequencyTracker(window)}, nil
}

// Scorer はリスク評価に使うScorerを返す。
func (d *Detector) Scorer() *Scorer {
	return d.scorer
}

// Observe はクライアントのリクエストを計測し、ウィンドウ内でそれより前に受けた件数を返す。
func (d *Detector) Observe(clientIP string) int {
	return d.tracker.Observe(clientIP) - 1
}

// Inspect はリクエストを計測してからリスクを評価する。
func (d *Detector) Inspect(req Request, resp Response) domain.RiskAssessment {
	req.RecentRequests = d.Observe(req.ClientIP)
	return d.scorer.Assess(req, resp)
}

// ClientIP はリクエスト元のIPアドレスを返す。
// X-Forwarded-For がある場合は最初の値を使う。
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestFromHTTP はHTTPリクエストから評価対象のRequestを組み立てる。本文は呼び出し側が読み取って渡す。
func RequestFromHTTP(r *http.Request, body []byte) Request {
	return Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
		ClientIP: ClientIP(r),
	}
}
