package domain

import (
	"sort"
	"time"
)

// IndicatorKind は脅威検知の指標種別を表す。
type IndicatorKind string

const (
	IndicatorMaliciousPatterns   IndicatorKind = "malicious_patterns"
	IndicatorSQLInjection        IndicatorKind = "sql_injection"
	IndicatorXSSAttempt          IndicatorKind = "xss_attempt"
	IndicatorPathTraversal       IndicatorKind = "path_traversal"
	IndicatorBlacklistedIP       IndicatorKind = "blacklisted_ip"
	IndicatorSuspiciousUserAgent IndicatorKind = "suspicious_user_agent"
	IndicatorHighFrequency       IndicatorKind = "high_frequency"
	IndicatorUnusualPatterns     IndicatorKind = "unusual_patterns"
)

// MaxRiskScore はリスクスコアの上限。
const MaxRiskScore = 10.0

// RiskAssessment はリクエストのリスク評価結果を表す。永続化はしない。
type RiskAssessment struct {
	Indicators   map[IndicatorKind]struct{}
	Score        float64
	IsSuspicious bool
}

// Has は指標が含まれているかどうかを返す。
func (a RiskAssessment) Has(kind IndicatorKind) bool {
	_, ok := a.Indicators[kind]
	return ok
}

// IndicatorList は指標を名前順で返す。
func (a RiskAssessment) IndicatorList() []string {
	list := make([]string, 0, len(a.Indicators))
	for k := range a.Indicators {
		list = append(list, string(k))
	}
	sort.Strings(list)
	return list
}

// IncidentSeverity はセキュリティインシデントの深刻度を表す。
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "low"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

// SeverityForScore はリスクスコアから深刻度を求める。
func SeverityForScore(score float64) IncidentSeverity {
	switch {
	case score >= 9:
		return SeverityCritical
	case score >= 7:
		return SeverityHigh
	case score >= 5:
		return SeverityMedium
	}
	return SeverityLow
}

// SecurityIncident は不審なリクエストから起票されたインシデントを表す。
type SecurityIncident struct {
	ID         string
	IncidentID string
	Severity   IncidentSeverity
	ClientIP   string
	Method     string
	Path       string
	Indicators []string
	RiskScore  float64
	Status     string
	CreatedAt  time.Time
}
