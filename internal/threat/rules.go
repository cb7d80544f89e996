package threat

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultFrequencyThreshold はウィンドウ内で許容するリクエスト数。
	DefaultFrequencyThreshold = 100
	// DefaultFrequencyWindowSeconds は頻度を数えるウィンドウの長さ（秒）。
	DefaultFrequencyWindowSeconds = 60
)

// Rules は検知ルールを表す。ルールファイルの内容は既定のルールに追加される。
type Rules struct {
	Blacklist              []string `yaml:"blacklist"`
	SuspiciousUserAgents   []string `yaml:"suspicious_user_agents"`
	MaliciousPaths         []string `yaml:"malicious_paths"`
	MaliciousQuery         []string `yaml:"malicious_query"`
	MaliciousBody          []string `yaml:"malicious_body"`
	FrequencyThreshold     int      `yaml:"frequency_threshold"`
	FrequencyWindowSeconds int      `yaml:"frequency_window_seconds"`
}

// DefaultRules は既定の検知ルールを返す。
func DefaultRules() Rules {
	return Rules{
		Blacklist: []string{"0.0.0.0"},
		SuspiciousUserAgents: []string{
			`sqlmap`, `nikto`, `dirb`, `nmap`, `masscan`, `zap`, `burp`, `havij`,
			`acunetix`, `nessus`, `openvas`, `w3af`, `skipfish`, `grabber`,
			`wpscan`, `joomscan`, `python-requests`, `curl/`, `wget/`, `httperf`, `ab/`,
		},
		MaliciousPaths: []string{
			`/admin/config\.php`, `/wp-admin/`, `/phpmyadmin/`, `/\.git/`, `/\.env`,
			`/config/`, `/backup/`, `/test/`, `/temp/`, `/debug/`,
		},
		MaliciousQuery: []string{
			`cmd=`, `exec=`, `command=`, `shell=`, `system=`, `passwd`, `/etc/`,
			`ping\s+`, `nslookup\s+`,
		},
		MaliciousBody: []string{
			`<\?php`, `<%\s*eval`, `system\s*\(`, `exec\s*\(`, `shell_exec\s*\(`, `passthru\s*\(`,
		},
		FrequencyThreshold:     DefaultFrequencyThreshold,
		FrequencyWindowSeconds: DefaultFrequencyWindowSeconds,
	}
}

// LoadRules はYAMLのルールファイルを読み込み、既定のルールに追加する。
// pathが空の場合は既定のルールを返す。
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading threat rules: %w", err)
	}
	var extra Rules
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return Rules{}, fmt.Errorf("parsing threat rules: %w", err)
	}
	return rules.Merge(extra), nil
}

// Merge は other のルールを追加したルールを返す。閾値は other に値がある場合のみ上書きする。
func (r Rules) Merge(other Rules) Rules {
	merged := Rules{
		Blacklist:              appendUnique(r.Blacklist, other.Blacklist),
		SuspiciousUserAgents:   appendUnique(r.SuspiciousUserAgents, other.SuspiciousUserAgents),
		MaliciousPaths:         appendUnique(r.MaliciousPaths, other.MaliciousPaths),
		MaliciousQuery:         appendUnique(r.MaliciousQuery, other.MaliciousQuery),
		MaliciousBody:          appendUnique(r.MaliciousBody, other.MaliciousBody),
		FrequencyThreshold:     r.FrequencyThreshold,
		FrequencyWindowSeconds: r.FrequencyWindowSeconds,
	}
	if other.FrequencyThreshold > 0 {
		merged.FrequencyThreshold = other.FrequencyThreshold
	}
	if other.FrequencyWindowSeconds > 0 {
		merged.FrequencyWindowSeconds = other.FrequencyWindowSeconds
	}
	return merged
}

func appendUnique(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]struct{}, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
