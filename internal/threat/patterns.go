package threat

import (
	"net/http"
	"regexp"
)

// 注入系のシグネチャはルールファイルで変更できない固定値。
var (
	sqlInjectionPatterns = regexp.MustCompile(`(?i)` +
		`'\s*(or|and)\s+'?\w*'?\s*=` +
		`|'\s*(;|--)` +
		`|union(\s+all)?\s+select` +
		`|\b(insert\s+into|delete\s+from|drop\s+(table|database)|alter\s+table|truncate\s+table)\b` +
		`|\b(exec|execute)\s*\(` +
		`|\b(sleep|benchmark)\s*\(`)

	xssPatterns = regexp.MustCompile(`(?i)` +
		`<\s*script` +
		`|(java|vb)script\s*:` +
		`|on(load|error|click|mouseover)\s*=` +
		`|<\s*(iframe|object|embed)` +
		`|\b(eval|alert)\s*\(`)

	pathTraversalPatterns = regexp.MustCompile(`(?i)` +
		`\.\./` +
		`|\.\.\\` +
		`|%2e%2e(%2f|%5c)` +
		`|\.\.(%2f|%5c)`)
)

var standardMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

// spoofingHeaders はクライアントIPの詐称に使われるヘッダー。
var spoofingHeaders = []string{
	"X-Originating-IP",
	"X-Forwarded-Server",
	"X-Remote-IP",
	"X-Remote-Addr",
	"X-Cluster-Client-IP",
}
