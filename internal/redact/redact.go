// Package redact scrubs secrets and control characters from log output.
package redact

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

var (
	basicAuthPattern      = regexp.MustCompile(`://[^/@]+@`)
	sensitiveParamPattern = regexp.MustCompile(`(?i)([?&#])(token|key|secret|password|auth|access_token|api_key)=[^&#\s]*`)
)

// Redactor sanitizes strings before they reach a log sink.
// Safe for concurrent use.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// New creates a Redactor that also masks the given literal secrets.
func New(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		r.AddSecret(s)
	}
	return r
}

// AddSecret registers a literal value to mask. Empty values are ignored.
func (r *Redactor) AddSecret(secret string) {
	if secret == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = append(r.secrets, secret)
}

// String returns s with secrets masked and control characters escaped.
// Values starting with a spreadsheet formula prefix are returned quoted.
func (r *Redactor) String(s string) string {
	r.mu.RLock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	r.mu.RUnlock()

	if strings.Contains(s, "://") {
		s = basicAuthPattern.ReplaceAllString(s, "://"+Placeholder+"@")
	}
	if strings.ContainsAny(s, "?&#") {
		s = sensitiveParamPattern.ReplaceAllString(s, "${1}${2}="+Placeholder)
	}

	escaped := escapeControl(s)
	if s != "" && strings.ContainsRune("=+-@", rune(s[0])) {
		return "'" + escaped + "'"
	}
	return escaped
}

// Error is String applied to err.Error(). A nil error yields "".
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.String(err.Error())
}

func escapeControl(s string) string {
	clean := true
	for _, c := range s {
		if c == '\\' || !strconv.IsPrint(c) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, c := range s {
		switch {
		case c == '\\':
			b.WriteString(`\\`)
		case strconv.IsPrint(c):
			b.WriteRune(c)
		default:
			q := strconv.QuoteRuneToASCII(c)
			b.WriteString(q[1 : len(q)-1])
		}
	}
	return b.String()
}
