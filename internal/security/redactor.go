// Package security provides secret redaction for logs and debug payload
// dumps, and the sliding-window rate limiter used for tool calls.
package security

import (
	"regexp"
	"strings"
	"sync"
)

// RedactPlaceholder is the replacement string for redacted secrets in logs.
const RedactPlaceholder = "***REDACTED***"

// Redactor replaces secret values in strings with a redaction placeholder.
// It supports both regex pattern matching (for known API key formats) and
// literal value matching (for credentials loaded from agent config).
// All methods are safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals []string
}

// NewRedactor creates a Redactor pre-loaded with default patterns for
// common API key formats.
func NewRedactor() *Redactor {
	return &Redactor{patterns: defaultPatterns()}
}

// AddLiteral adds a literal secret value that should be redacted on sight.
// Empty and very short strings are ignored to avoid false positives.
func (r *Redactor) AddLiteral(secret string) {
	if len(secret) < 8 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literals = append(r.literals, secret)
}

// Redact replaces all known secret patterns and literal values in s.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}

	r.mu.RLock()
	patterns := r.patterns
	literals := r.literals
	r.mu.RUnlock()

	for _, p := range patterns {
		s = p.ReplaceAllString(s, RedactPlaceholder)
	}
	for _, lit := range literals {
		if strings.Contains(s, lit) {
			s = strings.ReplaceAll(s, lit, RedactPlaceholder)
		}
	}
	return s
}

// defaultPatterns returns compiled regex patterns for common API key formats.
func defaultPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		// OpenAI-style keys.
		regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
		// Anthropic keys.
		regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{20,}`),
		// GitHub tokens.
		regexp.MustCompile(`(ghp_|gho_|ghs_|github_pat_)[a-zA-Z0-9_]{20,}`),
		// AWS access key ids.
		regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
		// Bearer headers.
		regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]{16,}`),
	}
}
