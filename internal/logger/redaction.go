package logger

import (
	"io"
	"regexp"
	"sync"
)

const redacted = "[REDACTED]"

// rule is one pattern and its replacement template.
type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials in log output.
type Redactor struct {
	mu    sync.RWMutex
	rules []rule
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// Authorization headers
			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`), redacted},

			// Credentials embedded in endpoint URLs, keeping the scheme
			{regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://)[^/\s:@"]+(?::[^/\s@"]*)?@`), "${1}" + redacted + "@"},

			// token fields in JSON and key=value form
			{regexp.MustCompile(`(?i)"(token|public_token|advertised_token)"\s*:\s*"[^"]*"`), `"${1}":"` + redacted + `"`},
			{regexp.MustCompile(`(?i)\b(token|public_token)=[^\s&"]+`), "${1}=" + redacted},

			// Generic secrets
			{regexp.MustCompile(`secret["\s:=]+[^\s"]+`), redacted},
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.add(rule{re, redacted})
	return nil
}

// AddSecret masks every occurrence of a literal value. Short values are
// ignored so that common substrings are not masked.
func (r *Redactor) AddSecret(secret string) {
	if len(secret) < 4 {
		return
	}
	r.add(rule{regexp.MustCompile(regexp.QuoteMeta(secret)), redacted})
}

func (r *Redactor) add(ru rule) {
	r.mu.Lock()
	r.rules = append(r.rules, ru)
	r.mu.Unlock()
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := s
	for _, ru := range r.rules {
		result = ru.re.ReplaceAllString(result, ru.repl)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since the redacted line may be shorter.
func (w *redactingWriter) Write(p []byte) (n int, err error) {
	out := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(out)); err != nil {
		return 0, err
	}
	return len(p), nil
}
