package evalrun

import (
	"regexp"
	"strings"

	"github.com/ashita-ai/kensa/internal/model"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`kn_[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|token|password|secret)\s*[=:]\s*\S+`),
	regexp.MustCompile(`(?i)postgres(ql)?://[^\s]+`),
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Sanitize prepares an error message for persistence: credentials are
// redacted, whitespace is collapsed, and the result is capped at
// model.MaxErrorMessageLen characters.
func Sanitize(msg string) string {
	for _, re := range secretPatterns {
		msg = re.ReplaceAllStringFunc(msg, func(m string) string {
			if key, _, ok := strings.Cut(m, "="); ok && !strings.HasPrefix(m, "postgres") {
				return key + "=[REDACTED]"
			}
			if key, _, ok := strings.Cut(m, ":"); ok && !strings.Contains(m, "://") {
				return key + ": [REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	msg = strings.TrimSpace(whitespaceRe.ReplaceAllString(msg, " "))
	if msg == "" {
		return "unknown error"
	}
	r := []rune(msg)
	if len(r) > model.MaxErrorMessageLen {
		return string(r[:model.MaxErrorMessageLen-3]) + "..."
	}
	return msg
}
