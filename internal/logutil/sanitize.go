package logutil

import "strings"

// SanitizeForLog flattens user-provided strings to a single line so that a
// username or container name cannot forge extra log entries.
func SanitizeForLog(s string) string {
	s = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(s)
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Redact replaces every occurrence of each non-empty secret in s with "****".
// Subprocess output (ssh, sshpass) is passed through Redact before it is
// logged or wrapped into an error.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "****")
	}
	return s
}

// Tail returns at most the last n bytes of s, prefixed with "..." when
// truncated. Used to keep captured stderr out of log lines in full.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
