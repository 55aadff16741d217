package logging

import (
	"regexp"
)

const (
	// MaxQueryLogLength is the longest query text written to a log line.
	MaxQueryLogLength = 100
	// RedactedText replaces anything that looks like a credential.
	RedactedText = "[REDACTED]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var (
	// key=value credentials in libpq-style DSNs and ADO-style strings (password=, pwd=, pass=)
	keyValueCredential = redaction{
		pattern:     regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`),
		replacement: "${1}=" + RedactedText,
	}

	// userinfo in postgres:// and amqp:// URLs
	urlUserinfo = redaction{
		pattern:     regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`),
		replacement: "://" + RedactedText + "@" + RedactedText,
	}

	// AMQP PLAIN auth responses echoed back by brokers in close reasons
	plainAuth = redaction{
		pattern:     regexp.MustCompile(`(?i)(PLAIN\s+)\S+`),
		replacement: "${1}" + RedactedText,
	}
)

func apply(s string, rules ...redaction) string {
	for _, r := range rules {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// SanitizeConnectionString removes credentials from a DSN or broker URL.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	return apply(connStr, keyValueCredential, urlUserinfo)
}

// SanitizeError renders err for logging with credentials removed.
// Driver errors for failed dials frequently embed the full connection string.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return apply(err.Error(), keyValueCredential, urlUserinfo, plainAuth)
}

// SanitizeQuery truncates query text and strips inline credentials,
// e.g. from CREATE ROLE ... PASSWORD statements sent through Prepare.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	return apply(TruncateString(query, MaxQueryLogLength), keyValueCredential)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
