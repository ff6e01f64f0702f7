// Package redact strips sensitive values from text before it leaves the
// process boundary.
//
// Workspace access tokens and collaborator API keys must never appear in
// log lines or outbound room messages. Redaction operates on string
// representations and relies on callers passing the right set of sensitive
// terms; it is not a substitute for keeping secrets out of call-sites.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}
