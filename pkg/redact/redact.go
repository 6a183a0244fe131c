// Package redact scrubs secrets out of free-form text the orchestration
// engine persists or logs verbatim — sandbox session transcripts, merge
// conflict details — before it reaches the database or slog. Adapted from
// the teacher's pkg/masking: the same precompiled-regex-pattern approach,
// stripped of the MCP-server-registry and alert-payload wiring that has
// no analogue in this domain.
package redact

import (
	"regexp"
)

// pattern is a precompiled secret-matching regex and its replacement,
// mirroring the teacher's CompiledPattern.
type pattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns covers the secret shapes most likely to leak into an
// agent's transcript or a merge conflict detail: cloud credentials, bearer
// tokens, and generic key=value secret assignments.
var builtinPatterns = []pattern{
	{
		name:        "aws_access_key",
		regex:       regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		replacement: "***AWS_ACCESS_KEY***",
	},
	{
		name:        "bearer_token",
		regex:       regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/=-]{10,}`),
		replacement: "Bearer ***REDACTED***",
	},
	{
		name:        "generic_secret_assignment",
		regex:       regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*["']?[a-z0-9._~+/=-]{8,}["']?`),
		replacement: "$1=***REDACTED***",
	},
	{
		name:        "private_key_block",
		regex:       regexp.MustCompile(`(?s)-----BEGIN[ A-Z]*PRIVATE KEY-----.*?-----END[ A-Z]*PRIVATE KEY-----`),
		replacement: "***REDACTED_PRIVATE_KEY***",
	},
}

// Text applies every builtin pattern to s and returns the scrubbed result.
func Text(s string) string {
	for _, p := range builtinPatterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}
