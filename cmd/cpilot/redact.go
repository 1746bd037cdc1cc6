package main

import (
	"strings"
)

const redactedValue = "<redacted>"

// redactArgs masks values of secret-looking flags, both "--token=x" and
// "--token x" forms.
func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, redactedValue)
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if key, _, found := strings.Cut(trimmed, "="); found && isSensitiveToken(strings.ToLower(key)) {
			redacted = append(redacted, key+"="+redactedValue)
			continue
		}

		if strings.HasPrefix(trimmed, "-") && isSensitiveToken(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveToken(value string) bool {
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"api_key",
		"apikey",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// formatCommand renders a redacted, single-line preview of an invocation.
func formatCommand(binary string, args []string) string {
	parts := append([]string{strings.TrimSpace(binary)}, redactArgs(args)...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if strings.ContainsAny(part, " \t\"'") {
			part = "'" + strings.ReplaceAll(part, "'", `'\''`) + "'"
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}
