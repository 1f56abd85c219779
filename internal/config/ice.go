package config

import (
	"fmt"
	"strings"

	"github.com/converse-chat/relay/internal/origin"
)

// parseAllowedOrigins splits and normalizes the origin allowlist. Entries
// must be "*" or a valid browser origin; they are stored normalized so the
// WebSocket check can compare exactly.
func parseAllowedOrigins(raw string) ([]string, error) {
	entries := splitCommaSeparated(raw)
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("%s/--allowed-origins: invalid origin %q", envVarAllowedOrigins, entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// parseICEURLs splits a comma-separated URL list and checks each entry
// carries one of the expected schemes.
func parseICEURLs(envVar, raw string, schemes ...string) ([]string, error) {
	urls := splitCommaSeparated(raw)
	for _, url := range urls {
		if !hasAnyPrefixFold(url, schemes) {
			return nil, fmt.Errorf("%s: URL %q must start with one of %s", envVar, url, strings.Join(schemes, ", "))
		}
	}
	return urls, nil
}

func splitCommaSeparated(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func hasAnyPrefixFold(s string, prefixes []string) bool {
	lower := strings.ToLower(s)
	for _, prefix := range prefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
