package tools

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/relayforge/agentq/errors"
)

// deniedPathPrefixes are sensitive locations no path parameter may resolve
// into, even via symlink-free normalization.
var deniedPathPrefixes = []string{
	"/etc",
	"/proc",
	"/sys",
	"/dev",
	"/boot",
	"/root",
	"/var/run",
}

// destructiveKeywords matches SQL-ish statements that mutate or destroy
// data when interpolated into a query sink.
var destructiveKeywords = regexp.MustCompile(`(?i)\b(drop|truncate|delete|alter|grant|revoke|insert|update|exec|shutdown)\b`)

// injectionTokens are comment and statement-splitting sequences.
var injectionTokens = []string{"--", "/*", "*/", ";"}

// CheckPath rejects path values that escape upward after normalization or
// land inside a denied system prefix.
func CheckPath(action, field, value string) error {
	if value == "" {
		return errors.NewValidationError(action, field, "path cannot be empty")
	}

	cleaned := filepath.Clean(value)

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return errors.NewValidationError(action, field, "path contains parent directory traversal")
	}

	for _, prefix := range deniedPathPrefixes {
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
			return errors.NewValidationError(action, field, fmt.Sprintf("path resolves into denied location %s", prefix))
		}
	}

	return nil
}

// CheckQuery rejects values carrying destructive keywords or injection
// tokens before they reach a query-like sink.
func CheckQuery(action, field, value string) error {
	if match := destructiveKeywords.FindString(value); match != "" {
		return errors.NewValidationError(action, field, fmt.Sprintf("query contains destructive keyword %q", strings.ToLower(match)))
	}

	for _, token := range injectionTokens {
		if strings.Contains(value, token) {
			return errors.NewValidationError(action, field, fmt.Sprintf("query contains injection token %q", token))
		}
	}

	return nil
}
