// Package errors sanitizes error text before it leaves the API.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+){2,}`)
	ipv4Pattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	internalPattern = regexp.MustCompile(`(?i)(clickhouse|redis|dial tcp|sql:|password=|secret=|token=|api[_-]?key=)`)
)

var production atomic.Bool

// SetProductionMode enables sanitizing. Development mode returns messages
// unchanged.
func SetProductionMode(on bool) { production.Store(on) }

// IsProduction reports whether sanitizing is enabled.
func IsProduction() bool { return production.Load() }

// SanitizeString strips file paths, masks the host part of IPv4 addresses
// and hides backend failure details.
func SanitizeString(s string) string {
	if !production.Load() {
		return s
	}

	if internalPattern.MatchString(s) {
		return "backend operation failed"
	}
	if strings.Contains(s, "goroutine ") || strings.Count(s, "\n") > 3 {
		return "internal server error"
	}

	s = filePathPattern.ReplaceAllStringFunc(s, filepath.Base)
	s = ipv4Pattern.ReplaceAllStringFunc(s, func(ip string) string {
		parts := strings.Split(ip, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})
	return s
}

// SanitizeError returns err with a sanitized message. The result no longer
// wraps err.
func SanitizeError(err error) error {
	if err == nil || !production.Load() {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}
