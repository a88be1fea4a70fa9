// Package versioning detects document version relationships, links version
// chains, and computes three-layer diffs between versions.
package versioning

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var versionPattern = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?$`)

// parseMajor extracts the major number from a "v<major>.<minor>" string.
func parseMajor(version string) (int, bool) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(version))
	if m == nil {
		return 0, false
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return major, true
}

// IncrementVersion bumps the major version: v<N>.0 becomes v<N+1>.0.
// Unparsable input is treated as v1.0.
func IncrementVersion(version string) string {
	major, ok := parseMajor(version)
	if !ok {
		major = 1
	}
	return fmt.Sprintf("v%d.0", major+1)
}

// DecrementVersion lowers the major version, flooring at v1.0.
func DecrementVersion(version string) string {
	major, ok := parseMajor(version)
	if !ok || major <= 1 {
		return "v1.0"
	}
	return fmt.Sprintf("v%d.0", major-1)
}

// NormalizeVersion coerces an LLM-detected version string into v<major>.<minor>
// form; empty or unparsable input returns "".
func NormalizeVersion(raw string) string {
	s := strings.TrimSpace(raw)
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	minor := m[2]
	if minor == "" {
		minor = "0"
	}
	return fmt.Sprintf("v%s.%s", m[1], minor)
}
