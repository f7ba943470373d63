// Package version provides version information and VM protocol compatibility checks.
package version

import (
	"fmt"
	"strings"

	"github.com/ctagard/vmdbg/internal/errors"
)

const (
	// Version is the current version of vmdbg
	Version = "0.1.0"

	// DefaultMinProtocolVersion is the oldest VM protocol the client is tested against.
	DefaultMinProtocolVersion = "3.0"
)

// ProtocolInfo describes the VM protocol negotiated for a session.
type ProtocolInfo struct {
	Version    string `json:"version"`
	Minimum    string `json:"minimum"`
	Compatible bool   `json:"compatible"`
}

// CheckProtocol compares the VM's protocol version with the minimum
// supported one. The returned error, if any, is a VERSION_MISMATCH
// DebugError; callers treat it as a warning.
func CheckProtocol(actual, minimum string) (ProtocolInfo, error) {
	if minimum == "" {
		minimum = DefaultMinProtocolVersion
	}
	info := ProtocolInfo{
		Version:    actual,
		Minimum:    minimum,
		Compatible: actual != "" && compareVersions(actual, minimum) >= 0,
	}
	if !info.Compatible {
		return info, errors.VersionMismatch(actual, minimum)
	}
	return info, nil
}

// compareVersions compares two dotted version strings
// Returns -1 if v1 < v2, 0 if equal, 1 if v1 > v2
func compareVersions(v1, v2 string) int {
	// Parse version components
	parse := func(v string) (major, minor, patch int) {
		parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
		if len(parts) >= 1 {
			fmt.Sscanf(parts[0], "%d", &major)
		}
		if len(parts) >= 2 {
			fmt.Sscanf(parts[1], "%d", &minor)
		}
		if len(parts) >= 3 {
			// Handle pre-release suffixes like "1.0.0-beta"
			patchStr := strings.Split(parts[2], "-")[0]
			fmt.Sscanf(patchStr, "%d", &patch)
		}
		return
	}

	maj1, min1, pat1 := parse(v1)
	maj2, min2, pat2 := parse(v2)

	if maj1 != maj2 {
		if maj1 < maj2 {
			return -1
		}
		return 1
	}
	if min1 != min2 {
		if min1 < min2 {
			return -1
		}
		return 1
	}
	if pat1 != pat2 {
		if pat1 < pat2 {
			return -1
		}
		return 1
	}
	return 0
}

// GetVersion returns the current version
func GetVersion() string {
	return Version
}
