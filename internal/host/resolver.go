package host

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.lsp.dev/uri"
)

// PathResolver converts between host source files and the URLs the VM uses
// in breakpoint and frame locations.
type PathResolver interface {
	// ToURL returns the protocol URL for a host file.
	ToURL(file string) (string, error)

	// ToFile returns the host file for a protocol URL, or false when the URL
	// does not name a host file.
	ToFile(url string) (string, bool)
}

// URIResolver maps absolute local paths to file URLs. URLs that already
// carry a scheme are passed through, with file URLs normalized.
type URIResolver struct{}

var _ PathResolver = URIResolver{}

// ToURL implements PathResolver.
func (URIResolver) ToURL(file string) (string, error) {
	if file == "" {
		return "", fmt.Errorf("empty file path")
	}
	if hasScheme(file) {
		return Normalize(file), nil
	}
	if !filepath.IsAbs(file) {
		return "", fmt.Errorf("file path must be absolute: %s", file)
	}
	return string(uri.File(file)), nil
}

// ToFile implements PathResolver.
func (URIResolver) ToFile(url string) (string, bool) {
	if !strings.HasPrefix(url, "file:") {
		return "", false
	}
	u, err := uri.Parse(Normalize(url))
	if err != nil {
		return "", false
	}
	return u.Filename(), true
}

// Normalize rewrites the file:/, file:// and file:/// spellings of a local
// file URL to the three-slash form. Other URLs are returned unchanged.
func Normalize(url string) string {
	if !strings.HasPrefix(url, "file:") {
		return url
	}
	rest := strings.TrimLeft(strings.TrimPrefix(url, "file:"), "/")
	return "file:///" + rest
}

func hasScheme(s string) bool {
	i := strings.Index(s, ":")
	if i <= 1 {
		// a single letter before the colon is a windows drive
		return false
	}
	for _, r := range s[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}
