// Package urlutil provides the URL handling shared by playlist loading and
// segment connections.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeFile  = "file"
)

// IsRemoteURL reports whether u is an http or https URL.
func IsRemoteURL(u string) bool {
	s := GetScheme(u)
	return s == SchemeHTTP || s == SchemeHTTPS
}

// IsFileURL reports whether u uses the file scheme.
func IsFileURL(u string) bool {
	return GetScheme(u) == SchemeFile
}

// GetScheme returns the lower-cased scheme of u, empty for plain paths.
func GetScheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// FilePathFromURL extracts the path of a file:// URL. Both file:///path and
// file://localhost/path are accepted.
func FilePathFromURL(u string) (string, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(parsed.Scheme, SchemeFile) {
		return "", fmt.Errorf("not a file:// URL: %s", u)
	}
	if parsed.Host != "" && parsed.Host != "localhost" {
		return "", fmt.Errorf("remote host in file URL: %s", u)
	}
	if parsed.Path == "" {
		return "", fmt.Errorf("empty path in file URL: %s", u)
	}
	return parsed.Path, nil
}

// Resolve resolves ref against base, the URL of the document referencing it.
// Absolute references and unparsable input are returned unchanged.
func Resolve(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// WithPath replaces the path and query of rawURL with those of path.
// An empty path returns rawURL unchanged.
func WithPath(rawURL, path string) string {
	u, err := url.Parse(rawURL)
	if err != nil || path == "" {
		return rawURL
	}
	p, q, _ := strings.Cut(path, "?")
	ref, err := url.Parse(p)
	if err != nil {
		return rawURL
	}
	u.Path = ref.Path
	u.RawPath = ref.RawPath
	u.RawQuery = q
	return u.String()
}
