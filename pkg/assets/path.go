package assets

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MetadataPath is served from the release index and can never be written.
const MetadataPath = "/.well-known/assets.json"

// MetadataNamespace is the reserved namespace holding the metadata document.
// It is never declared in configuration.
const MetadataNamespace = ".well-known"

const maxPathLength = 1024

// NormalizePath returns the canonical NFC form of an asset path, rejecting
// anything that could alias another path.
func NormalizePath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", fmt.Errorf("%w: %q must start with /", ErrInvalidPath, p)
	}
	if len(p) > maxPathLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidPath, maxPathLength)
	}
	if strings.ContainsAny(p, "\x00?#\\") {
		return "", fmt.Errorf("%w: %q contains a reserved character", ErrInvalidPath, p)
	}
	p = norm.NFC.String(p)
	if p == "/" {
		return p, nil
	}
	for i, seg := range strings.Split(p[1:], "/") {
		switch seg {
		case ".", "..":
			return "", fmt.Errorf("%w: %q contains a relative segment", ErrInvalidPath, p)
		case "":
			// A single trailing slash names a directory-style path.
			if i != strings.Count(p[1:], "/") {
				return "", fmt.Errorf("%w: %q contains an empty segment", ErrInvalidPath, p)
			}
		}
	}
	return p, nil
}

// Segments splits a normalized path into its labels. "/" has one empty segment,
// and a trailing slash yields a trailing empty segment.
func Segments(p string) []string {
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}
