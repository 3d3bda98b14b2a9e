// Package fileuri converts between absolute filesystem paths and the
// file:// URI form exchanged with the sidecar. Bytes outside the unreserved
// set (letters, digits, `-_.~` and the path separator) are percent-encoded
// with uppercase hex so that round-tripping a path is the identity function.
package fileuri

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.lsp.dev/uri"
)

const _scheme = "file://"

// FromPath builds a file:// URI from an absolute path. Relative paths are
// rejected rather than resolved.
func FromPath(path string) (uri.URI, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q is not absolute", path)
	}
	return uri.URI(_scheme + encodePath(path)), nil
}

// ToPath extracts the filesystem path from a file:// URI. Malformed percent
// escapes fall back to the raw path portion.
func ToPath(u uri.URI) string {
	path := strings.TrimPrefix(string(u), _scheme)
	if decoded, ok := decodePath(path); ok {
		return decoded
	}
	return path
}

func encodePath(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if isUnreservedPathByte(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteByte(hexUpper(c >> 4))
			b.WriteByte(hexUpper(c & 0x0f))
		}
	}
	return b.String()
}

func decodePath(path string) (string, bool) {
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); {
		if path[i] != '%' {
			b.WriteByte(path[i])
			i++
			continue
		}
		if i+2 >= len(path) {
			return "", false
		}
		hi, okHi := hexValue(path[i+1])
		lo, okLo := hexValue(path[i+2])
		if !okHi || !okLo {
			return "", false
		}
		b.WriteByte(hi<<4 | lo)
		i += 3
	}
	return b.String(), true
}

func isUnreservedPathByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~', c == '/':
		return true
	}
	return false
}

func hexUpper(nibble byte) byte {
	if nibble < 10 {
		return '0' + nibble
	}
	return 'A' + nibble - 10
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
