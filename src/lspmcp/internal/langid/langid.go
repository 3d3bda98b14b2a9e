// Package langid maps file extensions to LSP language identifiers.
package langid

import (
	"path/filepath"
	"strings"
)

// Plaintext is the fallback identifier for unrecognized extensions.
const Plaintext = "plaintext"

var _byExtension = map[string]string{
	"rs":       "rust",
	"toml":     "toml",
	"json":     "json",
	"yaml":     "yaml",
	"yml":      "yaml",
	"md":       "markdown",
	"markdown": "markdown",
	"py":       "python",
	"js":       "javascript",
	"ts":       "typescript",
	"jsx":      "javascriptreact",
	"tsx":      "typescriptreact",
	"c":        "c",
	"cpp":      "cpp",
	"cc":       "cpp",
	"cxx":      "cpp",
	"h":        "cpp",
	"hpp":      "cpp",
	"go":       "go",
	"rb":       "ruby",
	"sh":       "shellscript",
	"bash":     "shellscript",
	"zsh":      "shellscript",
	"css":      "css",
	"html":     "html",
	"htm":      "html",
	"xml":      "xml",
	"sql":      "sql",
	"nix":      "nix",
}

// Detect returns the language identifier for a file path based on its
// extension, case-insensitively. Unrecognized extensions map to Plaintext.
func Detect(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if id, ok := _byExtension[strings.ToLower(ext)]; ok {
		return id
	}
	return Plaintext
}
