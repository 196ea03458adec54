package utils

import (
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

// SanitizeFileName keeps the base name of an uploaded file and replaces
// anything outside letters, digits, '.', '-' and '_' with '_'.
func SanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "file"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// BlobKey is the object store key of a document's raw upload.
func BlobKey(poolID, documentID, fileName string) string {
	return path.Join("pools", poolID, documentID, SanitizeFileName(fileName))
}

// StripControlChars drops control characters other than newline and tab.
func StripControlChars(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, text)
}
