package artifacts

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var asciiFold = transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
	return r > unicode.MaxASCII
})))

// SanitizeName reduces a client supplied file name to a filesystem-safe form: accents are folded
// to ASCII, path separators become word breaks, whitespace runs collapse to "_", anything outside
// [A-Za-z0-9_.-] is dropped and leading or trailing dots and underscores are trimmed. The result
// may be empty.
func SanitizeName(name string) string {
	folded, _, err := transform.String(asciiFold, name)
	if err != nil {
		folded = name
	}

	folded = strings.NewReplacer("/", " ", "\\", " ").Replace(folded)
	joined := strings.Join(strings.Fields(folded), "_")

	var b strings.Builder
	b.Grow(len(joined))
	for _, r := range joined {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._")
}

// SplitName splits a sanitized name into base and extension at the last dot. The extension keeps
// its leading dot; a name without a dot has an empty extension.
func SplitName(name string) (base, ext string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx:]
}

// Digest returns the lowercase hex MD5 of content. It identifies content for naming only and
// carries no security guarantee.
func Digest(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// StoredName derives the storage key for a sanitized display name and content digest.
func StoredName(sanitized, digest string) string {
	base, ext := SplitName(sanitized)
	return base + "-" + digest + ext
}

// validStoredName reports whether name could have been produced by StoredName. Anything else,
// including path traversal attempts, can never address a payload.
func validStoredName(name string) bool {
	return name != "" && SanitizeName(name) == name
}
