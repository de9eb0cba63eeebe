package content

import (
	"path"
	"strings"
)

// IndexDocument is served for keys that name a directory.
const IndexDocument = "index.html"

// NormalizeKey turns a request target or relative file name into a Path Key.
// Everything from the first '?' is dropped, a leading slash is enforced and a
// trailing slash is mapped to IndexDocument.
func NormalizeKey(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	if strings.HasSuffix(raw, "/") {
		raw += IndexDocument
	}
	return raw
}

// KeyFromRelative builds the key for a slash separated path relative to a
// content root. A leading "." segment (tar entries created with -C dir .) and
// any leading slashes are stripped. Names that resolve to the root yield "".
func KeyFromRelative(rel string) string {
	if rel == "." || strings.HasPrefix(rel, "./") {
		rel = rel[1:]
	}
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return ""
	}
	cleaned := path.Clean("/" + rel)
	if cleaned == "/" {
		return ""
	}
	return cleaned
}
