package content

import (
	"mime"
	"path"
	"strings"
)

// DefaultMIME is used when the extension is unknown.
const DefaultMIME = "application/octet-stream"

// Fixed table for the common web types so results do not depend on the
// mime.types files installed on the host.
var builtinMIME = map[string]string{
	".css":   "text/css",
	".gif":   "image/gif",
	".htm":   "text/html",
	".html":  "text/html",
	".ico":   "image/x-icon",
	".jpeg":  "image/jpeg",
	".jpg":   "image/jpeg",
	".js":    "text/javascript",
	".json":  "application/json",
	".map":   "application/json",
	".mjs":   "text/javascript",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".txt":   "text/plain",
	".wasm":  "application/wasm",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".xml":   "text/xml",
}

// InferMIME returns the media type for key based on its extension.
func InferMIME(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == "" {
		return DefaultMIME
	}
	if t, ok := builtinMIME[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return DefaultMIME
}
