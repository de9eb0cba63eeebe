// Package correlation carries a request id through a context so work handed
// off to the stream pool can be logged against the request that caused it.
package correlation

import (
	"context"
	"strings"
)

// MaxIDLength caps accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and accepts it when it is non-empty printable ASCII no
// longer than MaxIDLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x20 || c > 0x7e {
			return "", false
		}
	}
	return id, true
}
