// Package correlation carries the identifier that links an API call to the
// resource requests and replies it causes.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying correlation ids in both directions.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted correlation ids.
const MaxIDLength = 128

type contextKey struct{}

// With returns a context carrying id. Invalid ids leave ctx unchanged.
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

// ID returns the correlation id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and accepts it when it is printable ASCII no longer
// than MaxIDLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Resolve returns the normalized form of raw, or a fresh id when raw is
// missing or unusable.
func Resolve(raw string) string {
	if id, ok := Normalize(raw); ok {
		return id
	}
	return Generate()
}

// Generate returns a new time-ordered id (UUIDv7).
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
