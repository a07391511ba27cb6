// Package correlation carries the X-Correlation-Id value between the HTTP
// layer, the client SDK and log lines.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying the correlation id in both directions.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a fresh time-ordered identifier (UUIDv7).
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// WithID returns ctx carrying id. Invalid ids leave ctx untouched.
func WithID(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the identifier carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromRequest returns r's context carrying the inbound correlation id, or
// a generated one when the header is missing or malformed.
func FromRequest(r *http.Request) (context.Context, string) {
	id, ok := Normalize(r.Header.Get(Header))
	if !ok {
		id = Generate()
	}
	return context.WithValue(r.Context(), contextKey{}, id), id
}

// Inject copies the id carried by ctx onto h.
func Inject(ctx context.Context, h http.Header) {
	if id := ID(ctx); id != "" {
		h.Set(Header, id)
	}
}
