package client

import (
	"context"

	"pkt.systems/voicelease/internal/correlation"
)

// WithCorrelationID annotates ctx so requests made with it carry id in the
// X-Correlation-Id header. Invalid ids are ignored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.WithID(ctx, id)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	return correlation.ID(ctx)
}
