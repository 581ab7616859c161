// Package observability carries the per operation id that ties log lines,
// spans, ledger entries and receipts of one CLI run or API request together.
package observability

import (
	"context"

	"github.com/google/uuid"
)

type opIDKey struct{}

// NewOpID returns a time ordered id so ledger entries sort with their ops
func NewOpID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// WithOpID starts a new operation
func WithOpID(ctx context.Context) context.Context {
	return context.WithValue(ctx, opIDKey{}, NewOpID())
}

// WithGivenOpID adopts an id from upstream, such as a request header. An
// empty id starts a new operation instead.
func WithGivenOpID(ctx context.Context, id string) context.Context {
	if id == "" {
		return WithOpID(ctx)
	}
	return context.WithValue(ctx, opIDKey{}, id)
}

// OpID is empty outside an operation
func OpID(ctx context.Context) string {
	id, _ := ctx.Value(opIDKey{}).(string)
	return id
}
