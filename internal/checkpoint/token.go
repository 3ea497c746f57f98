package checkpoint

import (
	"context"
	"sync/atomic"
)

// Token answers whether work should stop at the next safe point.
type Token interface {
	Cancelled(ctx context.Context) bool
}

// TokenFunc adapts a function to the Token interface.
type TokenFunc func(ctx context.Context) bool

// Cancelled calls f(ctx).
func (f TokenFunc) Cancelled(ctx context.Context) bool {
	return f(ctx)
}

// StopToken is cancelled once a stop marker exists for jobID in store.
func StopToken(store Store, jobID string) Token {
	return TokenFunc(func(ctx context.Context) bool {
		return store.IsStopRequested(ctx, jobID)
	})
}

// Flag is an in-memory token. The zero value is not cancelled.
type Flag struct {
	cancelled atomic.Bool
}

// Cancel marks the flag as cancelled.
func (f *Flag) Cancel() {
	f.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (f *Flag) Cancelled(context.Context) bool {
	return f.cancelled.Load()
}

// Any is cancelled as soon as one of tokens is.
func Any(tokens ...Token) Token {
	return TokenFunc(func(ctx context.Context) bool {
		for _, t := range tokens {
			if t != nil && t.Cancelled(ctx) {
				return true
			}
		}
		return false
	})
}

// ContextToken is cancelled once ctx is done.
func ContextToken(ctx context.Context) Token {
	return TokenFunc(func(context.Context) bool {
		return ctx.Err() != nil
	})
}
