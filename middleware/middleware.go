// Package middleware provides the unary call interceptor chain shared by
// client and server façades.
package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"triple-rpc/status"
)

// Handler is one unary invocation step.
type Handler func(ctx context.Context, method string, req any) (any, error)

// Middleware wraps a handler with extra behavior.
type Middleware func(next Handler) Handler

// Chain composes middlewares into one, onion style:
// Chain(A, B, C)(h) runs A around B around C around h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Logging logs each call with its duration and terminal code.
func Logging(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, method string, req any) (any, error) {
			start := time.Now()
			reply, err := next(ctx, method, req)
			logger.Info("call finished",
				zap.String("method", method),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("code", status.CodeOf(err)))
			return reply, err
		}
	}
}

// RateLimit rejects calls beyond a token-bucket budget with
// ResourceExhausted.
func RateLimit(callsPerSecond float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(callsPerSecond), burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, method string, req any) (any, error) {
			if !limiter.Allow() {
				return nil, status.New(status.ResourceExhausted, "rate limit exceeded")
			}
			return next(ctx, method, req)
		}
	}
}

// Retry re-issues a failed call up to maxRetries times with exponential
// backoff. Only Unavailable outcomes are retried: everything else either
// reached the handler or is a caller mistake, and must not run twice.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, method string, req any) (any, error) {
			reply, err := next(ctx, method, req)
			for attempt := 0; attempt < maxRetries; attempt++ {
				if status.CodeOf(err) != status.Unavailable {
					return reply, err
				}
				backoff := baseDelay * time.Duration(1<<attempt)
				select {
				case <-ctx.Done():
					return reply, err
				case <-time.After(backoff):
				}
				reply, err = next(ctx, method, req)
			}
			return reply, err
		}
	}
}
