package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"triple-rpc/status"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, method string, req any) (any, error) {
				order = append(order, name+":before")
				reply, err := next(ctx, method, req)
				order = append(order, name+":after")
				return reply, err
			}
		}
	}

	h := Chain(mw("a"), mw("b"))(func(ctx context.Context, method string, req any) (any, error) {
		order = append(order, "handler")
		return "ok", nil
	})

	reply, err := h(context.Background(), "/s/m", nil)
	if err != nil || reply != "ok" {
		t.Fatalf("got (%v, %v)", reply, err)
	}

	want := []string{"a:before", "b:before", "handler", "b:after", "a:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	h := Chain(RateLimit(1, 2))(func(ctx context.Context, method string, req any) (any, error) {
		return "ok", nil
	})

	// Burst of 2 passes, the third is rejected.
	for i := 0; i < 2; i++ {
		if _, err := h(context.Background(), "/s/m", nil); err != nil {
			t.Fatalf("call %d rejected: %v", i, err)
		}
	}
	_, err := h(context.Background(), "/s/m", nil)
	if status.CodeOf(err) != status.ResourceExhausted {
		t.Fatalf("got %v, want ResourceExhausted", err)
	}
}

func TestRetryOnlyRetriesUnavailable(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, method string, req any) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, status.New(status.Unavailable, "try again")
		}
		return "ok", nil
	}

	reply, err := Chain(Retry(3, time.Millisecond))(flaky)(context.Background(), "/s/m", nil)
	if err != nil || reply != "ok" {
		t.Fatalf("got (%v, %v) after %d attempts", reply, err, attempts)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	// A non-retryable failure runs exactly once.
	attempts = 0
	fails := func(ctx context.Context, method string, req any) (any, error) {
		attempts++
		return nil, status.New(status.InvalidArgument, "bad")
	}
	_, err = Chain(Retry(3, time.Millisecond))(fails)(context.Background(), "/s/m", nil)
	if status.CodeOf(err) != status.InvalidArgument || attempts != 1 {
		t.Fatalf("attempts = %d, err = %v", attempts, err)
	}
}

func TestLoggingPassesThrough(t *testing.T) {
	h := Chain(Logging(zap.NewNop()))(func(ctx context.Context, method string, req any) (any, error) {
		return req, nil
	})
	reply, err := h(context.Background(), "/s/m", "payload")
	if err != nil || reply != "payload" {
		t.Fatalf("got (%v, %v)", reply, err)
	}
}
