package status

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatusError(t *testing.T) {
	st := New(NotFound, "no such thing")
	if st.Err() == nil {
		t.Fatal("non-OK status must be an error")
	}
	if got := st.Error(); got != "rpc error: code = NotFound desc = no such thing" {
		t.Fatalf("unexpected error text: %q", got)
	}
	if New(OK, "").Err() != nil {
		t.Fatal("OK status must not be an error")
	}
}

func TestFromError(t *testing.T) {
	st := New(Unavailable, "gone")
	if FromError(st) != st {
		t.Fatal("FromError must return the original status")
	}

	plain := errors.New("boom")
	got := FromError(plain)
	if got.Code() != Unknown || got.Message() != "boom" {
		t.Fatalf("plain error mapped to %v/%q", got.Code(), got.Message())
	}
	if got.Cause() != plain {
		t.Fatal("cause lost")
	}

	if FromError(nil).Code() != OK {
		t.Fatal("nil error must map to OK")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		http int
		code Code
	}{
		{http.StatusUnauthorized, Unauthenticated},
		{http.StatusForbidden, PermissionDenied},
		{http.StatusNotFound, NotFound},
		{http.StatusBadGateway, Unavailable},
		{http.StatusServiceUnavailable, Unavailable},
		{http.StatusGatewayTimeout, Unavailable},
		{http.StatusTooManyRequests, Unavailable},
		{http.StatusBadRequest, Internal},
		{http.StatusTeapot, Unknown},
	}
	for _, c := range cases {
		if got := FromHTTPStatus(c.http).Code(); got != c.code {
			t.Errorf("FromHTTPStatus(%d) = %v, want %v", c.http, got, c.code)
		}
	}

	rev := []struct {
		code Code
		http int
	}{
		{OK, 200},
		{InvalidArgument, 400},
		{Unauthenticated, 401},
		{PermissionDenied, 403},
		{NotFound, 404},
		{DeadlineExceeded, 504},
		{Unavailable, 503},
		{Internal, 500},
		{Unknown, 500},
	}
	for _, c := range rev {
		if got := ToHTTPStatus(c.code); got != c.http {
			t.Errorf("ToHTTPStatus(%v) = %d, want %d", c.code, got, c.http)
		}
	}
}

func TestMessageEncodingRoundTrip(t *testing.T) {
	cases := []string{
		"plain ascii",
		"with % percent",
		"newline\nand tab\t",
		"unicode: 你好",
		"",
	}
	for _, msg := range cases {
		enc := EncodeMessage(msg)
		for i := 0; i < len(enc); i++ {
			if enc[i] < 0x20 || enc[i] > 0x7e {
				t.Fatalf("encoded form of %q contains raw byte %#x", msg, enc[i])
			}
		}
		if got := DecodeMessage(enc); got != msg {
			t.Fatalf("round trip of %q gave %q", msg, got)
		}
	}
}

func TestDecodeMessageMalformedEscapes(t *testing.T) {
	// Broken escapes decode verbatim instead of failing the trailer.
	if got := DecodeMessage("50%% off%"); got != "50%% off%" {
		t.Fatalf("got %q", got)
	}
}
