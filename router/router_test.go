package router

import (
	"context"
	"testing"

	"triple-rpc/codec"
	"triple-rpc/stream"
)

func jsonString() codec.Codec {
	return codec.JSON(func() any { return new(string) })
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	err := r.Register(&Service{
		Name: "org.example.Echo",
		Methods: []*Method{
			{
				Desc:  codec.MethodDescriptor{Method: "say", Kind: codec.Unary, Request: jsonString(), Response: jsonString()},
				Unary: func(ctx context.Context, req any) (any, error) { return req, nil },
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	m, ok := r.Lookup("/org.example.Echo/say")
	if !ok {
		t.Fatal("registered path not found")
	}
	if m.Desc.Service != "org.example.Echo" {
		t.Fatalf("service not filled in: %q", m.Desc.Service)
	}
	if _, ok := r.Lookup("/org.example.Echo/other"); ok {
		t.Fatal("unknown path resolved")
	}
}

func TestRejectsDuplicateRoute(t *testing.T) {
	r := New()
	svc := func() *Service {
		return &Service{
			Name: "s.S",
			Methods: []*Method{{
				Desc:  codec.MethodDescriptor{Method: "m", Kind: codec.Unary},
				Unary: func(ctx context.Context, req any) (any, error) { return nil, nil },
			}},
		}
	}
	if err := r.Register(svc()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(svc()); err == nil {
		t.Fatal("duplicate route accepted")
	}
}

func TestHandlerVariantMustMatchKind(t *testing.T) {
	r := New()

	// Kind says server-stream, handler slot says unary.
	err := r.Register(&Service{
		Name: "s.S",
		Methods: []*Method{{
			Desc:  codec.MethodDescriptor{Method: "m", Kind: codec.ServerStream},
			Unary: func(ctx context.Context, req any) (any, error) { return nil, nil },
		}},
	})
	if err == nil {
		t.Fatal("mismatched handler variant accepted")
	}

	// Two variants set at once.
	err = r.Register(&Service{
		Name: "s.S",
		Methods: []*Method{{
			Desc:  codec.MethodDescriptor{Method: "m", Kind: codec.BidiStream},
			Bidi:  func(ctx context.Context, recv stream.Reader, send stream.Writer) error { return nil },
			Unary: func(ctx context.Context, req any) (any, error) { return nil, nil },
		}},
	})
	if err == nil {
		t.Fatal("double handler variant accepted")
	}
}
