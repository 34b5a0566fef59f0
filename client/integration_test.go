package client_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triple-rpc/client"
	"triple-rpc/codec"
	"triple-rpc/registry"
	"triple-rpc/router"
	"triple-rpc/server"
	"triple-rpc/status"
	"triple-rpc/stream"
)

const helloService = "org.apache.dubbo.samples.HelloWorld"

type helloRequest struct {
	Name string `json:"name"`
}

type helloReply struct {
	Message string `json:"message"`
}

type countReply struct {
	Count int `json:"count"`
}

func reqCodec() codec.Codec   { return codec.JSON(func() any { return new(helloRequest) }) }
func replyCodec() codec.Codec { return codec.JSON(func() any { return new(helloReply) }) }
func countCodec() codec.Codec { return codec.JSON(func() any { return new(countReply) }) }

func sayHelloDesc() *codec.MethodDescriptor {
	return &codec.MethodDescriptor{
		Service: helloService, Method: "sayHello", Kind: codec.Unary,
		Request: reqCodec(), Response: replyCodec(),
	}
}

// testService builds the full service used across the scenarios. who names
// the serving instance so churn tests can tell providers apart;
// cancelObserved (optional) receives one value when a streaming handler
// sees cancellation.
func testService(who string, cancelObserved chan<- time.Duration) *router.Service {
	return &router.Service{
		Name: helloService,
		Methods: []*router.Method{
			{
				Desc: codec.MethodDescriptor{
					Method: "sayHello", Kind: codec.Unary,
					Request: reqCodec(), Response: replyCodec(),
				},
				Unary: func(ctx context.Context, req any) (any, error) {
					r := req.(*helloRequest)
					return &helloReply{Message: "Hello, " + r.Name + " from " + who}, nil
				},
			},
			{
				Desc: codec.MethodDescriptor{
					Method: "sayHelloSlowly", Kind: codec.Unary,
					Request: reqCodec(), Response: replyCodec(),
				},
				Unary: func(ctx context.Context, req any) (any, error) {
					start := time.Now()
					select {
					case <-time.After(200 * time.Millisecond):
						return &helloReply{Message: "too late"}, nil
					case <-ctx.Done():
						if cancelObserved != nil {
							cancelObserved <- time.Since(start)
						}
						return nil, ctx.Err()
					}
				},
			},
			{
				Desc: codec.MethodDescriptor{
					Method: "count", Kind: codec.ClientStream,
					Request: reqCodec(), Response: countCodec(),
				},
				ClientStream: func(ctx context.Context, recv stream.Reader) (any, error) {
					n := 0
					for {
						v, err := recv.Recv()
						if err == io.EOF {
							return &countReply{Count: n}, nil
						}
						if err != nil {
							return nil, err
						}
						_ = v.(*helloRequest)
						n++
					}
				},
			},
			{
				Desc: codec.MethodDescriptor{
					Method: "countdown", Kind: codec.ServerStream,
					Request: reqCodec(), Response: replyCodec(),
				},
				ServerStream: func(ctx context.Context, req any, send stream.Writer) error {
					start := time.Now()
					for i := 0; i < 10; i++ {
						if err := send.Send(&helloReply{Message: fmt.Sprintf("tick %d", i)}); err != nil {
							if cancelObserved != nil {
								cancelObserved <- time.Since(start)
							}
							return err
						}
						select {
						case <-ctx.Done():
							if cancelObserved != nil {
								cancelObserved <- time.Since(start)
							}
							return ctx.Err()
						case <-time.After(30 * time.Millisecond):
						}
					}
					return nil
				},
			},
			{
				Desc: codec.MethodDescriptor{
					Method: "echo", Kind: codec.BidiStream,
					Request: reqCodec(), Response: replyCodec(),
				},
				Bidi: func(ctx context.Context, recv stream.Reader, send stream.Writer) error {
					for {
						v, err := recv.Recv()
						if err == io.EOF {
							return nil
						}
						if err != nil {
							return err
						}
						r := v.(*helloRequest)
						if err := send.Send(&helloReply{Message: r.Name}); err != nil {
							return err
						}
					}
				},
			},
		},
	}
}

// startServer serves the test service on a loopback port and returns its
// address. The server shuts down with the test.
func startServer(t *testing.T, who string, cancelObserved chan<- time.Duration, opts server.Options) string {
	t.Helper()
	srv := server.New(opts)
	require.NoError(t, srv.RegisterService(testService(who, cancelObserved)))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.ServeListener(l)
	t.Cleanup(func() { srv.GracefulStop(2 * time.Second) })
	return l.Addr().String()
}

func directClient(t *testing.T, addr string, opts ...client.Option) *client.Client {
	t.Helper()
	cl, err := client.New("tri://"+addr+"/"+helloService, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func TestUnaryHappyPath(t *testing.T) {
	addr := startServer(t, "srv", nil, server.Options{})
	cl := directClient(t, addr)

	reply, err := cl.Invoke(context.Background(), sayHelloDesc(), &helloRequest{Name: "world"}, nil)
	require.NoError(t, err)
	require.Equal(t, "Hello, world from srv", reply.(*helloReply).Message)
}

func TestUnaryDeadline(t *testing.T) {
	observed := make(chan time.Duration, 2)
	addr := startServer(t, "srv", observed, server.Options{})
	cl := directClient(t, addr)

	desc := &codec.MethodDescriptor{
		Service: helloService, Method: "sayHelloSlowly", Kind: codec.Unary,
		Request: reqCodec(), Response: replyCodec(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := cl.Invoke(ctx, desc, &helloRequest{Name: "slow"}, nil)
	require.Error(t, err)
	require.Equal(t, status.DeadlineExceeded, status.CodeOf(err))
	require.Less(t, time.Since(start), 180*time.Millisecond, "deadline did not cut the call short")

	// The handler must observe cancellation close to the deadline, well
	// before its 200ms sleep completes.
	select {
	case d := <-observed:
		require.Less(t, d, 150*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("handler never observed cancellation")
	}
}

func TestClientStreamCount(t *testing.T) {
	addr := startServer(t, "srv", nil, server.Options{})
	cl := directClient(t, addr)

	desc := &codec.MethodDescriptor{
		Service: helloService, Method: "count", Kind: codec.ClientStream,
		Request: reqCodec(), Response: countCodec(),
	}

	cs, err := cl.ClientStream(context.Background(), desc, nil)
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, cs.Send(&helloRequest{Name: name}))
	}
	reply, err := cs.CloseAndRecv()
	require.NoError(t, err)
	require.Equal(t, 4, reply.(*countReply).Count)
}

func TestServerStreamCancellation(t *testing.T) {
	observed := make(chan time.Duration, 2)
	addr := startServer(t, "srv", observed, server.Options{})
	cl := directClient(t, addr)

	desc := &codec.MethodDescriptor{
		Service: helloService, Method: "countdown", Kind: codec.ServerStream,
		Request: reqCodec(), Response: replyCodec(),
	}

	ss, err := cl.ServerStream(context.Background(), desc, &helloRequest{Name: "go"}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		msg, err := ss.Recv()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("tick %d", i), msg.(*helloReply).Message)
	}
	ss.Cancel()

	_, err = ss.Recv()
	require.Error(t, err)
	require.Equal(t, status.Cancelled, status.CodeOf(err))

	// Cancelling twice is a no-op.
	ss.Cancel()
	_, err = ss.Recv()
	require.Equal(t, status.Cancelled, status.CodeOf(err))

	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("server handler never observed cancellation")
	}
}

func TestBidiEcho(t *testing.T) {
	addr := startServer(t, "srv", nil, server.Options{})
	cl := directClient(t, addr)

	desc := &codec.MethodDescriptor{
		Service: helloService, Method: "echo", Kind: codec.BidiStream,
		Request: reqCodec(), Response: replyCodec(),
	}

	bs, err := cl.BidiStream(context.Background(), desc, nil)
	require.NoError(t, err)

	words := []string{"hello", "world", "from", "dubbo"}
	for _, w := range words {
		require.NoError(t, bs.Send(&helloRequest{Name: w}))
	}
	require.NoError(t, bs.CloseSend())

	for _, w := range words {
		msg, err := bs.Recv()
		require.NoError(t, err)
		require.Equal(t, w, msg.(*helloReply).Message)
	}
	_, err = bs.Recv()
	require.Equal(t, io.EOF, err)
	require.Equal(t, status.OK, bs.Status().Code())
}

func TestUnknownMethodIsUnimplemented(t *testing.T) {
	addr := startServer(t, "srv", nil, server.Options{})
	cl := directClient(t, addr)

	desc := &codec.MethodDescriptor{
		Service: helloService, Method: "noSuchMethod", Kind: codec.Unary,
		Request: reqCodec(), Response: replyCodec(),
	}
	_, err := cl.Invoke(context.Background(), desc, &helloRequest{Name: "x"}, nil)
	require.Equal(t, status.Unimplemented, status.CodeOf(err))
}

func TestProviderChurn(t *testing.T) {
	reg := registry.NewInMemory()
	defer reg.Close()
	key := registry.ServiceKey{Interface: helloService}

	addrA := startServer(t, "A", nil, server.Options{})
	addrB := startServer(t, "B", nil, server.Options{})

	epOf := func(addr string) registry.Endpoint {
		host, portStr, err := net.SplitHostPort(addr)
		require.NoError(t, err)
		var port int
		fmt.Sscanf(portStr, "%d", &port)
		return registry.Endpoint{Host: host, Port: port}
	}

	leaseA, err := reg.Register(key, epOf(addrA))
	require.NoError(t, err)
	leaseB, err := reg.Register(key, epOf(addrB))
	require.NoError(t, err)

	cl, err := client.New("zookeeper://registry.invalid:2181/",
		client.WithRegistry(reg),
		client.WithInterface(helloService),
		client.WithStaleGrace(300*time.Millisecond),
	)
	require.NoError(t, err)
	defer cl.Close()

	invoke := func() (string, error) {
		reply, err := cl.Invoke(context.Background(), sayHelloDesc(), &helloRequest{Name: "w"}, nil)
		if err != nil {
			return "", err
		}
		return reply.(*helloReply).Message, nil
	}

	// Both providers present: calls succeed against either.
	seen := map[string]bool{}
	for i := 0; i < 40; i++ {
		msg, err := invoke()
		require.NoError(t, err)
		seen[msg] = true
	}
	require.Len(t, seen, 2, "random balancing should reach both providers")
	require.Len(t, cl.Directory().Snapshot().Endpoints, 2)

	// B disappears: every further call lands on A.
	require.NoError(t, leaseB.Close())
	require.Len(t, cl.Directory().Snapshot().Endpoints, 1)
	for i := 0; i < 20; i++ {
		msg, err := invoke()
		require.NoError(t, err)
		require.Equal(t, "Hello, w from A", msg)
	}

	// A disappears too: inside the grace window the stale list keeps
	// serving (A's server still runs, it is merely deregistered).
	require.NoError(t, leaseA.Close())
	require.Empty(t, cl.Directory().Snapshot().Endpoints)
	msg, err := invoke()
	require.NoError(t, err)
	require.Equal(t, "Hello, w from A", msg)

	// Past the grace window, selection fails with Unavailable.
	time.Sleep(400 * time.Millisecond)
	_, err = invoke()
	require.Equal(t, status.Unavailable, status.CodeOf(err))
}

func TestHTTPJSONUnary(t *testing.T) {
	addr := startServer(t, "srv", nil, server.Options{})

	body, err := json.Marshal(&helloRequest{Name: "plain"})
	require.NoError(t, err)
	resp, err := http.Post("http://"+addr+"/"+helloService+"/sayHello", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply helloReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.Equal(t, "Hello, plain from srv", reply.Message)

	// Unknown path over plain HTTP is a 404, not a Triple trailer.
	resp2, err := http.Post("http://"+addr+"/nope/nope", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}
