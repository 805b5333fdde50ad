package nomagic

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nomagichttp/nomagic/internal/netutil"
)

// driveExchange wires a Router through a single exchangeRunner over an
// in-memory pipe: the client side writes req and reads back the raw
// response bytes the server side produces.
func driveExchange(t *testing.T, routes RouteTable, cfg *Config, req string) string {
	t.Helper()
	pc := netutil.NewPipeConns()
	client := pc.Conn1()
	server := pc.Conn2()

	if cfg == nil {
		c := DefaultConfig()
		cfg = &c
	}
	running := &atomic.Bool{}
	running.Store(true)

	runner := newExchangeRunner(server, cfg, routes, nil, nil, running, nil)
	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background()) }()

	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	<-done
	_ = pc.Close()
	out, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return string(out)
}

func TestExchangeSimpleGET(t *testing.T) {
	rt := NewRouter()
	if err := rt.Handle("/hello", "GET", "", nil, func(ctx context.Context, req *Request) (*Response, error) {
		return Text(200, "hi"), nil
	}); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.TimeoutIdleConnection = 0
	out := driveExchange(t, rt, &cfg, "GET /hello HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("got %q", out)
	}
	if !strings.Contains(out, "Content-Length: 2") {
		t.Fatalf("expected Content-Length: 2, got %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nhi") {
		t.Fatalf("expected body %q at the end, got %q", "hi", out)
	}
}

func TestExchangeRouteMiss404(t *testing.T) {
	rt := NewRouter()
	cfg := DefaultConfig()
	cfg.TimeoutIdleConnection = 0
	out := driveExchange(t, rt, &cfg, "GET /nope HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	if !strings.HasPrefix(out, "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("got %q", out)
	}
}

func TestExchangeBeforeActionShortCircuits(t *testing.T) {
	rt := NewRouter()
	if err := rt.Handle("/secret", "GET", "", nil, func(ctx context.Context, req *Request) (*Response, error) {
		return Text(200, "nope, shouldn't reach here"), nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Before("/secret", func(ctx context.Context, req *Request, proceed func() (*Response, error)) (*Response, error) {
		return NewResponse(401), nil
	}); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.TimeoutIdleConnection = 0
	out := driveExchange(t, rt, &cfg, "GET /secret HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	if !strings.HasPrefix(out, "HTTP/1.1 401 Unauthorized\r\n") {
		t.Fatalf("got %q", out)
	}
}

func TestExchangeRequestBodyEchoed(t *testing.T) {
	rt := NewRouter()
	if err := rt.Handle("/echo", "POST", "", nil, func(ctx context.Context, req *Request) (*Response, error) {
		var body []byte
		for {
			v, err := req.NextBody(ctx)
			if err != nil {
				break
			}
			body = append(body, v...)
		}
		return Text(200, string(body)), nil
	}); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.TimeoutIdleConnection = 0
	wire := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"
	out := driveExchange(t, rt, &cfg, wire)

	if !strings.HasSuffix(out, "\r\n\r\nhello") {
		t.Fatalf("expected echoed body, got %q", out)
	}
}

func TestExchangeAfterActionRewritesResponse(t *testing.T) {
	rt := NewRouter()
	if err := rt.Handle("/ping", "GET", "", nil, func(ctx context.Context, req *Request) (*Response, error) {
		return NewResponse(200), nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := rt.After("/ping", func(ctx context.Context, req *Request, resp *Response) (*Response, error) {
		resp.Headers.Set("X-Stamped", []byte("yes"))
		return resp, nil
	}); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.TimeoutIdleConnection = 0
	out := driveExchange(t, rt, &cfg, "GET /ping HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	if !strings.Contains(out, "X-Stamped: yes") {
		t.Fatalf("expected the after-action's header, got %q", out)
	}
}

func TestExchangeErrorHandlerRecoversHandlerFailure(t *testing.T) {
	rt := NewRouter()
	if err := rt.Handle("/boom", "GET", "", nil, func(ctx context.Context, req *Request) (*Response, error) {
		return nil, io.ErrUnexpectedEOF
	}); err != nil {
		t.Fatal(err)
	}

	pc := netutil.NewPipeConns()
	client := pc.Conn1()
	server := pc.Conn2()
	cfg := DefaultConfig()
	cfg.TimeoutIdleConnection = 0
	running := &atomic.Bool{}
	running.Store(true)

	errHandler := func(ctx context.Context, req *Request, cause error) (*Response, error) {
		return Text(500, "recovered: "+cause.Error()), nil
	}
	runner := newExchangeRunner(server, &cfg, rt, errHandler, nil, running, nil)
	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background()) }()

	if _, err := client.Write([]byte("GET /boom HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	<-done
	_ = pc.Close()
	out, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(string(out), "HTTP/1.1 500 Internal Server Error\r\n") {
		t.Fatalf("got %q", out)
	}
	if !strings.Contains(string(out), "recovered: unexpected EOF") {
		t.Fatalf("expected the error handler's recovered body, got %q", out)
	}
}

func TestExchangePipelinedRequestsOnSameConnection(t *testing.T) {
	rt := NewRouter()
	if err := rt.Handle("/a", "GET", "", nil, func(ctx context.Context, req *Request) (*Response, error) {
		return Text(200, "A"), nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Handle("/b", "GET", "", nil, func(ctx context.Context, req *Request) (*Response, error) {
		return Text(200, "B"), nil
	}); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.TimeoutIdleConnection = 0
	wire := "GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"
	out := driveExchange(t, rt, &cfg, wire)

	r := bufio.NewReader(strings.NewReader(out))
	statusLine1, _ := r.ReadString('\n')
	if !strings.Contains(statusLine1, "200 OK") {
		t.Fatalf("first status line: %q", statusLine1)
	}
	if !strings.HasSuffix(out, "B") {
		t.Fatalf("expected the pipelined second response to end with B, got %q", out)
	}
	if !strings.Contains(out, "A") {
		t.Fatalf("expected the first response's body A to be present, got %q", out)
	}
}
