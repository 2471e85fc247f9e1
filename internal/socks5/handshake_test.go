package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"socks-async/internal/dnswire"
	"socks-async/internal/domain"
	"socks-async/internal/namecache"
	"socks-async/internal/resolver"
	"socks-async/internal/testutil"
	"socks-async/internal/watchdog"
)

type stubResolver struct {
	queries []string
	cb      resolver.Callback
	answer  string
	err     error
	hold    bool
	closed  bool
}

func (s *stubResolver) QueryAsync(name, qtype string, cb resolver.Callback) error {
	s.queries = append(s.queries, name+"/"+qtype)
	s.cb = cb
	return nil
}

func (s *stubResolver) Poll() error {
	if s.cb == nil || s.hold {
		return nil
	}
	cb := s.cb
	s.cb = nil
	if s.err != nil {
		cb(nil, s.err)
		return nil
	}
	if s.answer == "" {
		cb(&dnswire.Response{}, nil)
		return nil
	}
	cb(&dnswire.Response{Answers: []dnswire.Record{{
		Domain: "stub", Type: dnswire.TypeA, TypeName: "A", Class: dnswire.ClassIN,
		Data: dnswire.A{IPv4: s.answer},
	}}}, nil)
	return nil
}

func (s *stubResolver) Close() error {
	s.closed = true
	if s.cb != nil {
		cb := s.cb
		s.cb = nil
		cb(nil, resolver.ErrAbandoned)
	}
	return nil
}

type resolverFactory struct {
	stub  *stubResolver
	calls atomic.Int32
}

func (f *resolverFactory) New(resolver.Config) (Resolver, error) {
	f.calls.Add(1)
	return f.stub, nil
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(p)
	return host, port
}

func newTestHandshake(t *testing.T, cfg Config) *Handshake {
	t.Helper()
	if cfg.Cache == nil {
		cfg.Cache = namecache.New(namecache.DefaultTTL)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	h, err := NewHandshake(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h
}

// run polls h to completion and returns every state it passed through.
func run(t *testing.T, h *Handshake) ([]domain.State, error) {
	t.Helper()
	trace := []domain.State{h.State()}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		err := h.Poll()
		if s := h.State(); s != trace[len(trace)-1] {
			trace = append(trace, s)
		}
		if err != nil || h.Ready() {
			return trace, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("handshake stuck in %s", h.State())
	return nil, nil
}

func TestLocalhostSkipsDNS(t *testing.T) {
	f := &resolverFactory{stub: &stubResolver{}}
	h := newTestHandshake(t, Config{
		Proxy:       &domain.Proxy{Server: "localhost", Port: 1080, Type: domain.ProxySOCKS5},
		Target:      domain.Target{Host: "example.com", Port: 80},
		NewResolver: f.New,
	})

	for i := 0; i < 2; i++ {
		if err := h.Poll(); err != nil {
			t.Fatal(err)
		}
	}
	if h.State() != domain.StateConnect {
		t.Fatalf("state = %s", h.State())
	}
	if h.Proxy().Server != "127.0.0.1" {
		t.Fatalf("server = %q", h.Proxy().Server)
	}
	if f.calls.Load() != 0 {
		t.Fatal("resolver was used for localhost")
	}
}

func TestResolveConsultsCache(t *testing.T) {
	tests := []struct {
		name       string
		age        time.Duration
		wantServer string
		wantLookup bool
	}{
		{name: "fresh", age: 10 * time.Second, wantServer: "1.2.3.4", wantLookup: false},
		{name: "expired", age: 301 * time.Second, wantServer: "5.6.7.8", wantLookup: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Unix(1_700_000_000, 0)
			cache := namecache.New(namecache.DefaultTTL, namecache.WithClock(func() time.Time { return now }))
			cache.Store("example.com", "1.2.3.4")
			now = now.Add(tt.age)

			f := &resolverFactory{stub: &stubResolver{answer: "5.6.7.8"}}
			h := newTestHandshake(t, Config{
				Proxy:       &domain.Proxy{Server: "example.com", Port: 1080, Type: domain.ProxySOCKS5},
				Target:      domain.Target{Host: "target.example", Port: 443},
				Cache:       cache,
				NewResolver: f.New,
			})

			for i := 0; i < 2; i++ {
				if err := h.Poll(); err != nil {
					t.Fatal(err)
				}
			}
			if h.State() != domain.StateConnect {
				t.Fatalf("state = %s", h.State())
			}
			if h.Proxy().Server != tt.wantServer {
				t.Fatalf("server = %q", h.Proxy().Server)
			}
			if got := f.calls.Load() == 1; got != tt.wantLookup {
				t.Fatalf("resolver used = %t", got)
			}
			if tt.wantLookup {
				if !reflect.DeepEqual(f.stub.queries, []string{"example.com/A"}) {
					t.Fatalf("queries = %v", f.stub.queries)
				}
				if ip, ok := cache.Lookup("example.com"); !ok || ip != "5.6.7.8" {
					t.Fatalf("cache = %q %t", ip, ok)
				}
			}
		})
	}
}

func TestResolveFailure(t *testing.T) {
	tests := []struct {
		name string
		stub *stubResolver
	}{
		{name: "resolver error", stub: &stubResolver{err: resolver.ErrTimeout}},
		{name: "no A record", stub: &stubResolver{answer: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &resolverFactory{stub: tt.stub}
			h := newTestHandshake(t, Config{
				Proxy:       &domain.Proxy{Server: "proxy.example", Port: 1080, Type: domain.ProxySOCKS5},
				Target:      domain.Target{Host: "example.com", Port: 80},
				NewResolver: f.New,
			})
			_, err := run(t, h)
			if !errors.Is(err, domain.ErrConnectionNotEstablished) {
				t.Fatalf("err = %v", err)
			}
			if h.FD() != -1 {
				t.Fatal("socket not closed")
			}
		})
	}
}

func TestStopDuringResolve(t *testing.T) {
	f := &resolverFactory{stub: &stubResolver{hold: true}}
	h := newTestHandshake(t, Config{
		Proxy:       &domain.Proxy{Server: "slow.example", Port: 1080, Type: domain.ProxySOCKS5},
		Target:      domain.Target{Host: "example.com", Port: 80},
		NewResolver: f.New,
	})
	for i := 0; i < 3; i++ {
		if err := h.Poll(); err != nil {
			t.Fatal(err)
		}
	}
	if h.State() != domain.StateResolve {
		t.Fatalf("state = %s", h.State())
	}

	h.Stop()
	if !f.stub.closed {
		t.Fatal("lookup left running")
	}
	if err := h.Poll(); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
	if h.Proxy().Server != "slow.example" {
		t.Fatalf("server rewritten to %q", h.Proxy().Server)
	}
}

func TestHandshakeStates(t *testing.T) {
	tests := []struct {
		name  string
		login string
		pass  string
		want  []domain.State
	}{
		{
			name: "no auth",
			want: []domain.State{
				domain.StateInitial, domain.StateResolve, domain.StateConnect, domain.StateGreeting,
				domain.StateSocketConnect, domain.StateReadStatus, domain.StateReady,
			},
		},
		{
			name:  "user pass",
			login: "user",
			pass:  "secret",
			want: []domain.State{
				domain.StateInitial, domain.StateResolve, domain.StateConnect, domain.StateGreeting,
				domain.StateAuth, domain.StateSocketConnect, domain.StateReadStatus, domain.StateReady,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			echo := testutil.StartEchoTCPServer(t, ctx)
			ln, wait := testutil.StartSOCKS5Server(t, ctx, testutil.SOCKS5Options{User: tt.login, Pass: tt.pass})
			host, port := hostPort(t, ln.Addr().String())
			targetHost, targetPort := hostPort(t, echo.Addr().String())

			c, err := NewConn(Config{
				Proxy:          &domain.Proxy{Server: host, Port: port, Type: domain.ProxySOCKS5, Login: tt.login, Password: tt.pass},
				Target:         domain.Target{Host: targetHost, Port: targetPort},
				ConnectTimeout: 2 * time.Second,
				Cache:          namecache.New(time.Minute),
			})
			if err != nil {
				t.Fatal(err)
			}

			trace, err := run(t, c.Handshake)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(trace, tt.want) {
				t.Fatalf("trace = %v\nwant    %v", trace, tt.want)
			}

			conn, err := c.NetConn()
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEcho(t, conn, conn, []byte("through the tunnel"))
			conn.Close()
			wait()
		})
	}
}

func TestHandshakeFailures(t *testing.T) {
	rawProxy := func(reply ...byte) func(net.Conn) {
		return func(c net.Conn) {
			greeting := make([]byte, 4)
			if _, err := io.ReadFull(c, greeting); err != nil {
				return
			}
			_, _ = c.Write(reply)
			_, _ = io.Copy(io.Discard, c)
		}
	}

	tests := []struct {
		name    string
		handler func(net.Conn)
		opts    *testutil.SOCKS5Options
		login   string
		want    error
		wantMsg string
	}{
		{name: "bad version", handler: rawProxy(0x04, 0x00), want: domain.ErrUnexpectedProtocolVersion},
		{name: "no acceptable method", handler: rawProxy(0x05, 0xFF), want: domain.ErrUnsupportedAuthType},
		{name: "gssapi", handler: rawProxy(0x05, 0x01), want: domain.ErrUnsupportedAuthType},
		{
			name: "closed during greeting",
			handler: func(c net.Conn) {
				_, _ = io.ReadFull(c, make([]byte, 4))
			},
			want: domain.ErrConnectionNotEstablished,
		},
		{name: "auth failed", opts: &testutil.SOCKS5Options{User: "user", Pass: "right"}, login: "user", want: domain.ErrAuthFailed},
		{
			name:    "connect refused by proxy",
			opts:    &testutil.SOCKS5Options{Rep: txsocks5.RepConnectionRefused},
			want:    domain.ErrConnectionNotEstablished,
			wantMsg: "response code 5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			handler := tt.handler
			if tt.opts != nil {
				opts := *tt.opts
				handler = func(c net.Conn) { _ = testutil.HandleSOCKS5Connect(ctx, c, opts) }
			}
			ln, wait := testutil.StartSingleAcceptServer(t, ctx, handler)
			host, port := hostPort(t, ln.Addr().String())

			h := newTestHandshake(t, Config{
				Proxy:  &domain.Proxy{Server: host, Port: port, Type: domain.ProxySOCKS5, Login: tt.login, Password: "wrong"},
				Target: domain.Target{Host: "127.0.0.1", Port: 9},
			})
			_, err := run(t, h)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("err = %v", err)
			}
			if h.FD() != -1 {
				t.Fatal("socket not closed")
			}
			if again := h.Poll(); again != err {
				t.Fatalf("error not sticky: %v", again)
			}
			wait()
		})
	}
}

func TestUnreachableProxy(t *testing.T) {
	host, port := hostPort(t, testutil.ClosedPort(t))
	h := newTestHandshake(t, Config{
		Proxy:  &domain.Proxy{Server: host, Port: port, Type: domain.ProxySOCKS5},
		Target: domain.Target{Host: "example.com", Port: 80},
	})
	trace, err := run(t, h)
	if !errors.Is(err, domain.ErrUnreachableProxy) {
		t.Fatalf("err = %v", err)
	}
	if trace[len(trace)-1] != domain.StateConnect {
		t.Fatalf("failed in %s", trace[len(trace)-1])
	}
}

func TestStepStuck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Accepts and never answers the greeting.
	ln, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})
	host, port := hostPort(t, ln.Addr().String())

	h := newTestHandshake(t, Config{
		Proxy:       &domain.Proxy{Server: host, Port: port, Type: domain.ProxySOCKS5},
		Target:      domain.Target{Host: "example.com", Port: 80},
		StepTimeout: 100 * time.Millisecond,
	})
	_, err := run(t, h)
	if !errors.Is(err, domain.ErrStepStuck) || !errors.Is(err, watchdog.ErrStepTooLong) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "greeting") {
		t.Fatalf("step name missing: %v", err)
	}
	if h.FD() != -1 {
		t.Fatal("socket not closed")
	}
	wait()
}

func TestResolveTargetSendsAddress(t *testing.T) {
	tests := []struct {
		name          string
		resolveTarget bool
		targetHost    string
		wantAtyp      byte
	}{
		{name: "proxy resolves", resolveTarget: false, targetHost: "localhost", wantAtyp: txsocks5.ATYPDomain},
		{name: "client resolves", resolveTarget: true, targetHost: "echo.example", wantAtyp: txsocks5.ATYPIPv4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			echo := testutil.StartEchoTCPServer(t, ctx)
			_, echoPort := hostPort(t, echo.Addr().String())

			requests := make(chan *txsocks5.Request, 1)
			ln, wait := testutil.StartSOCKS5Server(t, ctx, testutil.SOCKS5Options{Requests: requests})
			host, port := hostPort(t, ln.Addr().String())

			f := &resolverFactory{stub: &stubResolver{answer: "127.0.0.1"}}
			c, err := NewConn(Config{
				Proxy:          &domain.Proxy{Server: host, Port: port, Type: domain.ProxySOCKS5},
				Target:         domain.Target{Host: tt.targetHost, Port: echoPort},
				ConnectTimeout: 2 * time.Second,
				ResolveTarget:  tt.resolveTarget,
				Cache:          namecache.New(time.Minute),
				NewResolver:    f.New,
			})
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Wait(ctx); err != nil {
				t.Fatal(err)
			}

			req := <-requests
			if req.Atyp != tt.wantAtyp {
				t.Fatalf("atyp = %#x, want %#x", req.Atyp, tt.wantAtyp)
			}
			conn, err := c.NetConn()
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEcho(t, conn, conn, []byte("hello"))
			conn.Close()
			wait()
		})
	}
}

func TestLeftoverBytesAreKept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if _, err := txsocks5.NewNegotiationRequestFrom(c); err != nil {
			return
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(c); err != nil {
			return
		}
		if _, err := txsocks5.NewRequestFrom(c); err != nil {
			return
		}
		// Reply and the first server bytes in one segment.
		reply := []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90}
		_, _ = c.Write(append(reply, "220 ready\r\n"...))
		// The client half-closes, then still gets the goodbye.
		_, _ = io.Copy(io.Discard, c)
		_, _ = c.Write([]byte("221 bye\r\n"))
	})
	host, port := hostPort(t, ln.Addr().String())

	c, err := NewConn(Config{
		Proxy:  &domain.Proxy{Server: host, Port: port, Type: domain.ProxySOCKS5},
		Target: domain.Target{Host: "mail.example", Port: 25},
		Cache:  namecache.New(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	conn, err := c.NetConn()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	buf := make([]byte, len("220 ready\r\n"))
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "220 ready\r\n" {
		t.Fatalf("read %q, %v", buf, err)
	}

	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		t.Fatalf("%T hides CloseWrite", conn)
	}
	if err := cw.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	rest, err := io.ReadAll(conn)
	if err != nil || string(rest) != "221 bye\r\n" {
		t.Fatalf("after half-close read %q, %v", rest, err)
	}
	conn.Close()
	wait()
}

func TestReplyWithUnknownAddressType(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if _, err := txsocks5.NewNegotiationRequestFrom(c); err != nil {
			return
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(c); err != nil {
			return
		}
		if _, err := txsocks5.NewRequestFrom(c); err != nil {
			return
		}
		_, _ = c.Write([]byte{0x05, 0x00, 0x00, 0x09, 0xAA, 0xBB})
		_, _ = io.Copy(io.Discard, c)
	})
	host, port := hostPort(t, ln.Addr().String())

	h := newTestHandshake(t, Config{
		Proxy:  &domain.Proxy{Server: host, Port: port, Type: domain.ProxySOCKS5},
		Target: domain.Target{Host: "127.0.0.1", Port: 25},
	})
	if _, err := run(t, h); err != nil {
		t.Fatal(err)
	}
	if !h.Ready() || len(h.Leftover()) != 0 {
		t.Fatalf("ready=%t leftover=%v", h.Ready(), h.Leftover())
	}
	h.Stop()
	wait()
}

func TestProxyHostResolvedThroughDNS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dnsAddr := testutil.StartDNSServer(t, "udp", testutil.AnswerA("127.0.0.1"))
	echo := testutil.StartEchoTCPServer(t, ctx)
	targetHost, targetPort := hostPort(t, echo.Addr().String())
	ln, wait := testutil.StartSOCKS5Server(t, ctx, testutil.SOCKS5Options{})
	_, port := hostPort(t, ln.Addr().String())

	cache := namecache.New(time.Minute)
	c, err := NewConn(Config{
		Proxy:  &domain.Proxy{Server: "proxy.internal.example", Port: port, Type: domain.ProxySOCKS5},
		Target: domain.Target{Host: targetHost, Port: targetPort},
		Cache:  cache,
		DNS:    resolver.Config{Server: dnsAddr.Addr().String(), Port: int(dnsAddr.Port()), Timeout: time.Second},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Proxy().Server != "127.0.0.1" {
		t.Fatalf("server = %q", c.Proxy().Server)
	}
	if ip, ok := cache.Lookup("proxy.internal.example"); !ok || ip != "127.0.0.1" {
		t.Fatalf("cache = %q %t", ip, ok)
	}
	conn, err := c.NetConn()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, conn, conn, []byte("ping"))
	conn.Close()
	wait()
}

func TestHTTPProxyRejected(t *testing.T) {
	_, err := NewHandshake(Config{Proxy: &domain.Proxy{Server: "127.0.0.1", Port: 3128, Type: domain.ProxyHTTP}})
	if !errors.Is(err, domain.ErrProxyBadFormat) {
		t.Fatalf("err = %v", err)
	}
}
