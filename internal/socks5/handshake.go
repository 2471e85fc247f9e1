package socks5

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"socks-async/internal/dnswire"
	"socks-async/internal/domain"
	"socks-async/internal/infrastructure/network"
	"socks-async/internal/namecache"
	"socks-async/internal/resolver"
	"socks-async/internal/watchdog"
)

const (
	DefaultConnectTimeout = 10 * time.Second

	statusReadSize = 1024
)

var ErrStopped = errors.New("handshake stopped")

// Resolver is the part of the stub resolver the handshake drives.
type Resolver interface {
	QueryAsync(name, qtype string, cb resolver.Callback) error
	Poll() error
	Close() error
}

type Config struct {
	Proxy  *domain.Proxy
	Target domain.Target

	// ConnectTimeout sets SO_RCVTIMEO/SO_SNDTIMEO on the proxy socket.
	ConnectTimeout time.Duration
	// StepTimeout is how long any single step may take. Defaults to
	// ConnectTimeout.
	StepTimeout time.Duration

	// ResolveTarget sends the target as an IPv4 address instead of letting
	// the proxy resolve it.
	ResolveTarget bool

	Cache       domain.NameStore
	DNS         resolver.Config
	NewResolver func(resolver.Config) (Resolver, error)

	Logger *slog.Logger
	Clock  func() time.Time
}

type lookup struct {
	res  Resolver
	done bool
	err  error
}

// Handshake establishes a tunnel through a SOCKS5 proxy one Poll at a time.
type Handshake struct {
	log    *slog.Logger
	proxy  *domain.Proxy
	target domain.Target

	connectTimeout time.Duration
	resolveTarget  bool
	cache          domain.NameStore
	dnsConfig      resolver.Config
	newResolver    func(resolver.Config) (Resolver, error)

	step  *watchdog.Watchdog
	state domain.State
	fd    int
	ready bool
	err   error

	proxyLookup  *lookup
	targetLookup *lookup

	in       []byte
	leftover []byte
}

func NewHandshake(cfg Config) (*Handshake, error) {
	if cfg.Proxy == nil {
		return nil, fmt.Errorf("%w: no proxy given", domain.ErrProxyBadFormat)
	}
	if cfg.Proxy.Type == domain.ProxyHTTP {
		return nil, fmt.Errorf("%w: proxy %s is not socks5", domain.ErrProxyBadFormat, cfg.Proxy)
	}

	h := &Handshake{
		log:            cfg.Logger,
		proxy:          cfg.Proxy,
		target:         cfg.Target,
		connectTimeout: cfg.ConnectTimeout,
		resolveTarget:  cfg.ResolveTarget,
		cache:          cfg.Cache,
		dnsConfig:      cfg.DNS,
		newResolver:    cfg.NewResolver,
		state:          domain.StateInitial,
		fd:             -1,
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}
	if h.connectTimeout <= 0 {
		h.connectTimeout = DefaultConnectTimeout
	}
	if h.cache == nil {
		h.cache = namecache.Default
	}
	if h.newResolver == nil {
		h.newResolver = func(c resolver.Config) (Resolver, error) { return resolver.New(c) }
	}
	if h.dnsConfig.Logger == nil {
		h.dnsConfig.Logger = h.log
	}

	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = h.connectTimeout
	}
	opts := []watchdog.Option{watchdog.WithStepNames(func(s int) string { return domain.State(s).String() })}
	if cfg.Clock != nil {
		opts = append(opts, watchdog.WithClock(cfg.Clock))
	}
	h.step = watchdog.New("socks5_handshake", stepTimeout, opts...)
	h.step.SetStep(int(domain.StateInitial))
	return h, nil
}

// Poll performs at most one step. Once it has returned an error the
// handshake is stopped and every later call returns the same error.
func (h *Handshake) Poll() error {
	if h.err != nil {
		return h.err
	}
	if h.ready {
		return nil
	}

	var err error
	switch h.state {
	case domain.StateInitial:
		err = h.createSocket()
	case domain.StateResolve:
		err = h.resolve()
	case domain.StateConnect:
		err = h.connect()
	case domain.StateGreeting:
		err = h.readGreeting()
	case domain.StateAuth:
		err = h.readAuthStatus()
	case domain.StateSocketConnect:
		err = h.writeConnect()
	case domain.StateReadStatus:
		err = h.readStatus()
		if err == nil && h.ready {
			return nil
		}
	}
	if err != nil {
		return h.fail(err)
	}

	if err := h.step.Check(); err != nil {
		return h.fail(fmt.Errorf("%w: %w", domain.ErrStepStuck, err))
	}
	return nil
}

func (h *Handshake) createSocket() error {
	fd, err := network.NewTCPSocket(h.connectTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSocket, err)
	}
	h.fd = fd
	h.setState(domain.StateResolve)
	return nil
}

func (h *Handshake) resolve() error {
	done, err := h.resolveHost(&h.proxy.Server, &h.proxyLookup)
	if err != nil || !done {
		return err
	}
	if h.resolveTarget {
		done, err = h.resolveHost(&h.target.Host, &h.targetLookup)
		if err != nil || !done {
			return err
		}
	}
	h.setState(domain.StateConnect)
	return nil
}

// resolveHost rewrites *host to an IPv4 address, starting a lookup the first
// time it is called for a name that is neither a literal nor cached.
func (h *Handshake) resolveHost(host *string, l **lookup) (bool, error) {
	if *l == nil {
		if addr, err := netip.ParseAddr(*host); err == nil && addr.Is4() {
			return true, nil
		}
		if *host == "localhost" {
			*host = "127.0.0.1"
			return true, nil
		}
		if ip, ok := h.cache.Lookup(*host); ok {
			h.log.Debug("Name cache hit", "host", *host, "ip", ip)
			*host = ip
			return true, nil
		}

		res, err := h.newResolver(h.dnsConfig)
		if err != nil {
			return false, fmt.Errorf("%w: resolver: %w", domain.ErrConnectionNotEstablished, err)
		}
		lk := &lookup{res: res}
		name := *host
		err = res.QueryAsync(name, "A", func(resp *dnswire.Response, err error) {
			lk.done = true
			switch {
			case errors.Is(err, resolver.ErrAbandoned):
			case err != nil:
				lk.err = fmt.Errorf("%w: resolve %s: %w", domain.ErrConnectionNotEstablished, name, err)
			default:
				ip, ok := resp.FirstA()
				if !ok {
					lk.err = fmt.Errorf("%w: no A record for %s", domain.ErrConnectionNotEstablished, name)
					return
				}
				h.log.Info("DNS Resolved", "host", name, "ip", ip)
				h.cache.Store(name, ip)
				*host = ip
			}
		})
		if err != nil {
			res.Close()
			return false, fmt.Errorf("%w: resolve %s: %w", domain.ErrConnectionNotEstablished, name, err)
		}
		*l = lk
	}

	lk := *l
	if !lk.done {
		if err := lk.res.Poll(); err != nil {
			return false, fmt.Errorf("%w: %w", domain.ErrConnectionNotEstablished, err)
		}
	}
	return lk.done && lk.err == nil, lk.err
}

func (h *Handshake) connect() error {
	addr, err := netip.ParseAddr(h.proxy.Server)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("%w: on connect: bad address %q", domain.ErrUnreachableProxy, h.proxy.Server)
	}
	ok, err := network.Connect(h.fd, network.Sockaddr(netip.AddrPortFrom(addr, uint16(h.proxy.Port))))
	if err != nil {
		return fmt.Errorf("%w: on connect: %v", domain.ErrUnreachableProxy, err)
	}
	if !ok {
		return nil
	}

	if err := h.write(greeting()); err != nil {
		return err
	}
	h.setState(domain.StateGreeting)
	return nil
}

func (h *Handshake) readGreeting() error {
	reply, err := h.readExactly(2)
	if err != nil || reply == nil {
		return err
	}
	if reply[0] != txsocks5.Ver {
		return fmt.Errorf("%w (%d)", domain.ErrUnexpectedProtocolVersion, reply[0])
	}

	switch reply[1] {
	case txsocks5.MethodNone:
		h.setState(domain.StateSocketConnect)
	case txsocks5.MethodUsernamePassword:
		if err := h.write(userPass(h.proxy.Login, h.proxy.Password)); err != nil {
			return err
		}
		h.setState(domain.StateAuth)
	default:
		return fmt.Errorf("%w (%d)", domain.ErrUnsupportedAuthType, reply[1])
	}
	return nil
}

func (h *Handshake) readAuthStatus() error {
	reply, err := h.readExactly(2)
	if err != nil || reply == nil {
		return err
	}
	if reply[0] != txsocks5.UserPassVer || reply[1] != txsocks5.UserPassStatusSuccess {
		return domain.ErrAuthFailed
	}
	h.setState(domain.StateSocketConnect)
	return nil
}

func (h *Handshake) writeConnect() error {
	req, err := connectRequest(h.target.Host, h.target.Port)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectionNotEstablished, err)
	}
	if err := h.write(req); err != nil {
		return err
	}
	h.setState(domain.StateReadStatus)
	return nil
}

func (h *Handshake) readStatus() error {
	buf := make([]byte, statusReadSize)
	n, err := network.Read(h.fd, buf)
	if err != nil {
		return h.readFailed(err)
	}
	if n == 0 {
		return nil
	}
	h.in = append(h.in, buf[:n]...)

	if len(h.in) < 2 {
		return nil
	}
	if h.in[0] != txsocks5.Ver {
		return fmt.Errorf("%w (%d)", domain.ErrUnexpectedProtocolVersion, h.in[0])
	}
	if h.in[1] != txsocks5.RepSuccess {
		return fmt.Errorf("%w: response code %d", domain.ErrConnectionNotEstablished, h.in[1])
	}

	total, err := replyLen(h.in)
	switch {
	case err != nil:
		// The reply cannot be measured, so everything read with it is dropped.
		h.log.Warn("Odd CONNECT reply", "proxy", h.proxy, "error", err)
		total = len(h.in)
	case total == 0 || len(h.in) < total:
		return nil
	}

	h.leftover = append([]byte(nil), h.in[total:]...)
	h.in = nil
	h.ready = true
	h.state = domain.StateReady
	h.step.Finish()
	h.log.Info("Connected through proxy", "proxy", h.proxy, "target", h.target)
	return nil
}

// readExactly accumulates n bytes without reading past them. It returns nil
// until all n have arrived.
func (h *Handshake) readExactly(n int) ([]byte, error) {
	if len(h.in) < n {
		buf := make([]byte, n-len(h.in))
		got, err := network.Read(h.fd, buf)
		if err != nil {
			return nil, h.readFailed(err)
		}
		h.in = append(h.in, buf[:got]...)
	}
	if len(h.in) < n {
		return nil, nil
	}
	out := h.in[:n]
	h.in = h.in[n:]
	return out, nil
}

func (h *Handshake) readFailed(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: proxy closed the connection in %s", domain.ErrConnectionNotEstablished, h.state)
	}
	return fmt.Errorf("%w: read in %s: %v", domain.ErrSocket, h.state, err)
}

func (h *Handshake) write(b []byte) error {
	if err := network.Write(h.fd, b); err != nil {
		return fmt.Errorf("%w: write in %s: %v", domain.ErrSocket, h.state, err)
	}
	return nil
}

func (h *Handshake) setState(s domain.State) {
	h.log.Debug("Handshake step", "step", "socks5", "from", h.state, "to", s)
	h.state = s
	h.step.SetStep(int(s))
}

func (h *Handshake) fail(err error) error {
	h.log.Warn("Handshake failed", "proxy", h.proxy, "target", h.target, "state", h.state, "error", err)
	h.Stop()
	h.err = err
	return err
}

// Stop closes the socket and any lookup in flight. A handshake stopped
// before it was ready fails with ErrStopped from then on.
func (h *Handshake) Stop() {
	for _, lk := range []*lookup{h.proxyLookup, h.targetLookup} {
		if lk != nil && !lk.done {
			lk.res.Close()
		}
	}
	if h.fd >= 0 {
		network.Close(h.fd)
		h.fd = -1
	}
	if !h.ready && h.err == nil {
		h.err = ErrStopped
	}
}

func (h *Handshake) Ready() bool { return h.ready }

func (h *Handshake) Err() error { return h.err }

func (h *Handshake) State() domain.State { return h.state }

// FD is the proxy socket, connected to the target once Ready.
func (h *Handshake) FD() int { return h.fd }

func (h *Handshake) Proxy() *domain.Proxy { return h.proxy }

func (h *Handshake) Target() domain.Target { return h.target }

// Leftover returns bytes the proxy sent after its CONNECT reply.
func (h *Handshake) Leftover() []byte { return h.leftover }

// WaitFD reports what the current step is blocked on, or -1 when the next
// Poll can make progress straight away.
func (h *Handshake) WaitFD() (int, domain.EventType) {
	if h.err != nil || h.ready || h.fd < 0 {
		return -1, 0
	}
	switch h.state {
	case domain.StateResolve:
		for _, lk := range []*lookup{h.proxyLookup, h.targetLookup} {
			if lk == nil || lk.done {
				continue
			}
			if w, ok := lk.res.(domain.Waiter); ok {
				return w.WaitFD()
			}
		}
		return -1, 0
	case domain.StateConnect:
		return h.fd, domain.EventWrite
	case domain.StateGreeting, domain.StateAuth, domain.StateReadStatus:
		return h.fd, domain.EventRead
	default:
		return -1, 0
	}
}
