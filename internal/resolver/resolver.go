package resolver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"runtime"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"socks-async/internal/dnswire"
	"socks-async/internal/domain"
	"socks-async/internal/infrastructure/network"
)

const (
	DefaultPort    = 53
	DefaultTimeout = 60 * time.Second

	udpReadSize = 4096
)

type State int

const (
	StateOpen     State = 0
	StateAwaiting State = 1
	// StateAwaitingTCPLength reads the body once the TCP length prefix is known.
	StateAwaitingTCPLength State = 2
	StatePreReady          State = 3
	StateReady             State = -1
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAwaiting:
		return "awaiting"
	case StateAwaitingTCPLength:
		return "awaiting_tcp_length"
	case StatePreReady:
		return "pre_ready"
	case StateReady:
		return "ready"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

var (
	ErrTimeout        = fmt.Errorf("%w: dns read timeout", domain.ErrSocket)
	ErrAbandoned      = fmt.Errorf("%w: resolver closed before the answer arrived", domain.ErrSocket)
	ErrBusy           = errors.New("resolver already has a query in flight")
	ErrNoQuery        = errors.New("resolver has no query to poll")
	ErrInvalidTimeout = errors.New("timeout must be a positive duration")
	ErrInvalidPort    = errors.New("port out of range")
)

// Callback receives the decoded response or an error, never both.
type Callback func(*dnswire.Response, error)

type Config struct {
	// Server is the IP address of the upstream DNS server.
	Server  string
	Port    int
	TCP     bool
	Timeout time.Duration
	Logger  *slog.Logger
}

// Resolver is a stub resolver speaking to a single upstream server. One
// asynchronous query can be in flight at a time; it is advanced by Poll.
type Resolver struct {
	log     *slog.Logger
	server  netip.Addr
	port    int
	tcp     bool
	timeout time.Duration

	fd              int
	state           State
	connected       bool
	request         []byte
	id              uint16
	awaitingStarted time.Time
	prefix          [2]byte
	prefixLen       int
	body            []byte
	want            int

	result *completion
}

func New(cfg Config) (*Resolver, error) {
	server, err := netip.ParseAddr(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("dns server %q: %w", cfg.Server, err)
	}
	r := &Resolver{
		log:     cfg.Logger,
		server:  server.Unmap(),
		port:    DefaultPort,
		tcp:     cfg.TCP,
		timeout: DefaultTimeout,
		fd:      -1,
		state:   StateReady,
	}
	if r.log == nil {
		r.log = slog.New(slog.DiscardHandler)
	}
	if cfg.Port != 0 {
		if err := r.SetPort(cfg.Port); err != nil {
			return nil, err
		}
	}
	if cfg.Timeout != 0 {
		if err := r.SetTimeout(cfg.Timeout); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Resolver) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: <%s>", ErrInvalidTimeout, d)
	}
	r.timeout = d
	return nil
}

func (r *Resolver) Timeout() time.Duration { return r.timeout }

func (r *Resolver) SetPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	r.port = port
	return nil
}

func (r *Resolver) Port() int { return r.port }

func (r *Resolver) Server() netip.AddrPort {
	return netip.AddrPortFrom(r.server, uint16(r.port))
}

func (r *Resolver) State() State { return r.state }

func (r *Resolver) FD() int { return r.fd }

// QueryAsync opens a socket and prepares the question. Nothing is sent until
// the first Poll. cb is invoked exactly once, from Poll or Close.
func (r *Resolver) QueryAsync(name, qtype string, cb Callback) error {
	if r.result != nil && r.state != StateReady {
		return ErrBusy
	}
	typeID, err := dnswire.Types.ByName(qtype)
	if err != nil {
		return err
	}
	msg, err := dnswire.EncodeQuery(dnswire.Query{Name: name, Type: typeID})
	if err != nil {
		return err
	}
	if !r.tcp {
		if err := dnswire.CheckUDPSize(msg); err != nil {
			return err
		}
	}

	sockType := unix.SOCK_DGRAM
	if r.tcp {
		sockType = unix.SOCK_STREAM
	}
	fd, err := network.NewSocket(network.Family(r.server), sockType)
	if err != nil {
		return fmt.Errorf("%w: open socket to %s: %v", domain.ErrSocket, r.Server(), err)
	}

	// UDP connect only fixes the peer address, it never blocks.
	connected, err := network.Connect(fd, network.Sockaddr(r.Server()))
	if err != nil {
		network.Close(fd)
		return fmt.Errorf("%w: connect %s: %v", domain.ErrSocket, r.Server(), err)
	}

	r.fd = fd
	r.connected = connected
	r.id = dnswire.MessageID(msg)
	r.request = msg
	if r.tcp {
		r.request = dnswire.FrameTCP(msg)
	}
	r.prefixLen = 0
	r.body = nil
	r.want = 0
	r.result = newCompletion(cb)
	r.awaitingStarted = time.Now()
	r.setState(StateOpen)

	r.log.Debug("DNS query prepared", "name", name, "type", qtype, "server", r.Server(), "tcp", r.tcp, "id", r.id)
	return nil
}

// Poll advances the query by one step. Failures are reported through the
// callback; the returned error only flags misuse.
func (r *Resolver) Poll() error {
	if r.result == nil {
		return ErrNoQuery
	}

	switch r.state {
	case StateOpen:
		r.pollOpen()
	case StateAwaiting:
		if r.tcp {
			r.pollLength()
		} else {
			r.pollDatagram()
		}
	case StateAwaitingTCPLength:
		r.pollBody()
	case StatePreReady:
		resp, err := dnswire.DecodeResponse(r.body)
		if err == nil && resp.ID != r.id {
			resp, err = nil, fmt.Errorf("%w: response id %d does not match query id %d", dnswire.ErrMalformed, resp.ID, r.id)
		}
		r.setState(StateReady)
		r.result.deliver(resp, err)
	case StateReady:
		runtime.Gosched()
	}
	return nil
}

func (r *Resolver) pollOpen() {
	if !r.connected {
		ok, err := network.Connect(r.fd, network.Sockaddr(r.Server()))
		if err != nil {
			r.fail(fmt.Errorf("%w: connect %s: %v", domain.ErrSocket, r.Server(), err))
			return
		}
		if !ok {
			if r.expired() {
				r.fail(fmt.Errorf("%w: connect %s", ErrTimeout, r.Server()))
			}
			return
		}
		r.connected = true
	}

	if err := network.Write(r.fd, r.request); err != nil {
		r.fail(fmt.Errorf("%w: failed to write question: %v", domain.ErrSocket, err))
		return
	}
	r.awaitingStarted = time.Now()
	r.setState(StateAwaiting)
}

func (r *Resolver) pollDatagram() {
	buf := make([]byte, udpReadSize)
	n, err := network.Recv(r.fd, buf)
	if err != nil {
		r.fail(fmt.Errorf("%w: failed to read: %v", domain.ErrSocket, err))
		return
	}
	if n == 0 {
		r.checkTimeout()
		return
	}
	r.body = buf[:n]
	r.closeSocket()
	r.setState(StatePreReady)
}

func (r *Resolver) pollLength() {
	n, err := network.Read(r.fd, r.prefix[r.prefixLen:])
	if err != nil {
		r.fail(fmt.Errorf("%w: failed to read length: %v", domain.ErrSocket, readErr(err)))
		return
	}
	if n == 0 {
		r.checkTimeout()
		return
	}
	r.prefixLen += n
	if r.prefixLen < len(r.prefix) {
		return
	}

	r.want = int(binary.BigEndian.Uint16(r.prefix[:]))
	r.body = make([]byte, 0, r.want)
	r.setState(StateAwaitingTCPLength)
	if r.want == 0 {
		r.closeSocket()
		r.setState(StatePreReady)
	}
}

func (r *Resolver) pollBody() {
	n, err := network.Read(r.fd, r.body[len(r.body):r.want])
	if err != nil {
		r.fail(fmt.Errorf("%w: failed to read data buffer: %v", domain.ErrSocket, readErr(err)))
		return
	}
	if n == 0 {
		r.checkTimeout()
		return
	}
	r.body = r.body[:len(r.body)+n]
	if len(r.body) < r.want {
		return
	}
	r.closeSocket()
	r.setState(StatePreReady)
}

func (r *Resolver) checkTimeout() {
	if r.expired() {
		r.fail(fmt.Errorf("%w after %s", ErrTimeout, r.timeout))
	}
}

func (r *Resolver) expired() bool {
	return time.Since(r.awaitingStarted) > r.timeout
}

func (r *Resolver) fail(err error) {
	r.log.Warn("DNS query failed", "server", r.Server(), "state", r.state, "error", err)
	r.closeSocket()
	r.setState(StateReady)
	r.result.deliver(nil, err)
}

// Close releases the socket. A query still in flight completes with
// ErrAbandoned.
func (r *Resolver) Close() error {
	r.closeSocket()
	if r.result != nil && r.state != StateReady {
		r.setState(StateReady)
		r.result.deliver(nil, ErrAbandoned)
	}
	return nil
}

func (r *Resolver) Ready() bool { return r.state == StateReady }

func (r *Resolver) Stop() { r.Close() }

// WaitFD reports the socket and readiness the current state is waiting on.
func (r *Resolver) WaitFD() (int, domain.EventType) {
	switch {
	case r.fd < 0:
		return -1, 0
	case r.state == StateOpen:
		return r.fd, domain.EventWrite
	case r.state == StateAwaiting, r.state == StateAwaitingTCPLength:
		return r.fd, domain.EventRead
	default:
		return -1, 0
	}
}

// Done is closed once the callback has run.
func (r *Resolver) Done() <-chan struct{} {
	if r.result == nil {
		return nil
	}
	return r.result.done
}

// Result returns what the callback received. It is only meaningful after Done.
func (r *Resolver) Result() (*dnswire.Response, error) {
	if r.result == nil {
		return nil, ErrNoQuery
	}
	return r.result.resp, r.result.err
}

func (r *Resolver) setState(s State) {
	if r.state == s {
		return
	}
	r.log.Debug("DNS step", "step", "resolver", "from", r.state, "to", s)
	r.state = s
}

func (r *Resolver) closeSocket() {
	if r.fd >= 0 {
		network.Close(r.fd)
		r.fd = -1
	}
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// completion hands a result to its callback at most once.
type completion struct {
	once sync.Once
	done chan struct{}
	cb   Callback
	resp *dnswire.Response
	err  error
}

func newCompletion(cb Callback) *completion {
	return &completion{done: make(chan struct{}), cb: cb}
}

func (c *completion) deliver(resp *dnswire.Response, err error) {
	c.once.Do(func() {
		c.resp, c.err = resp, err
		close(c.done)
		if c.cb != nil {
			c.cb(resp, err)
		}
	})
}
