package socks5

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"socks-async/internal/domain"
)

// pollInterval is the pause between polls in Wait.
const pollInterval = time.Millisecond

// Conn is the poll-until-ready face of a handshake.
type Conn struct {
	*Handshake
}

func NewConn(cfg Config) (*Conn, error) {
	h, err := NewHandshake(cfg)
	if err != nil {
		return nil, err
	}
	return &Conn{Handshake: h}, nil
}

// Wait polls until the tunnel is up, the handshake fails or ctx is done.
func (c *Conn) Wait(ctx context.Context) error {
	return wait(ctx, c)
}

// NetConn hands the established tunnel over as a net.Conn. The handshake
// gives up its socket; closing the returned conn closes the tunnel.
func (c *Conn) NetConn() (net.Conn, error) {
	if !c.Ready() || c.FD() < 0 {
		return nil, fmt.Errorf("%w: tunnel not ready", domain.ErrConnectionNotEstablished)
	}

	f := os.NewFile(uintptr(c.fd), "socks5:"+c.target.String())
	c.fd = -1
	defer f.Close()

	// net.FileConn dups the descriptor and puts it under the runtime poller
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSocket, err)
	}
	if len(c.leftover) > 0 {
		return &prefixConn{Conn: conn, prefix: c.leftover}, nil
	}
	return conn, nil
}

// prefixConn returns bytes read ahead during the handshake before reading
// from the socket.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// CloseWrite half-closes the underlying socket when it supports it.
func (p *prefixConn) CloseWrite() error {
	if cw, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return fmt.Errorf("%w: %T cannot half-close", domain.ErrSocket, p.Conn)
}

// ReadyFunc receives the connection once it is ready, or the error that
// ended the handshake.
type ReadyFunc func(*CallbackConn, error)

// CallbackConn calls back exactly once when the handshake completes.
type CallbackConn struct {
	*Conn

	once sync.Once
	cb   ReadyFunc
}

func NewCallbackConn(cfg Config, cb ReadyFunc) (*CallbackConn, error) {
	c, err := NewConn(cfg)
	if err != nil {
		return nil, err
	}
	return &CallbackConn{Conn: c, cb: cb}, nil
}

func (c *CallbackConn) Poll() error {
	err := c.Conn.Poll()
	switch {
	case err != nil:
		c.once.Do(func() { c.cb(nil, err) })
	case c.Ready():
		c.once.Do(func() { c.cb(c, nil) })
	}
	return err
}

// Stop fires the callback with ErrStopped if the handshake never finished.
func (c *CallbackConn) Stop() {
	c.Conn.Stop()
	if !c.Ready() {
		c.once.Do(func() { c.cb(nil, c.Err()) })
	}
}

// Wait is Conn.Wait driven through the callback-aware Poll.
func (c *CallbackConn) Wait(ctx context.Context) error {
	return wait(ctx, c)
}

func wait(ctx context.Context, a domain.Async) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()

	for {
		if err := a.Poll(); err != nil {
			return err
		}
		if a.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			a.Stop()
			return fmt.Errorf("%w: %w", domain.ErrConnectionNotEstablished, ctx.Err())
		case <-t.C:
		}
	}
}
