package testutil

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/txthinking/socks5"
)

// SOCKS5Options controls the behaviour of the fake proxy.
type SOCKS5Options struct {
	// User and Pass turn on username/password authentication.
	User, Pass string
	// Rep, when non-zero, is sent instead of dialing the destination.
	Rep byte
	// Requests receives every CONNECT request the proxy accepted.
	Requests chan<- *socks5.Request
}

// StartSOCKS5Server serves a single SOCKS5 client and relays its stream to
// the requested destination.
func StartSOCKS5Server(t *testing.T, ctx context.Context, opts SOCKS5Options) (net.Listener, func()) {
	t.Helper()

	return StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_ = HandleSOCKS5Connect(ctx, c, opts)
	})
}

func HandleSOCKS5Connect(ctx context.Context, c net.Conn, opts SOCKS5Options) error {
	if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
		return err
	}

	if opts.User == "" && opts.Pass == "" {
		if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
			return err
		}
	} else {
		if _, err := socks5.NewNegotiationReply(socks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return err
		}

		urq, err := socks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return err
		}
		if string(urq.Uname) != opts.User || string(urq.Passwd) != opts.Pass {
			_, _ = socks5.NewUserPassNegotiationReply(socks5.UserPassStatusFailure).WriteTo(c)
			return nil
		}
		if _, err := socks5.NewUserPassNegotiationReply(socks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return err
		}
	}

	req, err := socks5.NewRequestFrom(c)
	if err != nil {
		return err
	}
	if opts.Requests != nil {
		opts.Requests <- req
	}
	if req.Cmd != socks5.CmdConnect {
		_, _ = socks5.NewReply(socks5.RepCommandNotSupported, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return nil
	}
	if opts.Rep != socks5.RepSuccess {
		_, _ = socks5.NewReply(opts.Rep, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return nil
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_, _ = socks5.NewReply(socks5.RepHostUnreachable, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return nil
	}
	defer dst.Close()

	a, addr, port, err := socks5.ParseAddress(dst.LocalAddr().String())
	if err != nil {
		return err
	}
	if a == socks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := socks5.NewReply(socks5.RepSuccess, a, addr, port).WriteTo(c); err != nil {
		return err
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)

	return nil
}
