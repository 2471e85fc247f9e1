package resolver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"socks-async/internal/dnswire"
	"socks-async/internal/domain"
)

// Query performs one blocking lookup on a fresh connection. It shares the
// codec with QueryAsync but never touches the poll state.
func (r *Resolver) Query(ctx context.Context, name, qtype string) (*dnswire.Response, error) {
	typeID, err := dnswire.Types.ByName(qtype)
	if err != nil {
		return nil, err
	}
	msg, err := dnswire.EncodeQuery(dnswire.Query{Name: name, Type: typeID})
	if err != nil {
		return nil, err
	}

	network := "udp"
	if r.tcp {
		network = "tcp"
	} else if err := dnswire.CheckUDPSize(msg); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, network, r.Server().String())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open socket to %s: %v", domain.ErrSocket, r.Server(), err)
	}
	defer conn.Close()

	deadline := time.Now().Add(r.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSocket, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	var raw []byte
	if r.tcp {
		raw, err = exchangeTCP(conn, msg)
	} else {
		raw, err = exchangeUDP(conn, msg)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSocket, ctx.Err())
		}
		return nil, err
	}
	r.log.Debug("DNS answer read", "name", name, "type", qtype, "bytes", len(raw))

	resp, err := dnswire.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if resp.ID != dnswire.MessageID(msg) {
		return nil, fmt.Errorf("%w: response id %d does not match query id %d", dnswire.ErrMalformed, resp.ID, dnswire.MessageID(msg))
	}
	return resp, nil
}

func exchangeUDP(conn net.Conn, msg []byte) ([]byte, error) {
	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("%w: failed to write question: %v", domain.ErrSocket, err)
	}
	buf := make([]byte, udpReadSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read data buffer: %v", domain.ErrSocket, err)
	}
	return buf[:n], nil
}

func exchangeTCP(conn net.Conn, msg []byte) ([]byte, error) {
	if _, err := conn.Write(dnswire.FrameTCP(msg)); err != nil {
		return nil, fmt.Errorf("%w: failed to write question to tcp socket: %v", domain.ErrSocket, err)
	}
	var prefix [2]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: failed to read length: %v", domain.ErrSocket, err)
	}
	buf := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("%w: failed to read data buffer: %v", domain.ErrSocket, err)
	}
	return buf, nil
}
