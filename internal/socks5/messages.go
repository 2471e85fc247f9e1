package socks5

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

const maxDomainLen = 255

// greeting offers no-auth and username/password: 05 02 00 02.
func greeting() []byte {
	var buf bytes.Buffer
	_, _ = txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}).WriteTo(&buf)
	return buf.Bytes()
}

// userPass builds the RFC 1929 sub-negotiation. Empty fields are sent as
// zero-length strings.
func userPass(login, password string) []byte {
	var buf bytes.Buffer
	_, _ = txsocks5.NewUserPassNegotiationRequest([]byte(login), []byte(password)).WriteTo(&buf)
	return buf.Bytes()
}

// connectRequest encodes CONNECT for host:port. IP literals are sent as
// addresses, anything else as a length-prefixed domain name.
func connectRequest(host string, port int) ([]byte, error) {
	if len(host) > maxDomainLen {
		return nil, fmt.Errorf("target host name too long (%d bytes)", len(host))
	}
	atyp, addr, dstPort, err := txsocks5.ParseAddress(net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("parse target address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}

	var buf bytes.Buffer
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, dstPort).WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	return buf.Bytes(), nil
}

// replyLen returns the full length of a CONNECT reply once enough of its
// header is known, or 0 if more bytes are needed.
func replyLen(head []byte) (int, error) {
	if len(head) < 5 {
		return 0, nil
	}
	switch head[3] {
	case txsocks5.ATYPIPv4:
		return 4 + net.IPv4len + 2, nil
	case txsocks5.ATYPIPv6:
		return 4 + net.IPv6len + 2, nil
	case txsocks5.ATYPDomain:
		return 4 + 1 + int(head[4]) + 2, nil
	default:
		return 0, fmt.Errorf("unknown address type %#x in reply", head[3])
	}
}
