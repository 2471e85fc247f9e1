// Package socks5 drives the client side of a SOCKS5 CONNECT handshake as a
// cooperative state machine over a non-blocking socket.
//
// Nothing in this package blocks: every call to Poll performs at most one
// step and returns. The proxy host name, and optionally the target host name,
// are resolved on the way with the stub resolver and the shared name cache.
//
// Message framing uses the protocol types of github.com/txthinking/socks5;
// only the greeting, username/password and CONNECT exchanges are supported.
package socks5
