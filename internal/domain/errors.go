package domain

import "errors"

var (
	ErrProxyBadFormat            = errors.New("proxy has bad format")
	ErrUnreachableProxy          = errors.New("proxy unreachable")
	ErrUnexpectedProtocolVersion = errors.New("socks server has unexpected version")
	ErrUnsupportedAuthType       = errors.New("server does not support offered auth types")
	ErrAuthFailed                = errors.New("authorization via login/password failed")
	ErrConnectionNotEstablished  = errors.New("connection failed")
	ErrStepStuck                 = errors.New("step stuck")
	ErrSocket                    = errors.New("socket error")
	ErrProtocol                  = errors.New("protocol error")
)
