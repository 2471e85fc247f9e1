package domain

import (
	"net"
	"strconv"
)

type State int

const (
	StateInitial       State = 0  // Socket creation
	StateResolve       State = 5  // DNS
	StateConnect       State = 10 // TCP Connect (EINPROGRESS)
	StateGreeting      State = 20 // Method negotiation
	StateAuth          State = 30 // Username/password
	StateSocketConnect State = 40 // CONNECT request
	StateReadStatus    State = 50 // CONNECT reply
	StateReady         State = -1 // Finished
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateResolve:
		return "resolve"
	case StateConnect:
		return "connect"
	case StateGreeting:
		return "greeting"
	case StateAuth:
		return "auth"
	case StateSocketConnect:
		return "socket_connect"
	case StateReadStatus:
		return "read_status"
	case StateReady:
		return "ready"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type ProxyType int

const (
	ProxyHTTP   ProxyType = 1
	ProxySOCKS5 ProxyType = 3
)

// Proxy is an upstream proxy endpoint. Server is rewritten in place once a
// host name has been resolved to an address.
type Proxy struct {
	Server   string
	Port     int
	Type     ProxyType
	Login    string
	Password string
}

func (p *Proxy) NeedAuth() bool {
	return p.Login != "" && p.Password != ""
}

func (p *Proxy) String() string {
	return net.JoinHostPort(p.Server, strconv.Itoa(p.Port))
}

// Target is the destination the proxy is asked to CONNECT to.
type Target struct {
	Host string
	Port int
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}
