package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"socks-async/internal/domain"
	"socks-async/internal/resolver"
	"socks-async/internal/socks5"
)

const (
	ResolvConf       = "/etc/resolv.conf"
	DefaultDNSServer = "8.8.8.8"

	DefaultTimeout        = 30 * time.Second
	DefaultConnectTimeout = socks5.DefaultConnectTimeout
	DefaultDNSTimeout     = resolver.DefaultTimeout
)

var ErrBadDNSServer = errors.New("bad dns server")

// Config holds everything needed to open one tunnel.
type Config struct {
	Proxy  *domain.Proxy
	Target domain.Target

	DNSServer  string
	DNSPort    int
	DNSOverTCP bool

	Timeout        time.Duration // whole dial, including DNS
	ConnectTimeout time.Duration // per handshake step
	DNSTimeout     time.Duration

	ResolveTarget bool
}

func Default() *Config {
	return &Config{
		DNSPort:        resolver.DefaultPort,
		Timeout:        DefaultTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		DNSTimeout:     DefaultDNSTimeout,
	}
}

func (c *Config) Validate() error {
	if c.Proxy == nil {
		return fmt.Errorf("%w: proxy is not set", domain.ErrProxyBadFormat)
	}
	if c.Target.Host == "" || c.Target.Port <= 0 || c.Target.Port > 65535 {
		return fmt.Errorf("invalid target %q", c.Target.String())
	}
	if c.DNSServer != "" {
		if _, err := netip.ParseAddr(c.DNSServer); err != nil {
			return fmt.Errorf("%w: %q is not an IP address", ErrBadDNSServer, c.DNSServer)
		}
	}
	if c.DNSPort <= 0 || c.DNSPort > 65535 {
		return fmt.Errorf("%w: port %d", ErrBadDNSServer, c.DNSPort)
	}
	if c.Timeout <= 0 || c.ConnectTimeout <= 0 || c.DNSTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

// Handshake builds the handshake configuration. An empty DNS server falls
// back to the system resolver.
func (c *Config) Handshake(log *slog.Logger) socks5.Config {
	server := c.DNSServer
	if server == "" {
		server = SystemDNS(ResolvConf)
	}
	return socks5.Config{
		Proxy:          c.Proxy,
		Target:         c.Target,
		ConnectTimeout: c.ConnectTimeout,
		ResolveTarget:  c.ResolveTarget,
		DNS: resolver.Config{
			Server:  server,
			Port:    c.DNSPort,
			TCP:     c.DNSOverTCP,
			Timeout: c.DNSTimeout,
			Logger:  log,
		},
		Logger: log,
	}
}

// ParseProxy reads "host:port" or "host:port|login:password".
func ParseProxy(s string, typ domain.ProxyType) (*domain.Proxy, error) {
	if typ != domain.ProxyHTTP && typ != domain.ProxySOCKS5 {
		return nil, fmt.Errorf("%w: unknown proxy type %d", domain.ErrProxyBadFormat, typ)
	}

	p := &domain.Proxy{Type: typ}
	hostPort := s
	if strings.Contains(s, "|") {
		parts := strings.Split(s, "|")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %q", domain.ErrProxyBadFormat, s)
		}
		auth := strings.Split(parts[1], ":")
		if len(auth) != 2 {
			return nil, fmt.Errorf("%w: credentials must be login:password", domain.ErrProxyBadFormat)
		}
		hostPort = parts[0]
		p.Login, p.Password = auth[0], auth[1]
	}

	hp := strings.Split(hostPort, ":")
	if len(hp) != 2 {
		return nil, fmt.Errorf("%w: %q is not host:port", domain.ErrProxyBadFormat, hostPort)
	}
	p.Server = strings.TrimSpace(hp[0])
	port, err := strconv.Atoi(strings.TrimSpace(hp[1]))
	if err != nil || port <= 0 || port > 65535 || p.Server == "" {
		return nil, fmt.Errorf("%w: %q is not host:port", domain.ErrProxyBadFormat, hostPort)
	}
	p.Port = port
	return p, nil
}

// ParseDNSServer reads "host" or "host:port". IPv6 servers need brackets
// when a port is given.
func ParseDNSServer(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	host, port := s, resolver.DefaultPort
	if h, p, err := net.SplitHostPort(s); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return "", 0, fmt.Errorf("%w: bad port in %q", ErrBadDNSServer, s)
		}
		host, port = h, n
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return "", 0, fmt.Errorf("%w: %q is not an IP address", ErrBadDNSServer, host)
	}
	return host, port, nil
}

// SystemDNS returns the first IPv4 nameserver listed in path, or
// DefaultDNSServer when there is none.
func SystemDNS(path string) string {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return DefaultDNSServer
	}
	for _, s := range cc.Servers {
		if a, err := netip.ParseAddr(s); err == nil && a.Is4() {
			return s
		}
	}
	return DefaultDNSServer
}
