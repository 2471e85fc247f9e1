package testutil

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

// StartDNSServer runs handler on a loopback UDP or TCP port until the test
// ends.
func StartDNSServer(t *testing.T, network string, handler dns.HandlerFunc) netip.AddrPort {
	t.Helper()

	started := make(chan struct{})
	srv := &dns.Server{
		Handler:           handler,
		NotifyStartedFunc: func() { close(started) },
	}

	var addr string
	switch network {
	case "udp":
		pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		srv.PacketConn = pc
		addr = pc.LocalAddr().String()
	case "tcp":
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		srv.Listener = ln
		addr = ln.Addr().String()
	default:
		t.Fatalf("unknown network %q", network)
	}

	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return netip.MustParseAddrPort(addr)
}

// AnswerA replies to every query with one A record per address.
func AnswerA(addrs ...string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Compress = true
		for _, a := range addrs {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(a),
			})
		}
		_ = w.WriteMsg(m)
	}
}

// Silent never answers.
func Silent() dns.HandlerFunc {
	return func(dns.ResponseWriter, *dns.Msg) {}
}
