package dnswire

import (
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/miekg/dns"

	"socks-async/internal/domain"
)

func TestQuestionLabels(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "domain", in: "www.example.com", want: []string{"www", "example", "com"}},
		{name: "trailing dot", in: "example.com.", want: []string{"example", "com"}},
		{name: "ipv4 reverse", in: "192.0.2.10", want: []string{"10", "2", "0", "192", "IN-ADDR", "ARPA"}},
		{name: "idn", in: "bücher.example", want: []string{"xn--bcher-kva", "example"}},
		{name: "root", in: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := QuestionLabels(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeQueryRoundTrip(t *testing.T) {
	names := []string{
		"example.com",
		"a.b-c.d1.example",
		"Mixed-Case.Example.ORG",
		"x",
		strings.Repeat("a", 63) + ".com",
	}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			msg, err := EncodeQuery(Query{Name: name, Type: TypeA})
			if err != nil {
				t.Fatal(err)
			}
			got, next, err := ReadName(msg, HeaderSize)
			if err != nil {
				t.Fatal(err)
			}
			if got != name {
				t.Fatalf("got %q want %q", got, name)
			}
			if next+4 != len(msg) {
				t.Fatalf("question suffix: next=%d len=%d", next, len(msg))
			}
		})
	}
}

func TestEncodeQueryHeader(t *testing.T) {
	msg, err := EncodeQuery(Query{Name: "example.com", Type: TypeMX})
	if err != nil {
		t.Fatal(err)
	}

	if got := binary.BigEndian.Uint16(msg[2:]); got != FlagRD|FlagAD {
		t.Fatalf("flags = %#04x", got)
	}
	counts := []uint16{
		binary.BigEndian.Uint16(msg[4:]),
		binary.BigEndian.Uint16(msg[6:]),
		binary.BigEndian.Uint16(msg[8:]),
		binary.BigEndian.Uint16(msg[10:]),
	}
	if !reflect.DeepEqual(counts, []uint16{1, 0, 0, 0}) {
		t.Fatalf("counts = %v", counts)
	}
	if got := binary.BigEndian.Uint16(msg[len(msg)-4:]); got != TypeMX {
		t.Fatalf("qtype = %d", got)
	}
	if got := binary.BigEndian.Uint16(msg[len(msg)-2:]); got != ClassIN {
		t.Fatalf("qclass = %d", got)
	}

	// The message must be acceptable to a real DNS implementation.
	var m dns.Msg
	if err := m.Unpack(msg); err != nil {
		t.Fatal(err)
	}
	if m.Question[0].Name != "example.com." || !m.RecursionDesired || !m.AuthenticatedData {
		t.Fatalf("unexpected question %v", m.Question[0])
	}
	if m.Id != MessageID(msg) {
		t.Fatalf("id mismatch %d != %d", m.Id, MessageID(msg))
	}
}

func TestEncodeQueryReverse(t *testing.T) {
	msg, err := EncodeQuery(Query{Name: "192.0.2.10", Type: TypePTR})
	if err != nil {
		t.Fatal(err)
	}
	var m dns.Msg
	if err := m.Unpack(msg); err != nil {
		t.Fatal(err)
	}
	q := m.Question[0]
	if q.Name != "10.2.0.192.IN-ADDR.ARPA." || q.Qtype != dns.TypePTR || q.Qclass != dns.ClassINET {
		t.Fatalf("question = %v", q)
	}
	if m.Response || m.Opcode != dns.OpcodeQuery || len(m.Answer)+len(m.Ns)+len(m.Extra) != 0 {
		t.Fatalf("header = %+v", m.MsgHdr)
	}
}

func TestEncodeQueryLabelTooLong(t *testing.T) {
	_, err := EncodeQuery(Query{Name: strings.Repeat("a", 64) + ".com", Type: TypeA})
	if !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("err=%v", err)
	}
}

func TestCheckUDPSize(t *testing.T) {
	labels := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		labels = append(labels, strings.Repeat("l", 60))
	}
	msg, err := EncodeQuery(Query{Name: strings.Join(labels, "."), Type: TypeA})
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckUDPSize(msg); !errors.Is(err, ErrQuestionTooLarge) {
		t.Fatalf("len=%d err=%v", len(msg), err)
	}

	small, _ := EncodeQuery(Query{Name: "example.com", Type: TypeA})
	if err := CheckUDPSize(small); err != nil {
		t.Fatal(err)
	}
}

func TestFrameTCP(t *testing.T) {
	framed := FrameTCP([]byte{1, 2, 3})
	if !reflect.DeepEqual(framed, []byte{0, 3, 1, 2, 3}) {
		t.Fatalf("got %v", framed)
	}
}

func TestTypeRegistry(t *testing.T) {
	id, err := Types.ByName("DNSKEY")
	if err != nil || id != 48 {
		t.Fatalf("DNSKEY = %d, %v", id, err)
	}
	if id, _ := Types.ByName("mx"); id != 15 {
		t.Fatalf("mx = %d", id)
	}
	name, err := Types.ByID(46)
	if err != nil || name != "RRSIG" {
		t.Fatalf("46 = %q, %v", name, err)
	}

	_, err = Types.ByName("BOGUS")
	if !errors.Is(err, domain.ErrProtocol) || !strings.Contains(err.Error(), "invalid name") {
		t.Fatalf("BOGUS err=%v", err)
	}
	if _, err := Types.ByID(0xFFF0); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("ByID err=%v", err)
	}
	if got := Types.Name(0xFFF0); got != "TYPE65520" {
		t.Fatalf("Name = %q", got)
	}
}
