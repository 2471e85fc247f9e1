package dnswire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

const (
	HeaderSize = 12

	// MaxUDPSize is the classic RFC 1035 UDP payload ceiling. Queries of this
	// size or more must go over TCP.
	MaxUDPSize = 512

	maxLabelLen = 63
)

// Header flag bits, numbered from the most significant bit of the flags word.
const (
	FlagQR = 1 << 15
	FlagAA = 1 << 10
	FlagTC = 1 << 9
	FlagRD = 1 << 8
	FlagRA = 1 << 7
	FlagZ  = 1 << 6
	FlagAD = 1 << 5
	FlagCD = 1 << 4
)

var ipv4Literal = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

type Query struct {
	Name string
	Type uint16
}

// QuestionLabels splits a query name into wire labels. IPv4 literals are
// turned into their reverse-lookup form, d.c.b.a.IN-ADDR.ARPA.
func QuestionLabels(name string) ([]string, error) {
	if ipv4Literal.MatchString(name) {
		octets := strings.Split(name, ".")
		labels := make([]string, 0, len(octets)+2)
		for i := len(octets) - 1; i >= 0; i-- {
			labels = append(labels, octets[i])
		}
		return append(labels, "IN-ADDR", "ARPA"), nil
	}

	ascii, err := idna.Punycode.ToASCII(name)
	if err != nil {
		return nil, fmt.Errorf("%w: name %q: %v", ErrMalformed, name, err)
	}
	ascii = strings.TrimSuffix(ascii, ".")
	if ascii == "" {
		return nil, nil
	}
	return strings.Split(ascii, "."), nil
}

// EncodeQuery builds a complete query message with a random transaction id,
// RD and AD set.
func EncodeQuery(q Query) ([]byte, error) {
	labels, err := QuestionLabels(q.Name)
	if err != nil {
		return nil, err
	}
	for _, label := range labels {
		if len(label) > maxLabelLen {
			return nil, fmt.Errorf("%w: label too long: %q", ErrMalformed, label)
		}
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(strings.Join(labels, ".")), q.Type)
	m.Id = transactionID()
	m.AuthenticatedData = true

	msg, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: name %q: %v", ErrMalformed, q.Name, err)
	}
	return msg, nil
}

// FrameTCP prepends the two byte length used for DNS over TCP.
func FrameTCP(msg []byte) []byte {
	framed := make([]byte, 0, len(msg)+2)
	framed = binary.BigEndian.AppendUint16(framed, uint16(len(msg)))
	return append(framed, msg...)
}

// CheckUDPSize rejects messages that would be truncated in a single datagram.
func CheckUDPSize(msg []byte) error {
	if len(msg) >= MaxUDPSize {
		return fmt.Errorf("%w (%d bytes)", ErrQuestionTooLarge, len(msg))
	}
	return nil
}

// MessageID returns the transaction id of an encoded message.
func MessageID(msg []byte) uint16 {
	if len(msg) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(msg)
}

func transactionID() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}
