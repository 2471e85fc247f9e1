package dnswire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const (
	TypeA      = dns.TypeA
	TypeNS     = dns.TypeNS
	TypeCNAME  = dns.TypeCNAME
	TypeSOA    = dns.TypeSOA
	TypePTR    = dns.TypePTR
	TypeMX     = dns.TypeMX
	TypeTXT    = dns.TypeTXT
	TypeDS     = dns.TypeDS
	TypeRRSIG  = dns.TypeRRSIG
	TypeDNSKEY = dns.TypeDNSKEY

	ClassIN = dns.ClassINET
)

// TypeRegistry maps record type mnemonics to IANA codes and back. It is built
// once and never mutated afterwards, so a single instance is shared freely.
type TypeRegistry struct {
	byName map[string]uint16
	byID   map[uint16]string
}

// Types is the process-wide registry.
var Types = NewTypeRegistry()

func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		byName: make(map[string]uint16, len(dns.TypeToString)),
		byID:   make(map[uint16]string, len(dns.TypeToString)),
	}
	for id, name := range dns.TypeToString {
		if id == dns.TypeNone || id == dns.TypeReserved {
			continue
		}
		r.byName[name] = id
		r.byID[id] = name
	}
	return r
}

func (r *TypeRegistry) ByName(name string) (uint16, error) {
	id, ok := r.byName[strings.ToUpper(name)]
	if !ok {
		return 0, fmt.Errorf("%w: invalid name %q", ErrInvalidType, name)
	}
	return id, nil
}

func (r *TypeRegistry) ByID(id uint16) (string, error) {
	name, ok := r.byID[id]
	if !ok {
		return "", fmt.Errorf("%w: invalid id %d", ErrInvalidType, id)
	}
	return name, nil
}

// Name never fails: unregistered codes are rendered as TYPE<n> (RFC 3597).
func (r *TypeRegistry) Name(id uint16) string {
	if name, ok := r.byID[id]; ok {
		return name
	}
	return "TYPE" + strconv.Itoa(int(id))
}
