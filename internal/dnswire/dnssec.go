package dnswire

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/miekg/dns"
)

// nsec3Encoding is base32 with the extended hex alphabet in lower case.
var nsec3Encoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv")

// KeyTag computes the RFC 4034 Appendix B key tag over DNSKEY RDATA.
func KeyTag(rdata []byte) uint16 {
	var ac uint32
	for i, b := range rdata {
		if i&1 == 1 {
			ac += uint32(b)
		} else {
			ac += uint32(b) << 8
		}
	}
	ac += (ac >> 16) & 0xFFFF
	return uint16(ac & 0xFFFF)
}

// Base32Encode encodes input with the NSEC3 alphabet. Padding follows the
// input bit length modulo 40.
func Base32Encode(input []byte, padding bool) string {
	if len(input) == 0 {
		return ""
	}
	if padding {
		return nsec3Encoding.EncodeToString(input)
	}
	return nsec3Encoding.WithPadding(base32.NoPadding).EncodeToString(input)
}

// NSEC3Hash hashes an owner name the RFC 5155 way and returns it in lower
// case base32hex. An empty salt may be given as "" or "-".
func NSEC3Hash(qname, saltHex string, iterations int) (string, error) {
	if iterations < 0 || iterations > math.MaxUint16 {
		return "", fmt.Errorf("%w: iteration count %d", ErrMalformed, iterations)
	}
	if saltHex == "-" {
		saltHex = ""
	}
	if _, err := hex.DecodeString(saltHex); err != nil {
		return "", fmt.Errorf("%w: salt %q: %v", ErrMalformed, saltHex, err)
	}

	h := dns.HashName(dns.Fqdn(strings.ToLower(qname)), dns.SHA1, uint16(iterations), saltHex)
	if h == "" {
		return "", fmt.Errorf("%w: cannot hash %q", ErrMalformed, qname)
	}
	return strings.ToLower(h), nil
}

// AlgorithmName maps a DNSSEC algorithm number to a short name.
func AlgorithmName(code uint8) string {
	switch code {
	case 1:
		return "md5"
	case 2:
		return "dh"
	case 3, 5:
		return "sha1"
	case 4, 9, 11:
		return "reserved"
	case 6:
		return "dsansec3sha1"
	case 7:
		return "rsasha1nsec3"
	case 8:
		return "sha256"
	case 10:
		return "sha512"
	case 12:
		return "gost"
	case 13:
		return "ecdsa256"
	case 14:
		return "ecdsa384"
	default:
		return "unknown algorithm"
	}
}
