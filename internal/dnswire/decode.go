package dnswire

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

const (
	recordHeaderSize = 10
	rrsigFixedSize   = 18
)

// DecodeResponse parses a complete DNS message. The message is first walked
// once to check every compressed name and record bound, then unpacked with
// miekg/dns and mapped onto the record union.
func DecodeResponse(buf []byte) (*Response, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBufferTooSmall, len(buf))
	}
	if err := scan(buf); err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	if err := m.Unpack(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(m.Answer) != int(binary.BigEndian.Uint16(buf[6:])) ||
		len(m.Ns) != int(binary.BigEndian.Uint16(buf[8:])) ||
		len(m.Extra) != int(binary.BigEndian.Uint16(buf[10:])) {
		return nil, fmt.Errorf("%w: record counts do not match header", ErrMalformed)
	}

	resp := &Response{
		ID:     m.Id,
		Opcode: uint8(m.Opcode),
		Rcode:  uint8(m.Rcode),
		Flags: Flags{
			Authoritative:      m.Authoritative,
			Truncated:          m.Truncated,
			RecursionDesired:   m.RecursionDesired,
			RecursionAvailable: m.RecursionAvailable,
			AuthenticatedData:  m.AuthenticatedData,
			CheckingDisabled:   m.CheckingDisabled,
		},
	}
	for _, q := range m.Question {
		resp.Queries = append(resp.Queries, trimDot(q.Name))
	}

	var err error
	if resp.Answers, err = convertSection(m.Answer, "answer"); err != nil {
		return nil, err
	}
	if resp.Nameservers, err = convertSection(m.Ns, "authority"); err != nil {
		return nil, err
	}
	if resp.Additional, err = convertSection(m.Extra, "additional"); err != nil {
		return nil, err
	}
	return resp, nil
}

func convertSection(rrs []dns.RR, section string) ([]Record, error) {
	if len(rrs) == 0 {
		return nil, nil
	}
	records := make([]Record, 0, len(rrs))
	for i, rr := range rrs {
		h := rr.Header()
		rec := Record{
			Domain:   trimDot(h.Name),
			Type:     h.Rrtype,
			TypeName: Types.Name(h.Rrtype),
			Class:    h.Class,
			TTL:      h.Ttl,
		}
		data, err := convertData(rr)
		if err != nil {
			return nil, fmt.Errorf("%s record %d: %s: %w", section, i, rec.TypeName, err)
		}
		rec.Data = data
		records = append(records, rec)
	}
	return records, nil
}

func convertData(rr dns.RR) (RecordData, error) {
	switch rr := rr.(type) {
	case *dns.A:
		ip := rr.A.To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: no ipv4 address", ErrMalformed)
		}
		return A{IPv4: ip.String()}, nil

	case *dns.NS:
		return NS{Target: trimDot(rr.Ns)}, nil

	case *dns.CNAME:
		return CNAME{Target: trimDot(rr.Target)}, nil

	case *dns.PTR:
		return PTR{Target: trimDot(rr.Ptr)}, nil

	case *dns.MX:
		return MX{Priority: rr.Preference, Exchange: trimDot(rr.Mx)}, nil

	case *dns.SOA:
		mailbox := trimDot(rr.Mbox)
		if i := strings.IndexByte(mailbox, '.'); i >= 0 {
			mailbox = mailbox[:i] + "@" + mailbox[i+1:]
		}
		return SOA{
			PrimaryNS: trimDot(rr.Ns),
			Mailbox:   mailbox,
			Serial:    rr.Serial,
			Refresh:   rr.Refresh,
			Retry:     rr.Retry,
			Expire:    rr.Expire,
			MinTTL:    rr.Minttl,
		}, nil

	case *dns.TXT:
		raw, err := rdata(rr)
		if err != nil {
			return nil, err
		}
		return TXT{Data: raw}, nil

	case *dns.DS:
		digest := strings.ToUpper(rr.Digest)
		split := max(len(digest)-8, 0)
		return DS{
			KeyTag:     rr.KeyTag,
			Algorithm:  rr.Algorithm,
			DigestType: rr.DigestType,
			Digest:     digest[:split],
			Remainder:  digest[split:],
		}, nil

	case *dns.DNSKEY:
		key, err := base64.StdEncoding.DecodeString(rr.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: public key: %v", ErrMalformed, err)
		}
		raw := binary.BigEndian.AppendUint16(nil, rr.Flags)
		raw = append(raw, rr.Protocol, rr.Algorithm)
		raw = append(raw, key...)
		return DNSKEY{
			Flags:           rr.Flags,
			Protocol:        rr.Protocol,
			Algorithm:       rr.Algorithm,
			PublicKey:       key,
			PublicKeyBase64: base64.StdEncoding.EncodeToString(key),
			KeyLength:       len(key),
			KeyTag:          KeyTag(raw),
			ZoneKey:         rr.Flags&dns.ZONE != 0,
			SEP:             rr.Flags&dns.SEP != 0,
		}, nil

	case *dns.RRSIG:
		sig, err := base64.StdEncoding.DecodeString(rr.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
		}
		return RRSIG{
			TypeCovered:     Types.Name(rr.TypeCovered),
			Algorithm:       rr.Algorithm,
			Labels:          rr.Labels,
			OriginalTTL:     rr.OrigTtl,
			Expiration:      rr.Expiration,
			ExpirationDate:  dns.TimeToString(rr.Expiration),
			Inception:       rr.Inception,
			InceptionDate:   dns.TimeToString(rr.Inception),
			KeyTag:          rr.KeyTag,
			SignerName:      trimDot(rr.SignerName),
			Signature:       sig,
			SignatureBase64: base64.StdEncoding.EncodeToString(sig),
		}, nil

	default:
		raw, err := rdata(rr)
		if err != nil {
			return nil, err
		}
		return Unknown{Data: raw}, nil
	}
}

// rdata packs rr back to wire form and returns its data part.
func rdata(rr dns.RR) ([]byte, error) {
	buf := make([]byte, dns.Len(rr))
	end, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return buf[end-int(rr.Header().Rdlength) : end], nil
}

// scan walks the message layout without decoding it. Every question and
// record must fit in buf, and every name, including those inside NS, CNAME,
// PTR, MX, SOA and RRSIG data, must only point backwards.
func scan(buf []byte) error {
	qdcount := int(binary.BigEndian.Uint16(buf[4:]))
	counts := []struct {
		section string
		n       int
	}{
		{"answer", int(binary.BigEndian.Uint16(buf[6:]))},
		{"authority", int(binary.BigEndian.Uint16(buf[8:]))},
		{"additional", int(binary.BigEndian.Uint16(buf[10:]))},
	}

	off := HeaderSize
	for i := 0; i < qdcount; i++ {
		_, next, err := ReadName(buf, off)
		if err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
		if next+4 > len(buf) {
			return fmt.Errorf("%w: question %d truncated", ErrMalformed, i)
		}
		off = next + 4 // type + class
	}

	for _, c := range counts {
		for i := 0; i < c.n; i++ {
			next, err := scanRecord(buf, off)
			if err != nil {
				return fmt.Errorf("%s record %d: %w", c.section, i, err)
			}
			off = next
		}
	}
	return nil
}

func scanRecord(buf []byte, off int) (int, error) {
	_, off, err := ReadName(buf, off)
	if err != nil {
		return 0, err
	}
	if off+recordHeaderSize > len(buf) {
		return 0, fmt.Errorf("%w: record header truncated", ErrMalformed)
	}
	typ := binary.BigEndian.Uint16(buf[off:])
	rdlen := int(binary.BigEndian.Uint16(buf[off+8:]))
	start := off + recordHeaderSize
	end := start + rdlen
	if end > len(buf) {
		return 0, fmt.Errorf("%w: %s rdata needs %d bytes, %d left", ErrMalformed, Types.Name(typ), rdlen, len(buf)-start)
	}
	if typ == TypeA && rdlen != 4 {
		return 0, fmt.Errorf("%w: A rdata length %d", ErrMalformed, rdlen)
	}

	var skip, names int
	switch typ {
	case TypeNS, TypeCNAME, TypePTR:
		names = 1
	case TypeMX:
		skip, names = 2, 1
	case TypeSOA:
		names = 2
	case TypeRRSIG:
		skip, names = rrsigFixedSize, 1
	}
	if rdlen == 0 {
		return end, nil
	}
	at := start + skip
	for ; names > 0; names-- {
		if at >= end {
			return 0, fmt.Errorf("%w: %s rdata too short", ErrMalformed, Types.Name(typ))
		}
		if at, err = readNameWithin(buf, at, end); err != nil {
			return 0, err
		}
	}
	return end, nil
}

// readNameWithin checks a name that must end inside the record's rdata.
// Pointers may still refer to anywhere earlier in the message.
func readNameWithin(buf []byte, off, end int) (int, error) {
	_, next, err := ReadName(buf, off)
	if err != nil {
		return 0, err
	}
	if next > end {
		return 0, fmt.Errorf("%w: name overruns rdata", ErrMalformed)
	}
	return next, nil
}

func trimDot(name string) string {
	return strings.TrimSuffix(name, ".")
}
