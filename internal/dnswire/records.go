package dnswire

// Flags holds the header bits a stub resolver cares about.
type Flags struct {
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	AuthenticatedData  bool
	CheckingDisabled   bool
}

// Response is a decoded DNS message. The three record sections are kept
// separate and in wire order.
type Response struct {
	ID     uint16
	Opcode uint8
	Rcode  uint8
	Flags  Flags

	Queries     []string
	Answers     []Record
	Nameservers []Record
	Additional  []Record
}

func (r *Response) QueryCount() int  { return len(r.Queries) }
func (r *Response) AnswerCount() int { return len(r.Answers) }

// FirstA returns the address of the first A record in the answer section.
func (r *Response) FirstA() (string, bool) {
	for _, rec := range r.Answers {
		if a, ok := rec.Data.(A); ok {
			return a.IPv4, true
		}
	}
	return "", false
}

type Record struct {
	Domain   string
	Type     uint16
	TypeName string
	Class    uint16
	TTL      uint32
	Data     RecordData
}

// RecordData is implemented only by the payload types in this package.
type RecordData interface {
	recordData()
}

type A struct {
	IPv4 string
}

type NS struct {
	Target string
}

type CNAME struct {
	Target string
}

type PTR struct {
	Target string
}

type MX struct {
	Priority uint16
	Exchange string
}

type SOA struct {
	PrimaryNS string
	// Mailbox has its first dot replaced by '@'.
	Mailbox string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	MinTTL  uint32
}

// TXT carries the raw RDATA, character-string length bytes included.
type TXT struct {
	Data []byte
}

type DS struct {
	KeyTag     uint16
	Algorithm  uint8
	DigestType uint8
	Digest     string // upper-case hex, all but the last four digest bytes
	Remainder  string // upper-case hex, the last four digest bytes
}

type DNSKEY struct {
	Flags           uint16
	Protocol        uint8
	Algorithm       uint8
	PublicKey       []byte
	PublicKeyBase64 string
	KeyLength       int
	KeyTag          uint16
	ZoneKey         bool
	SEP             bool
}

type RRSIG struct {
	TypeCovered     string
	Algorithm       uint8
	Labels          uint8
	OriginalTTL     uint32
	Expiration      uint32
	ExpirationDate  string
	Inception       uint32
	InceptionDate   string
	KeyTag          uint16
	SignerName      string
	Signature       []byte
	SignatureBase64 string
}

type Unknown struct {
	Data []byte
}

func (A) recordData()       {}
func (NS) recordData()      {}
func (CNAME) recordData()   {}
func (PTR) recordData()     {}
func (MX) recordData()      {}
func (SOA) recordData()     {}
func (TXT) recordData()     {}
func (DS) recordData()      {}
func (DNSKEY) recordData()  {}
func (RRSIG) recordData()   {}
func (Unknown) recordData() {}
