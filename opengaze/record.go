package opengaze

import (
	"math"
	"strconv"
	"strings"
)

// Record tags sent by Gazepoint Control.
const (
	TagData = "REC"
	TagAck  = "ACK"
	TagNack = "NACK"
	TagCal  = "CAL"
)

// Attribute is a single name="value" pair.
type Attribute struct {
	Name  string
	Value string
}

// ParseAttributes scans an element such as `<REC A="1" B="2" />` and returns
// its tag and attributes in wire order. Values may be double or single
// quoted. It never fails: an attribute it cannot read (unquoted value, stray
// byte in the name) is skipped up to the next whitespace and scanning carries
// on, so one bad attribute never hides the ones after it. An unterminated
// quote ends the scan. Text that does not open with '<' yields an empty tag
// but is still scanned for attributes.
func ParseAttributes(text string) (string, []Attribute) {
	s := scanner{src: text}
	s.skipSpace()

	var tag string
	if s.peek() == '<' {
		s.pos++
		tag = s.name()
	}

	var attrs []Attribute
	for {
		s.skipSpace()
		if s.done() {
			break
		}
		if s.atElementEnd() {
			break
		}

		start := s.pos
		a, ok, more := s.attribute()
		if !more {
			break
		}
		if ok {
			attrs = append(attrs, a)
			continue
		}
		s.skipToken()
		if s.pos == start {
			s.pos++
		}
	}
	return tag, attrs
}

type scanner struct {
	src string
	pos int
}

func (s *scanner) done() bool { return s.pos >= len(s.src) }

func (s *scanner) peek() byte {
	if s.done() {
		return 0
	}
	return s.src[s.pos]
}

func (s *scanner) skipSpace() {
	for !s.done() {
		switch s.src[s.pos] {
		case ' ', '\t':
			s.pos++
		default:
			return
		}
	}
}

func (s *scanner) name() string {
	start := s.pos
	for !s.done() && isNameByte(s.src[s.pos]) {
		s.pos++
	}
	return s.src[start:s.pos]
}

// attribute reads name="value" at the current position. ok is false when
// the construct is not an attribute; more is false when the input ended
// inside a quoted value.
func (s *scanner) attribute() (a Attribute, ok, more bool) {
	name := s.name()
	if name == "" {
		return a, false, true
	}
	// on failure, rewind over skipped spaces so the next token is not lost
	mark := s.pos
	s.skipSpace()
	if s.peek() != '=' {
		s.pos = mark
		return a, false, true
	}
	s.pos++
	mark = s.pos
	s.skipSpace()
	q := s.peek()
	if q != '"' && q != '\'' {
		s.pos = mark
		return a, false, true
	}
	s.pos++
	end := strings.IndexByte(s.src[s.pos:], q)
	if end < 0 {
		return a, false, false
	}
	a = Attribute{Name: name, Value: s.src[s.pos : s.pos+end]}
	s.pos += end + 1
	return a, true, true
}

// skipToken advances to the next whitespace or element end, stepping over
// quoted runs so that spaces inside a skipped value do not resynchronise
// in the middle of it.
func (s *scanner) skipToken() {
	for !s.done() {
		if s.atElementEnd() {
			return
		}
		switch c := s.src[s.pos]; c {
		case ' ', '\t':
			return
		case '"', '\'':
			end := strings.IndexByte(s.src[s.pos+1:], c)
			if end < 0 {
				s.pos = len(s.src)
				return
			}
			s.pos += end + 2
		default:
			s.pos++
		}
	}
}

// atElementEnd reports whether the scanner sits on "/>", ">" or a line end.
// A '/' elsewhere belongs to the surrounding token.
func (s *scanner) atElementEnd() bool {
	switch s.peek() {
	case '>', '\r', '\n':
		return true
	case '/':
		next := s.pos + 1
		return next >= len(s.src) || s.src[next] == '>' || s.src[next] == '\r' || s.src[next] == '\n'
	}
	return false
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9')
}

// Fields maps field names to their numeric values. Absent names are simply
// not present in the map.
type Fields map[string]float64

// Get returns the value for name and whether it was present.
func (f Fields) Get(name string) (float64, bool) {
	v, ok := f[name]
	return v, ok
}

// Result is the detailed outcome of decoding one record.
type Result struct {
	Tag    string
	Fields Fields
	// Malformed lists catalogue fields that were present but not a finite
	// number. NaN and Inf are malformed since no sink can encode them.
	Malformed []string
	// Missing lists catalogue fields that were absent from the record.
	Missing []string
}

// Decoder extracts a fixed set of numeric fields from records.
// A Decoder is immutable and safe for concurrent use.
type Decoder struct {
	names []string
	known map[string]struct{}
}

// NewDecoder returns a decoder for the given field names, or for the full
// catalogue when none are given.
func NewDecoder(names ...string) *Decoder {
	if len(names) == 0 {
		names = FieldNames()
	}
	d := &Decoder{
		names: make([]string, 0, len(names)),
		known: make(map[string]struct{}, len(names)),
	}
	for _, n := range names {
		if _, dup := d.known[n]; dup {
			continue
		}
		d.known[n] = struct{}{}
		d.names = append(d.names, n)
	}
	return d
}

// Names returns the decoder's field names in order.
func (d *Decoder) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Decode returns the recognised fields that are present and numeric.
func (d *Decoder) Decode(text string) Fields {
	return d.DecodeRecord(text).Fields
}

// DecodeRecord is Decode plus the record tag and the names of malformed
// and missing fields.
func (d *Decoder) DecodeRecord(text string) Result {
	tag, attrs := ParseAttributes(text)
	res := Result{
		Tag:    tag,
		Fields: make(Fields, len(d.names)),
	}

	seen := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		if _, ok := d.known[a.Name]; !ok {
			continue
		}
		// first occurrence wins
		if _, dup := seen[a.Name]; dup {
			continue
		}
		seen[a.Name] = struct{}{}

		v, err := strconv.ParseFloat(strings.TrimSpace(a.Value), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			res.Malformed = append(res.Malformed, a.Name)
			continue
		}
		res.Fields[a.Name] = v
	}

	for _, n := range d.names {
		if _, ok := seen[n]; !ok {
			res.Missing = append(res.Missing, n)
		}
	}
	return res
}
