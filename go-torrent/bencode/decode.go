package bencode

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

const MAX_DEPTH = 512

type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bencode: decode error at offset %d: %s", e.Offset, e.Reason)
}

type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return "bencode: encode error: " + e.Reason
}

// Decoder decodes one value from a buffer. In strict mode dictionary
// keys must be strictly ascending; otherwise out of order keys are logged.
type Decoder struct {
	Strict bool
	Logger zerolog.Logger
}

// Decode decodes in strict mode and returns the value and the number of
// bytes consumed.
func Decode(data []byte) (Value, int, error) {
	d := &Decoder{Strict: true, Logger: zerolog.Nop()}
	return d.Decode(data)
}

func (d *Decoder) Decode(data []byte) (Value, int, error) {
	s := &decodeState{data: data, strict: d.Strict, logger: d.Logger}
	v, err := s.value(0)
	if err != nil {
		return nil, 0, err
	}
	return v, s.off, nil
}

type decodeState struct {
	data   []byte
	off    int
	strict bool
	logger zerolog.Logger
}

func (s *decodeState) fail(format string, args ...interface{}) error {
	return &DecodeError{Offset: s.off, Reason: fmt.Sprintf(format, args...)}
}

func (s *decodeState) value(depth int) (Value, error) {
	if depth > MAX_DEPTH {
		return nil, s.fail("nesting deeper than %d", MAX_DEPTH)
	}
	if s.off >= len(s.data) {
		return nil, s.fail("unexpected end of input")
	}
	switch c := s.data[s.off]; {
	case c == 'i':
		return s.integer()
	case c == 'l':
		return s.list(depth)
	case c == 'd':
		return s.dictionary(depth)
	case c >= '0' && c <= '9':
		return s.byteString()
	default:
		return nil, s.fail("invalid type byte %q", c)
	}
}

func (s *decodeState) integer() (Value, error) {
	start := s.off + 1
	end := bytes.IndexByte(s.data[start:], 'e')
	if end == -1 {
		return nil, s.fail("integer missing terminating 'e'")
	}
	digits := string(s.data[start : start+end])
	if err := checkInteger(digits); err != "" {
		return nil, s.fail("%s", err)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, s.fail("invalid integer %q", digits)
	}
	s.off = start + end + 1
	return Integer(n), nil
}

func checkInteger(digits string) string {
	unsigned := digits
	if len(unsigned) > 0 && unsigned[0] == '-' {
		unsigned = unsigned[1:]
	}
	if len(unsigned) == 0 {
		return "empty integer"
	}
	for i := 0; i < len(unsigned); i++ {
		if unsigned[i] < '0' || unsigned[i] > '9' {
			return fmt.Sprintf("invalid integer %q", digits)
		}
	}
	if digits == "-0" {
		return "integers can't be -0"
	}
	if len(unsigned) > 1 && unsigned[0] == '0' {
		return "integers can't have leading zeros"
	}
	return ""
}

func (s *decodeState) byteString() (ByteString, error) {
	colon := bytes.IndexByte(s.data[s.off:], ':')
	if colon == -1 {
		return nil, s.fail("byte string missing ':'")
	}
	digits := string(s.data[s.off : s.off+colon])
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return nil, s.fail("invalid byte string length %q", digits)
	}
	start := s.off + colon + 1
	if n > len(s.data)-start {
		return nil, s.fail("byte string length %d exceeds remaining %d bytes", n, len(s.data)-start)
	}
	b := make([]byte, n)
	copy(b, s.data[start:start+n])
	s.off = start + n
	return ByteString(b), nil
}

func (s *decodeState) list(depth int) (Value, error) {
	s.off++
	l := List{}
	for {
		if s.off >= len(s.data) {
			return nil, s.fail("unterminated list")
		}
		if s.data[s.off] == 'e' {
			s.off++
			return l, nil
		}
		v, err := s.value(depth + 1)
		if err != nil {
			return nil, err
		}
		l = append(l, v)
	}
}

func (s *decodeState) dictionary(depth int) (Value, error) {
	s.off++
	d := &Dictionary{Entries: []Entry{}}
	var prev []byte
	for i := 0; ; i++ {
		if s.off >= len(s.data) {
			return nil, s.fail("unterminated dictionary")
		}
		if s.data[s.off] == 'e' {
			s.off++
			return d, nil
		}
		c := s.data[s.off]
		if c < '0' || c > '9' {
			return nil, s.fail("dictionary key is not a byte string")
		}
		keyOff := s.off
		key, err := s.byteString()
		if err != nil {
			return nil, err
		}
		if i > 0 && bytes.Compare(prev, key) >= 0 {
			if s.strict {
				return nil, &DecodeError{Offset: keyOff, Reason: fmt.Sprintf("dictionary keys aren't sorted (%q after %q)", key, prev)}
			}
			s.logger.Warn().Int("offset", keyOff).Bytes("key", key).Msg("dictionary keys aren't sorted")
		}
		prev = key
		v, err := s.value(depth + 1)
		if err != nil {
			return nil, err
		}
		d.Set(string(key), v)
	}
}
