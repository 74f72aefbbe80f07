package bencode

import (
	"bytes"
	"fmt"
	"strconv"
)

// Encode emits the canonical encoding of v. Dictionary entries are sorted
// by key regardless of their order in v.
func Encode(v Value) ([]byte, error) {
	b := &bytes.Buffer{}
	if err := encodeValue(b, v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// MustEncode is Encode for values built in code that are known to be valid.
func MustEncode(v Value) []byte {
	data, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return data
}

func encodeValue(b *bytes.Buffer, v Value) error {
	switch v := v.(type) {
	case Integer:
		b.WriteByte('i')
		b.WriteString(strconv.FormatInt(int64(v), 10))
		b.WriteByte('e')
	case ByteString:
		encodeByteString(b, v)
	case List:
		b.WriteByte('l')
		for _, item := range v {
			if err := encodeValue(b, item); err != nil {
				return err
			}
		}
		b.WriteByte('e')
	case *Dictionary:
		if v == nil {
			return &EncodeError{Reason: "nil dictionary"}
		}
		b.WriteByte('d')
		for _, e := range v.sorted() {
			encodeByteString(b, []byte(e.Key))
			if err := encodeValue(b, e.Value); err != nil {
				return err
			}
		}
		b.WriteByte('e')
	case nil:
		return &EncodeError{Reason: "nil value"}
	default:
		return &EncodeError{Reason: fmt.Sprintf("invalid data type %T", v)}
	}
	return nil
}

func encodeByteString(b *bytes.Buffer, s []byte) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.Write(s)
}
