package bencode

import (
	"bytes"
	"errors"
	"testing"

	jbencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInteger(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Integer
	}{
		{"zero", "i0e", 0},
		{"positive", "i123e", 123},
		{"negative", "i-42e", -42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, n, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
			assert.Equal(t, len(tt.input), n)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative zero", "i-0e"},
		{"double zero", "i00e"},
		{"leading zero", "i01e"},
		{"negative leading zero", "i-01e"},
		{"empty integer", "ie"},
		{"missing e", "i12"},
		{"unsorted keys", "d1:b1:b1:a1:ae"},
		{"duplicate keys", "d1:a1:a1:a1:be"},
		{"missing colon", "5abc"},
		{"short byte string", "5:abc"},
		{"unterminated list", "li1e"},
		{"unterminated dictionary", "d1:ai1e"},
		{"integer key", "di1ei2ee"},
		{"invalid type", "x"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.input))
			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr), "expected DecodeError, got %v", err)
		})
	}
}

func TestDecodeEmptyByteString(t *testing.T) {
	v, n, err := Decode([]byte("0:"))
	require.NoError(t, err)
	assert.Equal(t, ByteString{}, v)
	assert.Equal(t, 2, n)
}

func TestDecodeConsumedPrefix(t *testing.T) {
	v, n, err := Decode([]byte("4:spamtrailing"))
	require.NoError(t, err)
	assert.Equal(t, ByteString("spam"), v)
	assert.Equal(t, 6, n)
}

func TestDecodeNested(t *testing.T) {
	v, _, err := Decode([]byte("d4:infod6:lengthi10ee4:listl3:onei2eee"))
	require.NoError(t, err)
	d := v.(*Dictionary)
	info, ok := d.Dict("info")
	require.True(t, ok)
	length, ok := info.Int("length")
	require.True(t, ok)
	assert.Equal(t, int64(10), length)
	l, ok := d.List("list")
	require.True(t, ok)
	assert.Equal(t, List{ByteString("one"), Integer(2)}, l)
}

func TestDecodeLenient(t *testing.T) {
	d := &Decoder{Strict: false}
	v, _, err := d.Decode([]byte("d1:b1:b1:a1:ae"))
	require.NoError(t, err)
	dict := v.(*Dictionary)
	require.Len(t, dict.Entries, 2)
	assert.Equal(t, "b", dict.Entries[0].Key)
	assert.Equal(t, "a", dict.Entries[1].Key)
}

func TestDecodeDepthLimit(t *testing.T) {
	input := bytes.Repeat([]byte("l"), MAX_DEPTH+2)
	_, _, err := Decode(input)
	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestEncodeSortsKeys(t *testing.T) {
	d := NewDictionary().
		Set("zeta", Integer(1)).
		Set("alpha", ByteString("x")).
		Set("mid", List{Integer(-3), ByteString("")})
	data, err := Encode(d)
	require.NoError(t, err)
	assert.Equal(t, "d5:alpha1:x3:midli-3e0:e4:zetai1ee", string(data))
}

func TestEncodeMatchesReferenceImplementation(t *testing.T) {
	ref := &bytes.Buffer{}
	err := jbencode.Marshal(ref, map[string]interface{}{
		"piece length": 16384,
		"name":         "file.txt",
		"length":       100,
		"a":            []interface{}{"x", 7},
	})
	require.NoError(t, err)

	d := NewDictionary().
		Set("piece length", Integer(16384)).
		Set("name", ByteString("file.txt")).
		Set("length", Integer(100)).
		Set("a", List{ByteString("x"), Integer(7)})
	data, err := Encode(d)
	require.NoError(t, err)
	assert.Equal(t, ref.String(), string(data))
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(nil)
	var encodeErr *EncodeError
	assert.True(t, errors.As(err, &encodeErr))

	_, err = Encode(List{Integer(1), nil})
	assert.True(t, errors.As(err, &encodeErr))

	var nilDict *Dictionary
	_, err = Encode(nilDict)
	assert.True(t, errors.As(err, &encodeErr))
}

func TestRoundTrip(t *testing.T) {
	values := []Value{
		Integer(0),
		Integer(-9223372036854775808),
		Integer(9223372036854775807),
		ByteString{},
		ByteString([]byte{0, 1, 2, 255}),
		List{},
		List{List{Integer(1)}, ByteString("a")},
		&Dictionary{Entries: []Entry{}},
		NewDictionary().Set("a", Integer(1)).Set("b", NewDictionary().Set("c", List{})),
	}
	for _, v := range values {
		data, err := Encode(v)
		require.NoError(t, err)
		decoded, n, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
		assert.Equal(t, len(data), n)
	}
}

func TestRoundTripCanonicalizesOrder(t *testing.T) {
	d := NewDictionary().Set("b", Integer(2)).Set("a", Integer(1))
	data, err := Encode(d)
	require.NoError(t, err)
	decoded, _, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, NewDictionary().Set("a", Integer(1)).Set("b", Integer(2)), decoded)
}
