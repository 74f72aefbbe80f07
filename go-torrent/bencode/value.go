package bencode

import (
	"bytes"
	"sort"
)

// Value is one of Integer, ByteString, List or *Dictionary.
type Value interface {
	isValue()
}

type Integer int64

type ByteString []byte

type List []Value

// Entry is a single key/value pair of a Dictionary.
type Entry struct {
	Key   string
	Value Value
}

// Dictionary keeps its entries in the order they were decoded or set.
// Encode always emits them sorted by key.
type Dictionary struct {
	Entries []Entry
}

func (Integer) isValue()     {}
func (ByteString) isValue()  {}
func (List) isValue()        {}
func (*Dictionary) isValue() {}

func NewDictionary() *Dictionary {
	return &Dictionary{}
}

// Set replaces the value of an existing key or appends a new entry.
func (d *Dictionary) Set(key string, v Value) *Dictionary {
	for i := range d.Entries {
		if d.Entries[i].Key == key {
			d.Entries[i].Value = v
			return d
		}
	}
	d.Entries = append(d.Entries, Entry{Key: key, Value: v})
	return d
}

func (d *Dictionary) Get(key string) (Value, bool) {
	if d == nil {
		return nil, false
	}
	for _, e := range d.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Entries)
}

func (d *Dictionary) Bytes(key string) ([]byte, bool) {
	v, _ := d.Get(key)
	b, ok := v.(ByteString)
	return []byte(b), ok
}

func (d *Dictionary) Str(key string) (string, bool) {
	b, ok := d.Bytes(key)
	return string(b), ok
}

func (d *Dictionary) Int(key string) (int64, bool) {
	v, _ := d.Get(key)
	i, ok := v.(Integer)
	return int64(i), ok
}

func (d *Dictionary) List(key string) (List, bool) {
	v, _ := d.Get(key)
	l, ok := v.(List)
	return l, ok
}

func (d *Dictionary) Dict(key string) (*Dictionary, bool) {
	v, _ := d.Get(key)
	dd, ok := v.(*Dictionary)
	return dd, ok && dd != nil
}

func (d *Dictionary) sorted() []Entry {
	entries := make([]Entry, len(d.Entries))
	copy(entries, d.Entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return bytes.Compare([]byte(entries[i].Key), []byte(entries[j].Key)) < 0
	})
	return entries
}
