package wire

import (
	bitmap "github.com/boljen/go-bitmap"
)

// NewBitfield packs the first numPieces bits of have into wire order,
// most significant bit first.
func NewBitfield(have bitmap.Bitmap, numPieces int) []byte {
	raw := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if have.Get(i) {
			raw[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return raw
}

// ParseBitfield unpacks a wire bitfield. Pad bits past numPieces must be zero.
func ParseBitfield(raw []byte, numPieces int) (bitmap.Bitmap, error) {
	if len(raw) != (numPieces+7)/8 {
		return nil, protocolErrorf("bitfield of %d bytes for %d pieces", len(raw), numPieces)
	}
	bm := bitmap.New(numPieces)
	for i := 0; i < len(raw)*8; i++ {
		set := raw[i/8]&(0x80>>uint(i%8)) != 0
		if i >= numPieces {
			if set {
				return nil, protocolErrorf("bitfield has non-zero padding bit %d", i)
			}
			continue
		}
		if set {
			bm.Set(i, true)
		}
	}
	return bm, nil
}
