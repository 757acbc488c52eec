package mcbp

import "encoding/binary"

// StoreExtras builds the 8 byte extras of SET/ADD/REPLACE: flags then expiry.
func StoreExtras(flags, expiry uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], flags)
	binary.BigEndian.PutUint32(b[4:8], expiry)
	return b
}

// CounterExtras builds the 20 byte extras of INCREMENT/DECREMENT.
func CounterExtras(delta, initial uint64, expiry uint32) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], delta)
	binary.BigEndian.PutUint64(b[8:16], initial)
	binary.BigEndian.PutUint32(b[16:20], expiry)
	return b
}

// Flags returns the 4 byte flags carried in the extras of a GET response.
func (f *Frame) Flags() uint32 {
	if len(f.Extras) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(f.Extras[0:4])
}
