package mcbp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAll(t testing.TB, frames ...*Frame) []byte {
	t.Helper()
	var out []byte
	for _, f := range frames {
		var err error
		out, err = AppendFrame(out, f)
		require.NoError(t, err)
	}
	return out
}

func TestDecoder_ByteByByte(t *testing.T) {
	frames := []*Frame{
		{Magic: MagicResponse, Opcode: OpGet, Opaque: 1, Body: []byte("first")},
		{Magic: MagicResponse, Opcode: OpSet, Opaque: 2, CAS: 99},
		{Magic: MagicResponse, Opcode: OpGet, Opaque: 3, Key: []byte("k"), Body: bytes.Repeat([]byte("x"), 1000)},
	}
	stream := encodeAll(t, frames...)

	var d Decoder
	var got []*Frame
	for i := range stream {
		d.Feed(stream[i : i+1])
		for {
			f, err := d.Next()
			if err == ErrNeedMoreData {
				break
			}
			require.NoError(t, err)
			got = append(got, f)
		}
	}

	require.Len(t, got, 3)
	for i := range frames {
		assert.Equal(t, frames[i].Opaque, got[i].Opaque)
		assert.Equal(t, frames[i].Body, got[i].Body)
	}
	assert.Equal(t, 0, d.Buffered())
}

func TestDecoder_MultipleFramesInOneChunk(t *testing.T) {
	stream := encodeAll(t,
		&Frame{Magic: MagicResponse, Opaque: 10},
		&Frame{Magic: MagicResponse, Opaque: 11},
	)
	// plus half of a third frame
	third := encodeAll(t, &Frame{Magic: MagicResponse, Opaque: 12, Body: []byte("tail")})
	stream = append(stream, third[:10]...)

	var d Decoder
	d.Feed(stream)

	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(10), f.Opaque)

	f, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(11), f.Opaque)

	_, err = d.Next()
	assert.ErrorIs(t, err, ErrNeedMoreData)
	assert.Equal(t, 10, d.Buffered())

	d.Feed(third[10:])
	f, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(12), f.Opaque)
	assert.Equal(t, []byte("tail"), f.Body)
}

func TestDecoder_ParseErrorIsSticky(t *testing.T) {
	var d Decoder
	d.Feed(bytes.Repeat([]byte{0xff}, HeaderLen))

	_, err := d.Next()
	var pe *ParseError
	require.ErrorAs(t, err, &pe)

	d.Feed(encodeAll(t, &Frame{Magic: MagicResponse}))
	_, err = d.Next()
	require.ErrorAs(t, err, &pe)
}

// FuzzDecode checks that arbitrary input never panics the decoder and that
// every decoded frame re-encodes to the bytes it came from.
// Run with: go test -fuzz='^FuzzDecode$' -fuzztime=60s ./mcbp
func FuzzDecode(f *testing.F) {
	seeds := []*Frame{
		{Magic: MagicRequest, Opcode: OpNoop},
		{Magic: MagicRequest, Opcode: OpSet, Extras: StoreExtras(1, 2), Key: []byte("k"), Body: []byte("v")},
		{Magic: MagicResponse, Opcode: OpGet, Status: StatusNotMyVBucket, Body: []byte(`{"rev":1}`)},
	}
	for _, s := range seeds {
		buf, _ := Encode(s)
		f.Add(buf)
	}
	f.Add([]byte{})
	f.Add([]byte{0x80})
	f.Add(bytes.Repeat([]byte{0x81}, HeaderLen))

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, n, err := Decode(data)
		if err != nil {
			return
		}
		if n > len(data) {
			t.Fatalf("consumed %d bytes of %d", n, len(data))
		}
		again, err := Encode(frame)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		if !bytes.Equal(again, data[:n]) {
			t.Fatalf("re-encoded frame differs from input")
		}
	})
}
