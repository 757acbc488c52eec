package mcbp

// Decoder accumulates bytes from a stream and yields complete frames.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	off int
	err error
}

// Feed appends p to the pending bytes.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	} else if d.off > 0 && d.off > cap(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame.
//
// It returns ErrNeedMoreData when more bytes must be fed. A *ParseError is
// sticky: once the stream is known to be corrupted every later call returns it.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}

	f, n, err := Decode(d.buf[d.off:])
	if err == ErrNeedMoreData {
		return nil, err
	}
	if err != nil {
		d.err = err
		return nil, err
	}

	d.off += n
	return f, nil
}

// Buffered returns the number of bytes fed but not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}
