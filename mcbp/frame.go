package mcbp

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrNeedMoreData is returned by Decode and Decoder.Next when the buffered
// bytes hold only part of a frame.
var ErrNeedMoreData = errors.New("mcbp: need more data")

// ErrFrameTooLarge is returned when a frame does not fit the header fields.
var ErrFrameTooLarge = errors.New("mcbp: frame too large")

// Frame is a single request or response.
// VBucket is meaningful for requests only, Status for responses only; they
// share the same header field on the wire.
type Frame struct {
	Magic    Magic
	Opcode   Opcode
	DataType DataType
	VBucket  uint16
	Status   Status
	Opaque   uint32
	CAS      uint64

	Extras []byte
	Key    []byte
	Body   []byte
}

// NewRequest builds a request frame. The opaque is assigned by the connection.
func NewRequest(op Opcode, key, extras, body []byte) *Frame {
	return &Frame{
		Magic:  MagicRequest,
		Opcode: op,
		Key:    key,
		Extras: extras,
		Body:   body,
	}
}

// IsRequest reports whether the frame travels client to server.
func (f *Frame) IsRequest() bool {
	return f.Magic == MagicRequest
}

// IsSuccess reports whether a response carries StatusSuccess.
func (f *Frame) IsSuccess() bool {
	return f.Status == StatusSuccess
}

// IsNotMyVBucket reports whether the server rejected the request because it
// does not own the addressed partition.
func (f *Frame) IsNotMyVBucket() bool {
	return f.Status == StatusNotMyVBucket
}

// BodyLen is the value of the total body length header field.
func (f *Frame) BodyLen() int {
	return len(f.Extras) + len(f.Key) + len(f.Body)
}

// Size is the encoded size of the frame.
func (f *Frame) Size() int {
	return HeaderLen + f.BodyLen()
}

// Err converts a non-success response into a *StatusError.
func (f *Frame) Err() error {
	if f.IsSuccess() {
		return nil
	}
	return &StatusError{Opcode: f.Opcode, Status: f.Status, Key: string(f.Key), Message: string(f.Body)}
}

// Validate reports ErrFrameTooLarge when a field does not fit its header
// length field.
func (f *Frame) Validate() error {
	if len(f.Key) > MaxKeyLength || len(f.Extras) > MaxExtrasLength || f.BodyLen() > MaxBodyLength {
		return ErrFrameTooLarge
	}
	return nil
}

// AppendFrame appends the wire encoding of f to dst.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return dst, err
	}

	var hdr [HeaderLen]byte
	hdr[0] = byte(f.Magic)
	hdr[1] = byte(f.Opcode)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(f.Key)))
	hdr[4] = uint8(len(f.Extras))
	hdr[5] = byte(f.DataType)
	if f.Magic == MagicResponse {
		binary.BigEndian.PutUint16(hdr[6:8], uint16(f.Status))
	} else {
		binary.BigEndian.PutUint16(hdr[6:8], f.VBucket)
	}
	binary.BigEndian.PutUint32(hdr[8:12], uint32(f.BodyLen()))
	binary.BigEndian.PutUint32(hdr[12:16], f.Opaque)
	binary.BigEndian.PutUint64(hdr[16:24], f.CAS)

	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Extras...)
	dst = append(dst, f.Key...)
	dst = append(dst, f.Body...)
	return dst, nil
}

// Encode returns the wire encoding of f.
func Encode(f *Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, f.Size()), f)
}

// WriteFrame encodes f and writes it to w in a single call.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode parses the frame at the start of buf and returns it with the number
// of bytes consumed. The returned frame does not alias buf.
//
// Returns ErrNeedMoreData when buf holds an incomplete frame and a *ParseError
// when the header is invalid.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < HeaderLen {
		return nil, 0, ErrNeedMoreData
	}

	magic := Magic(buf[0])
	if magic != MagicRequest && magic != MagicResponse {
		return nil, 0, &ParseError{Message: "invalid magic byte", Offset: 0}
	}

	keyLen := int(binary.BigEndian.Uint16(buf[2:4]))
	extLen := int(buf[4])
	bodyLen := int(binary.BigEndian.Uint32(buf[8:12]))

	if bodyLen > MaxBodyLength {
		return nil, 0, &ParseError{Message: "body length exceeds maximum", Offset: 8}
	}
	if keyLen+extLen > bodyLen {
		return nil, 0, &ParseError{Message: "key and extras exceed body length", Offset: 2}
	}

	total := HeaderLen + bodyLen
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	f := &Frame{
		Magic:    magic,
		Opcode:   Opcode(buf[1]),
		DataType: DataType(buf[5]),
		Opaque:   binary.BigEndian.Uint32(buf[12:16]),
		CAS:      binary.BigEndian.Uint64(buf[16:24]),
	}
	field := binary.BigEndian.Uint16(buf[6:8])
	if magic == MagicResponse {
		f.Status = Status(field)
	} else {
		f.VBucket = field
	}

	// One allocation for the whole body; the three slices share it.
	payload := make([]byte, bodyLen)
	copy(payload, buf[HeaderLen:total])
	if extLen > 0 {
		f.Extras = payload[:extLen:extLen]
	}
	if keyLen > 0 {
		f.Key = payload[extLen : extLen+keyLen : extLen+keyLen]
	}
	if bodyLen > extLen+keyLen {
		f.Body = payload[extLen+keyLen:]
	}

	return f, total, nil
}
