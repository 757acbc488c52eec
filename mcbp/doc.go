// Package mcbp implements the memcached binary protocol frame codec used by
// Couchbase data nodes.
//
// Every frame starts with a fixed 24 byte header followed by extras, key and
// body, in that order:
//
//	byte  0     magic (0x80 request, 0x81 response)
//	byte  1     opcode
//	bytes 2-3   key length
//	byte  4     extras length
//	byte  5     data type
//	bytes 6-7   vbucket (request) or status (response)
//	bytes 8-11  total body length (extras + key + value)
//	bytes 12-15 opaque
//	bytes 16-23 CAS
//
// # Encoding
//
// AppendFrame and Encode serialize a Frame. They only fail for frames that do
// not fit the header fields (oversized key, extras or body).
//
// # Decoding
//
// Decode parses one frame from the start of a byte slice and reports
// ErrNeedMoreData when the slice holds only part of a frame. Decoder wraps it
// for stream readers: bytes are fed as they arrive and complete frames are
// pulled out with Next, so a caller never blocks inside the codec.
//
//	var d mcbp.Decoder
//	d.Feed(chunk)
//	for {
//	    frame, err := d.Next()
//	    if errors.Is(err, mcbp.ErrNeedMoreData) {
//	        break // read more bytes
//	    }
//	    if err != nil {
//	        return err // *ParseError, the connection must be closed
//	    }
//	    handle(frame)
//	}
//
// # Error Handling
//
//   - ParseError: malformed input (bad magic, length overflow). Fatal for the
//     connection that produced the bytes, CLOSE it.
//   - StatusError: the server answered with a non-success status. The
//     connection is still usable.
//
// ShouldCloseConnection reports which strategy applies to an error.
package mcbp
