package mcbp

import (
	"errors"
	"fmt"
)

// ParseError reports bytes that cannot be a valid frame.
//
// Connection handling: CLOSE the connection, the stream position is lost.
type ParseError struct {
	Message string
	Offset  int // header offset of the offending field
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("mcbp: malformed frame: %s (header offset %d)", e.Message, e.Offset)
}

// ShouldCloseConnection returns true - the stream cannot be resynchronized
func (e *ParseError) ShouldCloseConnection() bool {
	return true
}

// StatusError is a response with a non-success status.
//
// Connection handling: connection can be REUSED
type StatusError struct {
	Opcode  Opcode
	Status  Status
	Key     string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" && len(e.Message) < 256 {
		return fmt.Sprintf("mcbp: %s failed with status %s: %s", e.Opcode, e.Status, e.Message)
	}
	return fmt.Sprintf("mcbp: %s failed with status %s", e.Opcode, e.Status)
}

// ShouldCloseConnection returns false - the server answered in protocol
func (e *StatusError) ShouldCloseConnection() bool {
	return false
}

// ErrorWithConnectionState is implemented by errors that know whether the
// connection they happened on can be reused.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
// Unknown error types are treated conservatively and close the connection.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	return true
}

// IsStatus reports whether err is a *StatusError carrying status.
func IsStatus(err error, status Status) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
