package couchcore

import (
	"encoding/binary"
	"time"

	"github.com/pior/couchcore/mcbp"
)

// NoTTL represents an infinite TTL (no expiration).
const NoTTL = 0

// Operation is one key-value request to be routed and executed. Key, Extras
// and Value are sent as they are; the client does no transcoding.
type Operation struct {
	Opcode   mcbp.Opcode
	Key      []byte
	Extras   []byte
	Value    []byte
	CAS      uint64
	DataType mcbp.DataType

	// Replica selects the copy to address: 0 is the active node, 1.. the
	// replicas of the partition.
	Replica int
}

// Result is the response to an Operation.
type Result struct {
	Status   mcbp.Status
	Key      []byte
	Value    []byte
	Extras   []byte
	CAS      uint64
	DataType mcbp.DataType
	Flags    uint32

	Node     string // node that answered
	VBucket  uint16
	Attempts int
}

// Counter decodes the value of an INCREMENT/DECREMENT response.
func (r *Result) Counter() uint64 {
	if len(r.Value) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(r.Value)
}

func (op *Operation) request(vb uint16) *mcbp.Frame {
	req := mcbp.NewRequest(op.Opcode, op.Key, op.Extras, op.Value)
	req.VBucket = vb
	req.CAS = op.CAS
	req.DataType = op.DataType
	return req
}

func newResult(resp *mcbp.Frame, node string, vb uint16, attempts int) *Result {
	return &Result{
		Status:   resp.Status,
		Key:      resp.Key,
		Value:    resp.Body,
		Extras:   resp.Extras,
		CAS:      resp.CAS,
		DataType: resp.DataType,
		Flags:    resp.Flags(),
		Node:     node,
		VBucket:  vb,
		Attempts: attempts,
	}
}

// expiry converts a TTL to the protocol's expiration field. Durations of 30
// days or more are sent as an absolute unix time, as the server expects.
func expiry(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return NoTTL
	}
	secs := uint32(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	if ttl >= 30*24*time.Hour {
		return uint32(time.Now().Add(ttl).Unix())
	}
	return secs
}

// NewGetOperation fetches the value of key from the active node.
func NewGetOperation(key string) *Operation {
	return &Operation{Opcode: mcbp.OpGet, Key: []byte(key)}
}

// NewGetReplicaOperation fetches the value of key from replica n (n >= 1).
func NewGetReplicaOperation(key string, n int) *Operation {
	return &Operation{Opcode: mcbp.OpGetReplica, Key: []byte(key), Replica: n}
}

// NewSetOperation stores value under key unconditionally.
func NewSetOperation(key string, value []byte, flags uint32, ttl time.Duration) *Operation {
	return &Operation{
		Opcode: mcbp.OpSet,
		Key:    []byte(key),
		Extras: mcbp.StoreExtras(flags, expiry(ttl)),
		Value:  value,
	}
}

// NewAddOperation stores value under key only if the key does not exist.
func NewAddOperation(key string, value []byte, flags uint32, ttl time.Duration) *Operation {
	op := NewSetOperation(key, value, flags, ttl)
	op.Opcode = mcbp.OpAdd
	return op
}

// NewDeleteOperation removes key.
func NewDeleteOperation(key string) *Operation {
	return &Operation{Opcode: mcbp.OpDelete, Key: []byte(key)}
}

// NewIncrementOperation adds delta to a counter, creating it with initial
// when it does not exist.
func NewIncrementOperation(key string, delta, initial uint64, ttl time.Duration) *Operation {
	return &Operation{
		Opcode: mcbp.OpIncrement,
		Key:    []byte(key),
		Extras: mcbp.CounterExtras(delta, initial, expiry(ttl)),
	}
}

// NewNoopOperation builds a NOOP. It carries no key and is routed to the
// node owning partition 0.
func NewNoopOperation() *Operation {
	return &Operation{Opcode: mcbp.OpNoop}
}
