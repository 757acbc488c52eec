package couchcore

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pior/couchcore/mcbp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiry(t *testing.T) {
	assert.EqualValues(t, NoTTL, expiry(0))
	assert.EqualValues(t, NoTTL, expiry(-time.Second))
	assert.EqualValues(t, 1, expiry(time.Millisecond), "sub-second TTLs round up")
	assert.EqualValues(t, 90, expiry(90*time.Second))
	assert.EqualValues(t, 29*24*3600, expiry(29*24*time.Hour))

	// 30 days and more is an absolute unix time.
	abs := expiry(31 * 24 * time.Hour)
	want := time.Now().Add(31 * 24 * time.Hour).Unix()
	assert.InDelta(t, want, int64(abs), 2)
}

func TestOperationRequest(t *testing.T) {
	op := NewSetOperation("beer", []byte("ipa"), 0xcafe, time.Minute)
	op.CAS = 42

	req := op.request(513)
	assert.Equal(t, mcbp.MagicRequest, req.Magic)
	assert.Equal(t, mcbp.OpSet, req.Opcode)
	assert.EqualValues(t, 513, req.VBucket)
	assert.EqualValues(t, 42, req.CAS)
	assert.Equal(t, []byte("beer"), req.Key)
	assert.Equal(t, []byte("ipa"), req.Body)

	require.Len(t, req.Extras, 8)
	assert.EqualValues(t, 0xcafe, binary.BigEndian.Uint32(req.Extras[0:4]))
	assert.EqualValues(t, 60, binary.BigEndian.Uint32(req.Extras[4:8]))
}

func TestOperationConstructors(t *testing.T) {
	tests := []struct {
		name    string
		op      *Operation
		opcode  mcbp.Opcode
		extras  int
		replica int
	}{
		{"get", NewGetOperation("k"), mcbp.OpGet, 0, 0},
		{"get replica", NewGetReplicaOperation("k", 1), mcbp.OpGetReplica, 0, 1},
		{"set", NewSetOperation("k", nil, 0, NoTTL), mcbp.OpSet, 8, 0},
		{"add", NewAddOperation("k", nil, 0, NoTTL), mcbp.OpAdd, 8, 0},
		{"delete", NewDeleteOperation("k"), mcbp.OpDelete, 0, 0},
		{"increment", NewIncrementOperation("k", 1, 0, NoTTL), mcbp.OpIncrement, 20, 0},
		{"noop", NewNoopOperation(), mcbp.OpNoop, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.opcode, tt.op.Opcode)
			assert.Len(t, tt.op.Extras, tt.extras)
			assert.Equal(t, tt.replica, tt.op.Replica)
		})
	}
}

func TestIncrementExtras(t *testing.T) {
	op := NewIncrementOperation("visits", 3, 100, 10*time.Second)
	assert.EqualValues(t, 3, binary.BigEndian.Uint64(op.Extras[0:8]))
	assert.EqualValues(t, 100, binary.BigEndian.Uint64(op.Extras[8:16]))
	assert.EqualValues(t, 10, binary.BigEndian.Uint32(op.Extras[16:20]))
}

func TestNewResult(t *testing.T) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, 7)
	resp := &mcbp.Frame{
		Magic:  mcbp.MagicResponse,
		Opcode: mcbp.OpGet,
		Key:    []byte("k"),
		Extras: extras,
		Body:   []byte("v"),
		CAS:    99,
	}

	res := newResult(resp, "10.0.0.1:11210", 12, 2)
	assert.Equal(t, mcbp.StatusSuccess, res.Status)
	assert.Equal(t, []byte("v"), res.Value)
	assert.EqualValues(t, 7, res.Flags)
	assert.EqualValues(t, 99, res.CAS)
	assert.Equal(t, "10.0.0.1:11210", res.Node)
	assert.EqualValues(t, 12, res.VBucket)
	assert.Equal(t, 2, res.Attempts)
}

func TestResultCounter(t *testing.T) {
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, 1<<40)
	assert.EqualValues(t, 1<<40, (&Result{Value: body}).Counter())
	assert.Zero(t, (&Result{Value: []byte("12")}).Counter())
}
