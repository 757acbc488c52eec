package mcbp

import "fmt"

// Magic identifies the direction of a frame.
type Magic uint8

const (
	MagicRequest  Magic = 0x80
	MagicResponse Magic = 0x81
)

// HeaderLen is the size of the fixed frame header.
const HeaderLen = 24

// Size limits
const (
	// MaxValueLength is the largest document value a node accepts (20 MiB).
	MaxValueLength = 20 * 1024 * 1024

	// MaxBodyLength bounds the total body length field of a frame. Anything
	// larger is treated as a corrupted stream.
	MaxBodyLength = MaxValueLength + 1024*1024

	MaxKeyLength    = 0xffff
	MaxExtrasLength = 0xff
)

// Opcode is the operation carried by a frame.
type Opcode uint8

const (
	OpGet              Opcode = 0x00
	OpSet              Opcode = 0x01
	OpAdd              Opcode = 0x02
	OpReplace          Opcode = 0x03
	OpDelete           Opcode = 0x04
	OpIncrement        Opcode = 0x05
	OpDecrement        Opcode = 0x06
	OpNoop             Opcode = 0x0a
	OpSASLListMechs    Opcode = 0x20
	OpSASLAuth         Opcode = 0x21
	OpSASLStep         Opcode = 0x22
	OpGetReplica       Opcode = 0x83
	OpSelectBucket     Opcode = 0x89
	OpGetClusterConfig Opcode = 0xb5
)

var opcodeNames = map[Opcode]string{
	OpGet:              "GET",
	OpSet:              "SET",
	OpAdd:              "ADD",
	OpReplace:          "REPLACE",
	OpDelete:           "DELETE",
	OpIncrement:        "INCREMENT",
	OpDecrement:        "DECREMENT",
	OpNoop:             "NOOP",
	OpSASLListMechs:    "SASL_LIST_MECHS",
	OpSASLAuth:         "SASL_AUTH",
	OpSASLStep:         "SASL_STEP",
	OpGetReplica:       "GET_REPLICA",
	OpSelectBucket:     "SELECT_BUCKET",
	OpGetClusterConfig: "GET_CLUSTER_CONFIG",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(o))
}

// Status is the response status code.
type Status uint16

const (
	StatusSuccess        Status = 0x00
	StatusKeyNotFound    Status = 0x01
	StatusKeyExists      Status = 0x02
	StatusTooBig         Status = 0x03
	StatusInvalidArgs    Status = 0x04
	StatusNotStored      Status = 0x05
	StatusBadDelta       Status = 0x06
	StatusNotMyVBucket   Status = 0x07
	StatusNoBucket       Status = 0x08
	StatusAuthError      Status = 0x20
	StatusAuthContinue   Status = 0x21
	StatusUnknownCommand Status = 0x81
	StatusOutOfMemory    Status = 0x82
	StatusTempFailure    Status = 0x86
)

var statusNames = map[Status]string{
	StatusSuccess:        "SUCCESS",
	StatusKeyNotFound:    "KEY_ENOENT",
	StatusKeyExists:      "KEY_EEXISTS",
	StatusTooBig:         "E2BIG",
	StatusInvalidArgs:    "EINVAL",
	StatusNotStored:      "NOT_STORED",
	StatusBadDelta:       "DELTA_BADVAL",
	StatusNotMyVBucket:   "NOT_MY_VBUCKET",
	StatusNoBucket:       "NO_BUCKET",
	StatusAuthError:      "AUTH_ERROR",
	StatusAuthContinue:   "AUTH_CONTINUE",
	StatusUnknownCommand: "UNKNOWN_COMMAND",
	StatusOutOfMemory:    "ENOMEM",
	StatusTempFailure:    "TMPFAIL",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(s))
}

// DataType flags describe the encoding of the value.
type DataType uint8

const (
	DataTypeRaw    DataType = 0x00
	DataTypeJSON   DataType = 0x01
	DataTypeSnappy DataType = 0x02
	DataTypeXattr  DataType = 0x04
)
