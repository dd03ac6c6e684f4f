// Package protocol implements the PPC wire codec and the Task/PartyResource
// data model shared by every engine (spec.md §3, §4.2, §6).
package protocol

import (
	"encoding/binary"

	"github.com/goccy/go-json"

	"github.com/wedpr-lab/ppc-node/errs"
)

// TaskType distinguishes the top-level protocol family a Message belongs
// to; today every task runs PSI or CEM.
type TaskType uint8

const (
	TaskTypePSI TaskType = iota
	TaskTypeCEM
)

// AlgorithmType enumerates the algorithm kinds of spec.md §3.
type AlgorithmType uint8

const (
	AlgoCMPSI AlgorithmType = iota
	AlgoRAPSI
	AlgoLabeledPSI
	AlgoEcdhPSI2PC
	AlgoEcdhPSIMulti
	AlgoEcdhPSIConn
	AlgoBSEcdhPSI
	AlgoOTPIR
	AlgoCEM
)

// MessageType enumerates the PSI packet types a Message can carry
// (spec.md §3 PSIMessage, §6 wire protocol).
type MessageType uint8

const (
	MsgHandshakeRequest MessageType = iota
	MsgHandshakeResponse
	MsgHandshakeSuccess
	MsgEvaluateRequest
	MsgEvaluateResponse
	MsgServerBlindedData
	MsgSyncDataBatchInfo
	MsgCancelTaskNotification
	MsgTaskSyncMsg
	MsgPSIResultSyncMsg
	MsgPSIResultSyncResponse
	MsgPingPeer
	MsgCemBatchRequest
	MsgCemBatchResponse
)

// messageMinLength is the fixed-layout portion with every variable length
// field set to zero: version,taskType,algorithmType,messageType (4) +
// seq (4) + taskIDLength (2) + senderLength (2) + ext (2) + uuidLength (1)
// + dataLength (4) = 19 bytes.
const messageMinLength = 1 + 1 + 1 + 1 + 4 + 2 + 2 + 2 + 1 + 4

// Message is the fixed-header, variable-payload PPCMessage of spec.md §6.
type Message struct {
	Version       uint8
	TaskType      TaskType
	AlgorithmType AlgorithmType
	MessageType   MessageType
	Seq           uint32
	TaskID        string
	Sender        string
	Ext           uint16
	UUID          string
	Data          []byte
	Header        map[string]string
}

// NewMessage builds a Message with no header map; callers set Header
// directly when they need one (a nil or empty Header emits no trailing
// headerJson bytes).
func NewMessage(version uint8, taskType TaskType, algo AlgorithmType, msgType MessageType, taskID, sender string) *Message {
	return &Message{
		Version:       version,
		TaskType:      taskType,
		AlgorithmType: algo,
		MessageType:   msgType,
		TaskID:        taskID,
		Sender:        sender,
	}
}

// Encode serializes m per the bit-exact layout in spec.md §6.
func (m *Message) Encode() ([]byte, error) {
	taskID := []byte(m.TaskID)
	sender := []byte(m.Sender)
	uuid := []byte(m.UUID)

	headerJSON, err := encodeHeader(m.Header)
	if err != nil {
		return nil, errs.Wrap(err, errs.DecodePPCMessageError, "encode header")
	}

	total := messageMinLength + len(taskID) + len(sender) + len(uuid) + len(m.Data) + len(headerJSON)
	buf := make([]byte, total)
	off := 0

	buf[off] = m.Version
	off++
	buf[off] = uint8(m.TaskType)
	off++
	buf[off] = uint8(m.AlgorithmType)
	off++
	buf[off] = uint8(m.MessageType)
	off++

	binary.BigEndian.PutUint32(buf[off:], m.Seq)
	off += 4

	binary.BigEndian.PutUint16(buf[off:], uint16(len(taskID)))
	off += 2
	off += copy(buf[off:], taskID)

	binary.BigEndian.PutUint16(buf[off:], uint16(len(sender)))
	off += 2
	off += copy(buf[off:], sender)

	binary.BigEndian.PutUint16(buf[off:], m.Ext)
	off += 2

	buf[off] = uint8(len(uuid))
	off++
	off += copy(buf[off:], uuid)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Data)))
	off += 4
	off += copy(buf[off:], m.Data)

	copy(buf[off:], headerJSON)

	return buf, nil
}

// Decode parses buf into m, returning the number of bytes consumed (which
// for PPCMessage is always len(buf), since any remainder is the trailing
// header blob) or an error if buf is shorter than the declared field
// lengths require (spec.md §6, §8).
func (m *Message) Decode(buf []byte) (int, error) {
	if len(buf) < messageMinLength {
		return -1, errs.New(errs.DecodePPCMessageError, "message shorter than fixed header")
	}

	off := 0
	m.Version = buf[off]
	off++
	m.TaskType = TaskType(buf[off])
	off++
	m.AlgorithmType = AlgorithmType(buf[off])
	off++
	m.MessageType = MessageType(buf[off])
	off++

	m.Seq = binary.BigEndian.Uint32(buf[off:])
	off += 4

	taskIDLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+taskIDLen+2 {
		return -1, errs.New(errs.DecodePPCMessageError, "truncated taskId")
	}
	m.TaskID = string(buf[off : off+taskIDLen])
	off += taskIDLen

	senderLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+senderLen {
		return -1, errs.New(errs.DecodePPCMessageError, "truncated sender")
	}
	m.Sender = string(buf[off : off+senderLen])
	off += senderLen

	if len(buf) < off+2+1 {
		return -1, errs.New(errs.DecodePPCMessageError, "truncated ext/uuidLength")
	}
	m.Ext = binary.BigEndian.Uint16(buf[off:])
	off += 2

	uuidLen := int(buf[off])
	off++
	if len(buf) < off+uuidLen {
		return -1, errs.New(errs.DecodePPCMessageError, "truncated uuid")
	}
	if uuidLen > 0 {
		m.UUID = string(buf[off : off+uuidLen])
		off += uuidLen
	} else {
		m.UUID = ""
	}

	if len(buf) < off+4 {
		return -1, errs.New(errs.DecodePPCMessageError, "truncated dataLength")
	}
	dataLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+dataLen {
		return -1, errs.New(errs.DecodePPCMessageError, "truncated data")
	}
	if dataLen > 0 {
		m.Data = append([]byte(nil), buf[off:off+dataLen]...)
		off += dataLen
	} else {
		m.Data = nil
	}

	header, err := decodeHeader(buf[off:])
	if err != nil {
		return -1, errs.Wrap(err, errs.DecodePPCMessageError, "decode header")
	}
	m.Header = header

	return len(buf), nil
}

func encodeHeader(header map[string]string) ([]byte, error) {
	if len(header) == 0 {
		return nil, nil
	}
	return json.Marshal(header)
}

func decodeHeader(trailing []byte) (map[string]string, error) {
	if len(trailing) == 0 {
		return nil, nil
	}
	header := make(map[string]string)
	if err := json.Unmarshal(trailing, &header); err != nil {
		return nil, err
	}
	return header, nil
}

// Key packs (messageType, seq) into the 64-bit rendezvous key the Channel
// uses (spec.md §4.3): high 32 bits = type, low 32 bits = seq.
func Key(msgType MessageType, seq uint32) uint64 {
	return uint64(msgType)<<32 | uint64(seq)
}
