package protocol

import (
	"encoding/binary"

	"github.com/goccy/go-json"

	"github.com/wedpr-lab/ppc-node/errs"
)

// psiEnvelope is the self-describing JSON envelope used to serialize a
// PSIMessage into Message.Data. JSON keeps the per-packet union simple
// and versioned (the `v` field), matching spec.md §4.2's requirement that
// the layout be implementation-chosen but stable across versions; byte
// payloads are base64-encoded by encoding/json's []byte support.
type psiEnvelope struct {
	V                 uint8              `json:"v"`
	ResourceID        string             `json:"r,omitempty"`
	HandshakeReq      *HandshakeRequest  `json:"hreq,omitempty"`
	HandshakeResp     *HandshakeResponse `json:"hresp,omitempty"`
	DataBatch         *DataBatchPayload  `json:"batch,omitempty"`
	Error             *ErrorNotification `json:"err,omitempty"`
	TaskSync          *TaskSyncPayload   `json:"sync,omitempty"`
	ResultSync        *ResultSyncPayload `json:"rsync,omitempty"`
	ResultSyncResp    *ResultSyncResponse `json:"rsyncresp,omitempty"`
	CemRequest        *CemBatchRequest   `json:"cemreq,omitempty"`
	CemResponse       *CemBatchResponse  `json:"cemresp,omitempty"`
}

// EncodePSIMessage serializes msg for transport inside a Message's Data
// field.
func EncodePSIMessage(msg *PSIMessage) ([]byte, error) {
	env := psiEnvelope{
		V:              msg.ProtocolVersion,
		ResourceID:     msg.ResourceID,
		HandshakeReq:   msg.HandshakeReq,
		HandshakeResp:  msg.HandshakeResp,
		DataBatch:      msg.DataBatch,
		Error:          msg.Error,
		TaskSync:       msg.TaskSync,
		ResultSync:     msg.ResultSync,
		ResultSyncResp: msg.ResultSyncResp,
		CemRequest:     msg.CemRequest,
		CemResponse:    msg.CemResponse,
	}
	buf, err := json.Marshal(&env)
	if err != nil {
		return nil, errs.Wrap(err, errs.DecodePPCMessageError, "encode psi message")
	}
	return buf, nil
}

// DecodePSIMessage parses a previously encoded PSIMessage.
func DecodePSIMessage(data []byte) (*PSIMessage, error) {
	var env psiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.Wrap(err, errs.DecodePPCMessageError, "decode psi message")
	}
	return &PSIMessage{
		ResourceID:     env.ResourceID,
		ProtocolVersion: env.V,
		HandshakeReq:   env.HandshakeReq,
		HandshakeResp:  env.HandshakeResp,
		DataBatch:      env.DataBatch,
		Error:          env.Error,
		TaskSync:       env.TaskSync,
		ResultSync:     env.ResultSync,
		ResultSyncResp: env.ResultSyncResp,
		CemRequest:     env.CemRequest,
		CemResponse:    env.CemResponse,
	}, nil
}

// EncodeLengthPrefixed frames a raw message with a 4-byte big-endian
// length prefix. Neither gateway adapter calls it: the WS and gRPC
// adapters each carry one encoded Message per transport frame.
func EncodeLengthPrefixed(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// DecodeLengthPrefixed reads exactly one length-prefixed frame from the
// front of buf, returning the payload and the number of bytes consumed.
func DecodeLengthPrefixed(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, errs.New(errs.DecodePPCMessageError, "short length prefix")
	}
	n := int(binary.BigEndian.Uint32(buf))
	if len(buf) < 4+n {
		return nil, 0, errs.New(errs.DecodePPCMessageError, "truncated frame")
	}
	return buf[4 : 4+n], 4 + n, nil
}
