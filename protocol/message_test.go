package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestMessageRoundTrip is spec.md §8's S4 scenario: every field populated,
// including the optional uuid and a non-empty headerJson.
func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Version:       1,
		TaskType:      TaskTypePSI,
		AlgorithmType: AlgoCMPSI,
		MessageType:   MsgHandshakeRequest,
		Seq:           5,
		TaskID:        "T_123456",
		Sender:        "1001",
		Ext:           10,
		UUID:          "uuid1245",
		Data:          []byte("aaaaaaaaaa"),
		Header: map[string]string{
			"x-http-session": "111111",
			"x-http-request": "2222222",
		},
	}

	buf, err := m.Encode()
	require.NoError(t, err)

	var decoded Message
	n, err := decoded.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	require.Equal(t, m.Version, decoded.Version)
	require.Equal(t, m.TaskType, decoded.TaskType)
	require.Equal(t, m.AlgorithmType, decoded.AlgorithmType)
	require.Equal(t, m.MessageType, decoded.MessageType)
	require.Equal(t, m.Seq, decoded.Seq)
	require.Equal(t, m.TaskID, decoded.TaskID)
	require.Equal(t, m.Sender, decoded.Sender)
	require.Equal(t, m.Ext, decoded.Ext)
	require.Equal(t, m.UUID, decoded.UUID)
	require.Equal(t, m.Data, decoded.Data)
	require.Equal(t, m.Header, decoded.Header)
}

// TestMessageRejectsShortBuffers covers spec.md §8's "short messages MUST
// be rejected" boundary.
func TestMessageRejectsShortBuffers(t *testing.T) {
	var decoded Message
	_, err := decoded.Decode(make([]byte, messageMinLength-1))
	require.Error(t, err)

	m := &Message{TaskID: "abc"}
	buf, err := m.Encode()
	require.NoError(t, err)
	_, err = decoded.Decode(buf[:len(buf)-1])
	require.Error(t, err)
}

// TestMessageRoundTripProperty is the encode∘decode = id law from
// spec.md §8, checked against randomly generated messages via rapid.
func TestMessageRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := &Message{
			Version:       uint8(rapid.IntRange(0, 255).Draw(rt, "version")),
			TaskType:      TaskType(rapid.IntRange(0, 1).Draw(rt, "taskType")),
			AlgorithmType: AlgorithmType(rapid.IntRange(0, 8).Draw(rt, "algo")),
			MessageType:   MessageType(rapid.IntRange(0, 13).Draw(rt, "msgType")),
			Seq:           rapid.Uint32().Draw(rt, "seq"),
			TaskID:        rapid.StringN(0, 32, -1).Draw(rt, "taskID"),
			Sender:        rapid.StringN(0, 32, -1).Draw(rt, "sender"),
			Ext:           rapid.Uint16().Draw(rt, "ext"),
			UUID:          rapid.StringMatching(`[a-zA-Z0-9]{0,63}`).Draw(rt, "uuid"),
			Data:          []byte(rapid.StringN(0, 64, -1).Draw(rt, "data")),
		}

		buf, err := m.Encode()
		require.NoError(rt, err)

		var decoded Message
		n, err := decoded.Decode(buf)
		require.NoError(rt, err)
		require.Equal(rt, len(buf), n)
		require.Equal(rt, m.TaskID, decoded.TaskID)
		require.Equal(rt, m.Sender, decoded.Sender)
		require.Equal(rt, m.UUID, decoded.UUID)
		require.Equal(rt, m.Data, decoded.Data)
		require.Equal(rt, m.Seq, decoded.Seq)
	})
}

func TestKeyPacking(t *testing.T) {
	k := Key(MsgEvaluateResponse, 7)
	require.Equal(t, uint64(MsgEvaluateResponse)<<32|7, k)
}
