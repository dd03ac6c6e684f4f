package cem

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/wedpr-lab/ppc-node/protocol"
	"github.com/wedpr-lab/ppc-node/task"
)

// capturingGateway is an in-memory gateway.Gateway that records every sent
// Message without any real transport, mirroring task/guarder_test.go's
// fakeGateway.
type capturingGateway struct {
	mu   sync.Mutex
	sent []*protocol.Message
}

func (g *capturingGateway) AsyncSendMessage(_ context.Context, _ string, msg *protocol.Message, cb func(error)) {
	g.mu.Lock()
	g.sent = append(g.sent, msg)
	g.mu.Unlock()
	cb(nil)
}

func (g *capturingGateway) RegisterHandler(protocol.TaskType, protocol.AlgorithmType, func(*protocol.Message)) {
}
func (g *capturingGateway) NotifyTaskInfo(string) error { return nil }
func (g *capturingGateway) Close() error                { return nil }

func (g *capturingGateway) last() *protocol.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sent) == 0 {
		return nil
	}
	return g.sent[len(g.sent)-1]
}

func decodePSI(t *testing.T, msg *protocol.Message) *protocol.PSIMessage {
	t.Helper()
	psiMsg, err := protocol.DecodePSIMessage(msg.Data)
	require.NoError(t, err)
	return psiMsg
}

func TestEngineRequesterResponderFullRoundTrip(t *testing.T) {
	datasetPath := filepath.Join(t.TempDir(), "dataset.csv")
	require.NoError(t, os.WriteFile(datasetPath, []byte(
		"id,email,phone\n"+
			"1,aa,00\n"+
			"2,cc,bb\n"+
			"3,aa,bb\n"), 0o644))

	params, err := json.Marshal(Params{
		FieldNames:  []string{"email", "phone"},
		FieldValues: []string{hex.EncodeToString([]byte{0xaa}), hex.EncodeToString([]byte{0xbb})},
	})
	require.NoError(t, err)

	requesterTask := &protocol.Task{
		TaskID:    "cem-1",
		Algorithm: protocol.AlgoCEM,
		Self: protocol.PartyResource{
			PartyID:      "requester",
			Index:        protocol.PartyClient,
			DataResource: &protocol.DataResource{ResourceID: "req-res"},
		},
		Params: params,
	}
	responderTask := &protocol.Task{
		TaskID:    "cem-1",
		Algorithm: protocol.AlgoCEM,
		Self: protocol.PartyResource{
			PartyID: "responder",
			Index:   protocol.PartyServer,
			DataResource: &protocol.DataResource{
				ResourceID: "resp-res",
				Input:      &protocol.DataResourceDesc{Kind: protocol.ResourceFile, Path: datasetPath},
			},
		},
	}

	requesterGW := &capturingGateway{}
	responderGW := &capturingGateway{}
	requester := NewEngine(requesterGW, "requester", nil)
	responder := NewEngine(responderGW, "responder", nil)

	requesterState := task.NewState(requesterTask, nil)
	requesterState.PeerID = "responder"
	responderState := task.NewState(responderTask, nil)
	responderState.PeerID = "requester"

	ctx := context.Background()

	// requester: first tick starts the run, second sends the request.
	_, err = requester.Tick(ctx, requesterState)
	require.NoError(t, err)
	progressed, err := requester.Tick(ctx, requesterState)
	require.NoError(t, err)
	require.True(t, progressed)

	requestMsg := requesterGW.last()
	require.NotNil(t, requestMsg)
	require.Equal(t, protocol.MsgCemBatchRequest, requestMsg.MessageType)

	// responder: first tick opens its dataset reader, then it can accept
	// the request, then drains header + the one batch, then replies.
	_, err = responder.Tick(ctx, responderState)
	require.NoError(t, err)
	require.NoError(t, responder.HandlePacket(ctx, responderState, requestMsg.MessageType, decodePSI(t, requestMsg)))

	for i := 0; i < 5; i++ {
		_, err := responder.Tick(ctx, responderState)
		require.NoError(t, err)
	}

	responseMsg := responderGW.last()
	require.NotNil(t, responseMsg)
	require.Equal(t, protocol.MsgCemBatchResponse, responseMsg.MessageType)

	require.NoError(t, requester.HandlePacket(ctx, requesterState, responseMsg.MessageType, decodePSI(t, responseMsg)))
	progressed, err = requester.Tick(ctx, requesterState)
	require.NoError(t, err)
	require.False(t, progressed)

	resp := decodePSI(t, responseMsg).CemResponse
	require.Equal(t, []string{"email", "phone"}, resp.FieldNames)
	require.Equal(t, []uint64{2, 2}, resp.MatchCount)
}
