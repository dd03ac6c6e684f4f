package psi

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/wedpr-lab/ppc-node/channel"
	"github.com/wedpr-lab/ppc-node/cryptosuite"
	"github.com/wedpr-lab/ppc-node/protocol"
	"github.com/wedpr-lab/ppc-node/task"
	"github.com/wedpr-lab/ppc-node/tasktest"
)

// stubEngine is a minimal Engine whose HandlePacket/Tick a test can
// observe without pulling in a real algorithm's crypto.
type stubEngine struct {
	algo     protocol.AlgorithmType
	handled  []protocol.MessageType
	handleFn func(*protocol.PSIMessage) error
}

func (e *stubEngine) Algorithm() protocol.AlgorithmType { return e.algo }
func (e *stubEngine) HandlePacket(_ context.Context, _ *task.State, msgType protocol.MessageType, psiMsg *protocol.PSIMessage) error {
	e.handled = append(e.handled, msgType)
	if e.handleFn != nil {
		return e.handleFn(psiMsg)
	}
	return nil
}
func (e *stubEngine) Tick(context.Context, *task.State) (bool, error) { return false, nil }

func newTestFramework(t *testing.T, gw *tasktest.FakeGateway, channels *channel.Manager) (*Framework, *stubEngine) {
	t.Helper()
	engine := &stubEngine{algo: protocol.AlgoEcdhPSI2PC}
	orchestrator := task.NewOrchestrator(gw, protocol.TaskTypePSI, engine.Algorithm(), "agency-a", 0, prometheus.NewRegistry())
	registry := cryptosuite.Default(false)
	f := NewFramework(gw, protocol.TaskTypePSI, "agency-a", 0, registry, engine, orchestrator, channels)
	return f, engine
}

func admitTestTask(f *Framework, taskID, peerID string, dr *protocol.DataResource) *task.State {
	t := &protocol.Task{
		TaskID:    taskID,
		Algorithm: protocol.AlgoEcdhPSI2PC,
		Self:      protocol.PartyResource{PartyID: "agency-a", Index: protocol.PartyServer, DataResource: dr},
		Peers:     map[string]protocol.PartyResource{peerID: {PartyID: peerID, Index: protocol.PartyClient}},
	}
	s := task.NewState(t, func(*task.Result) {})
	s.PeerID = peerID
	f.AddPendingTask(s)
	return s
}

func TestOnMessageRoutesCancelNotification(t *testing.T) {
	gw := tasktest.NewFakeGateway()
	f, engine := newTestFramework(t, gw, nil)
	s := admitTestTask(f, "task-cancel", "agency-b", nil)

	data, err := protocol.EncodePSIMessage(&protocol.PSIMessage{})
	require.NoError(t, err)
	cancelMsg := protocol.NewMessage(1, protocol.TaskTypePSI, engine.Algorithm(), protocol.MsgCancelTaskNotification, s.Task.TaskID, "agency-b")
	cancelMsg.Data = data
	f.onMessage(cancelMsg)

	require.Equal(t, task.StatusFailed, s.Status())
	require.Empty(t, engine.handled, "cancel notifications must not reach the engine")
}

func TestOnMessageRoutesHandshakeSuccessThroughChannel(t *testing.T) {
	gw := tasktest.NewFakeGateway()
	channels := channel.NewManager()
	f, engine := newTestFramework(t, gw, channels)
	s := admitTestTask(f, "task-handshake", "agency-b", nil)
	channels.BuildChannelForTask(s.Task.TaskID)

	var gotErr error
	var gotMsg *protocol.Message
	ch := channels.ChannelFor(s.Task.TaskID)
	require.NotNil(t, ch)
	ch.AsyncReceiveMessage(protocol.MsgHandshakeSuccess, 0, 0, func(err error, msg *protocol.Message) {
		gotErr = err
		gotMsg = msg
	})

	data, err := protocol.EncodePSIMessage(&protocol.PSIMessage{})
	require.NoError(t, err)
	successMsg := protocol.NewMessage(1, protocol.TaskTypePSI, engine.Algorithm(), protocol.MsgHandshakeSuccess, s.Task.TaskID, "agency-b")
	successMsg.Data = data
	f.onMessage(successMsg)

	require.NoError(t, gotErr)
	require.Same(t, successMsg, gotMsg)
	require.Empty(t, engine.handled, "handshake success must be consumed by the Channel, not the engine")
}

func TestOnResultSyncWritesRowsAndReplies(t *testing.T) {
	gw := tasktest.NewFakeGateway()
	f, _ := newTestFramework(t, gw, nil)

	inPath := tasktest.WriteDataset(t, nil)
	dr := tasktest.FileResource(t, "res", inPath)
	outPath := dr.Output.Path
	s := admitTestTask(f, "task-sync", "agency-b", dr)

	psiMsg := &protocol.PSIMessage{ResultSync: &protocol.ResultSyncPayload{Rows: [][]byte{[]byte("bob"), []byte("carol")}}}
	data, err := protocol.EncodePSIMessage(psiMsg)
	require.NoError(t, err)
	msg := protocol.NewMessage(1, protocol.TaskTypePSI, protocol.AlgoEcdhPSI2PC, protocol.MsgPSIResultSyncMsg, s.Task.TaskID, "agency-b")
	msg.Data = data
	f.onMessage(msg)

	require.True(t, s.ReadyToComplete())
	require.Len(t, gw.Sent(), 1)
	reply := gw.Sent()[0]
	require.Equal(t, protocol.MsgPSIResultSyncResponse, reply.MessageType)
	replyMsg, err := protocol.DecodePSIMessage(reply.Data)
	require.NoError(t, err)
	require.Zero(t, replyMsg.ResultSyncResp.Code)

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Contains(t, string(out), "bob")
	require.Contains(t, string(out), "carol")
}

func TestOnMessageLogsFailedResultSyncResponseWithoutPanicking(t *testing.T) {
	gw := tasktest.NewFakeGateway()
	f, engine := newTestFramework(t, gw, nil)
	s := admitTestTask(f, "task-sync-resp", "agency-b", nil)

	psiMsg := &protocol.PSIMessage{ResultSyncResp: &protocol.ResultSyncResponse{Code: 7, Message: "boom"}}
	data, err := protocol.EncodePSIMessage(psiMsg)
	require.NoError(t, err)
	msg := protocol.NewMessage(1, protocol.TaskTypePSI, engine.Algorithm(), protocol.MsgPSIResultSyncResponse, s.Task.TaskID, "agency-b")
	msg.Data = data

	require.NotPanics(t, func() { f.onMessage(msg) })
	require.Empty(t, engine.handled)
}
