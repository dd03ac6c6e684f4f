package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// fakeGateway is an in-memory gateway.Gateway that lets tests control
// whether a send to a given agency succeeds, without any real transport.
type fakeGateway struct {
	mu      sync.Mutex
	down    map[string]bool
	sent    []*protocol.Message
	handler func(*protocol.Message)
}

func newFakeGateway() *fakeGateway { return &fakeGateway{down: make(map[string]bool)} }

func (g *fakeGateway) AsyncSendMessage(ctx context.Context, agencyID string, msg *protocol.Message, cb func(error)) {
	g.mu.Lock()
	down := g.down[agencyID]
	g.sent = append(g.sent, msg)
	g.mu.Unlock()
	if down {
		cb(errs.New(errs.NetworkError, "peer unreachable"))
		return
	}
	cb(nil)
}

func (g *fakeGateway) RegisterHandler(protocol.TaskType, protocol.AlgorithmType, func(*protocol.Message)) {}
func (g *fakeGateway) NotifyTaskInfo(string) error                                                        { return nil }
func (g *fakeGateway) Close() error                                                                       { return nil }

func twoPartyTask(id, peer string) *protocol.Task {
	return &protocol.Task{
		TaskID:    id,
		Algorithm: protocol.AlgoEcdhPSI2PC,
		Self: protocol.PartyResource{
			PartyID: "self",
			Index:   protocol.PartyServer,
			DataResource: &protocol.DataResource{
				ResourceID: "res-" + id,
				Input:      &protocol.DataResourceDesc{Kind: protocol.ResourceFile, Path: "/tmp/ppc-task-test-" + id + "-in"},
				Output:     &protocol.DataResourceDesc{Kind: protocol.ResourceFile, Path: "/tmp/ppc-task-test-" + id + "-out"},
			},
		},
		Peers: map[string]protocol.PartyResource{
			peer: {
				PartyID: peer,
				Index:   protocol.PartyClient,
				DataResource: &protocol.DataResource{
					ResourceID: "peer-res-" + id,
					Input:      &protocol.DataResourceDesc{Kind: protocol.ResourceFile, Path: "/peer/path"},
				},
			},
		},
	}
}

func TestGuarderCheckTaskRejectsDuplicate(t *testing.T) {
	g := NewGuarder(newFakeGateway(), protocol.TaskTypePSI, protocol.AlgoEcdhPSI2PC, "self")
	task := twoPartyTask("T_1", "peer-1")
	g.AddPendingTask(NewState(task, nil))

	err := g.CheckTask(task, 2, false, false, true, true)
	require.Error(t, err)
	require.Equal(t, errs.DuplicatedTask, errs.CodeOf(err))
}

func TestGuarderCheckTaskRejectsWrongPeerCount(t *testing.T) {
	g := NewGuarder(newFakeGateway(), protocol.TaskTypePSI, protocol.AlgoEcdhPSI2PC, "self")
	task := twoPartyTask("T_1", "peer-1")

	err := g.CheckTask(task, 3, false, false, true, true)
	require.Error(t, err)
	require.Equal(t, errs.TaskParamsError, errs.CodeOf(err))
}

func TestGuarderCheckTaskRequiresPeerResourceWhenEnforced(t *testing.T) {
	g := NewGuarder(newFakeGateway(), protocol.TaskTypePSI, protocol.AlgoEcdhPSI2PC, "self")
	task := twoPartyTask("T_1", "peer-1")
	task.Peers["peer-1"] = protocol.PartyResource{PartyID: "peer-1", Index: protocol.PartyClient}

	err := g.CheckTask(task, 2, false, false, true, true)
	require.Error(t, err)
	require.Equal(t, errs.TaskParamsError, errs.CodeOf(err))
}

func TestGuarderCheckPeerActivityReportsPeerNodeDown(t *testing.T) {
	gw := newFakeGateway()
	gw.down["peer-1"] = true
	g := NewGuarder(gw, protocol.TaskTypePSI, protocol.AlgoEcdhPSI2PC, "self")
	task := twoPartyTask("T_1", "peer-1")
	g.AddPendingTask(NewState(task, nil))

	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	g.OnSelfError = func(taskID string, err error, noticePeer bool) {
		gotErr = err
		wg.Done()
	}

	g.checkPeerActivity()
	wg.Wait()
	require.Equal(t, errs.PeerNodeDown, errs.CodeOf(gotErr))
}

func TestGuarderPingTimerStopsCleanly(t *testing.T) {
	g := NewGuarder(newFakeGateway(), protocol.TaskTypePSI, protocol.AlgoEcdhPSI2PC, "self")
	g.pingPeriod = 5 * time.Millisecond
	g.StartPingTimer()
	time.Sleep(15 * time.Millisecond)
	g.StopPingTimer()
}
