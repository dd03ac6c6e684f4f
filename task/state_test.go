package task

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

func testTask(id string) *protocol.Task {
	return &protocol.Task{TaskID: id, Algorithm: protocol.AlgoEcdhPSI2PC}
}

func TestStateAllocateSeqIncreasesMonotonically(t *testing.T) {
	s := NewState(testTask("T_1"), nil)
	require.Equal(t, uint32(1), s.AllocateSeq())
	require.Equal(t, uint32(2), s.AllocateSeq())
	require.Equal(t, uint32(3), s.AllocateSeq())
}

func TestStateReadyToCompleteRequiresEmptySeqsAndFinished(t *testing.T) {
	s := NewState(testTask("T_1"), nil)
	seq := s.AllocateSeq()
	require.False(t, s.ReadyToComplete(), "outstanding seq, not finished")

	s.SetFinished(true)
	require.False(t, s.ReadyToComplete(), "finished but seq still outstanding")

	s.EraseFinishedTaskSeq(seq, true)
	require.True(t, s.ReadyToComplete())
}

func TestStateEraseFinishedTaskSeqIgnoresUnknownSeq(t *testing.T) {
	s := NewState(testTask("T_1"), nil)
	s.AllocateSeq()
	s.EraseFinishedTaskSeq(999, true) // never allocated
	require.False(t, s.ReadyToComplete(), "unknown seq erase must not touch seq 1")
}

func TestStateFinishFiresCallbackExactlyOnce(t *testing.T) {
	s := NewState(testTask("T_1"), nil)
	var mu sync.Mutex
	calls := 0
	s.callback = func(r *Result) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	s.Finish(errs.OK, "", false)
	s.Finish(errs.TaskKilled, "ignored", false)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestStateFinishNoticesPeerOnlyOnFailure(t *testing.T) {
	s := NewState(testTask("T_1"), nil)
	notified := 0
	s.RegisterNotifyPeerFinishHandler(func() { notified++ })

	s.Finish(errs.OK, "", true)
	require.Equal(t, 0, notified, "a successful finish must not notice the peer")
}

func TestStateFinishNoticesPeerOnFailureWhenRequested(t *testing.T) {
	s := NewState(testTask("T_1"), nil)
	notified := 0
	s.RegisterNotifyPeerFinishHandler(func() { notified++ })

	s.Finish(errs.HandshakeFailed, "boom", true)
	require.Equal(t, 1, notified)
}

func TestStateOnExceptionForceCompletesEvenWithOutstandingSeqs(t *testing.T) {
	s := NewState(testTask("T_1"), nil)
	s.AllocateSeq()
	s.AllocateSeq()

	var got *Result
	s.callback = func(r *Result) { got = r }
	s.OnException("network down")

	require.True(t, s.ReadyToComplete())
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, errs.OnException, got.Code)
}
