// Package task implements the Task Orchestrator of spec.md §4.4: task
// admission, resource locking, per-task lifecycle and state machine,
// subtask seq allocation, peer liveness, task-info sync, and
// cancellation propagation.
package task

import (
	"sync"
	"time"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/log"
	"github.com/wedpr-lab/ppc-node/ppcio"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// Status is the lifecycle of a TaskState (spec.md §3).
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusPausing
	StatusFailed
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusPausing:
		return "PAUSING"
	case StatusFailed:
		return "FAILED"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Result is the RPC-level outcome of one task (spec.md §7).
type Result struct {
	TaskID   string
	Code     errs.Code
	Message  string
	Status   Status
	TimeCost time.Duration
	FileInfo *ppcio.FileInfo
}

// Callback receives the one-shot Result of a task (spec.md §3 "done").
type Callback func(*Result)

// State is the mutable per-task record the Orchestrator owns and the
// engines drive through their worker closure and packet handlers
// (spec.md §3 TaskState).
type State struct {
	Task     *protocol.Task
	PeerID   string
	callback Callback
	start    time.Time

	mu       sync.Mutex
	status   Status
	seq      uint32
	seqs     map[uint32]struct{}
	success  uint64
	failed   uint64
	finished bool
	done     bool

	worker           func()
	finalizeHandlers []func()
	subTaskFinished  func()
	notifyPeerFinish func()
	resultSync       func()
}

func NewState(t *protocol.Task, callback Callback) *State {
	return &State{
		Task:     t,
		PeerID:   "",
		callback: callback,
		start:    time.Now(),
		status:   StatusPending,
		seqs:     make(map[uint32]struct{}),
	}
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// AllocateSeq is the sole writer (together with EraseFinishedTaskSeq) of
// the outstanding-seq set; seqs start at 1 and strictly increase.
func (s *State) AllocateSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.seqs[s.seq] = struct{}{}
	return s.seq
}

// EraseFinishedTaskSeq removes seq from the outstanding set exactly once
// and increments exactly one of the success/failure counters, then
// invokes the registered subtask-finished handler outside the lock.
func (s *State) EraseFinishedTaskSeq(seq uint32, success bool) {
	s.mu.Lock()
	if _, ok := s.seqs[seq]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.seqs, seq)
	if success {
		s.success++
	} else {
		s.failed++
	}
	handler := s.subTaskFinished
	s.mu.Unlock()

	if handler != nil {
		handler()
	}
	log.Debug("eraseFinishedTaskSeq", "task", s.Task.TaskID, "seq", seq, "success", success)
}

// SetFinished marks that the input side has been fully consumed (spec.md
// §3's `finished` flag).
func (s *State) SetFinished(finished bool) {
	s.mu.Lock()
	s.finished = finished
	s.mu.Unlock()
}

// ReadyToComplete reports whether every allocated seq has been erased and
// the input side has signalled completion (spec.md §3 invariant).
func (s *State) ReadyToComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished && len(s.seqs) == 0
}

func (s *State) SetWorker(worker func()) { s.mu.Lock(); s.worker = worker; s.mu.Unlock() }

// RegisterFinalizeHandler appends h to the set of cleanup hooks Finish
// runs, in registration order, once the task is done. Multiple callers
// (the Orchestrator's own resource/bookkeeping cleanup, a Framework's
// per-task Channel teardown) each register independently; none of them
// overwrite one another.
func (s *State) RegisterFinalizeHandler(h func()) {
	s.mu.Lock()
	s.finalizeHandlers = append(s.finalizeHandlers, h)
	s.mu.Unlock()
}
func (s *State) RegisterSubTaskFinishedHandler(h func()) { s.mu.Lock(); s.subTaskFinished = h; s.mu.Unlock() }
func (s *State) RegisterNotifyPeerFinishHandler(h func()) {
	s.mu.Lock()
	s.notifyPeerFinish = h
	s.mu.Unlock()
}

// RegisterResultSyncHandler registers the hook Finish invokes once, after
// a successful completion, when Task.SyncResultToPeer is set (spec.md
// §4.5's result-sync contract).
func (s *State) RegisterResultSyncHandler(h func()) {
	s.mu.Lock()
	s.resultSync = h
	s.mu.Unlock()
}

// ExecuteWork invokes the registered worker closure, a no-op if none is
// set (spec.md §4.4 worker-loop step 1).
func (s *State) ExecuteWork() {
	s.mu.Lock()
	worker := s.worker
	s.mu.Unlock()
	if worker != nil {
		worker()
	}
}

// Finish fires the callback exactly once (spec.md §3 `done` flag), runs
// the finalize handler, and optionally notifies the peer first when the
// task failed and noticePeer is set. On a successful finish with
// Task.SyncResultToPeer set, it also invokes the registered result-sync
// handler — this check lives here, rather than in noticePeer, since
// noticePeer and "send my result to the peer" are unrelated conditions
// that happened to share a single bool in earlier drafts.
func (s *State) Finish(code errs.Code, message string, noticePeer bool) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	if code == errs.OK {
		s.status = StatusCompleted
	} else {
		s.status = StatusFailed
	}
	finalizers := s.finalizeHandlers
	notify := s.notifyPeerFinish
	resultSync := s.resultSync
	syncResult := code == errs.OK && s.Task.SyncResultToPeer
	cb := s.callback
	s.mu.Unlock()

	if noticePeer && code != errs.OK && notify != nil {
		notify()
	}
	if syncResult && resultSync != nil {
		resultSync()
	}
	for _, finalize := range finalizers {
		finalize()
	}
	if cb != nil {
		cb(&Result{
			TaskID:   s.Task.TaskID,
			Code:     code,
			Message:  message,
			Status:   s.Status(),
			TimeCost: time.Since(s.start),
		})
	}
}

// OnException force-completes the task from anywhere in the pipeline:
// clears outstanding seqs and fires the callback with a generic error.
func (s *State) OnException(message string) {
	s.SetFinished(true)
	s.mu.Lock()
	s.seqs = make(map[uint32]struct{})
	s.mu.Unlock()
	s.Finish(errs.OnException, message, true)
}
