// Package bsecdhpsi implements the browser-shuffled ECDH-PSI variant of
// spec.md §4.7: a browser client drives the exchange by polling a small
// RPC surface (FetchCipher/SendEcdhCipher/SendPartnerCipher/GetTaskStatus/
// UpdateTaskStatus/KillTask) instead of the gateway push model every
// other engine uses, so this package never touches gateway.Gateway —
// the browser itself is the transport between the two agencies' services
// (spec.md §1 non-goal: "the gateway transport beyond its send/receive
// contract" is out of scope, and here there is no gateway at all).
//
// Grounded on
// `original_source/cpp/wedpr-computing/ppc-psi/src/bs-ecdh-psi/core/BsEcdhTaskState.h`.
package bsecdhpsi

import (
	"sync"
	"time"

	"github.com/wedpr-lab/ppc-node/errs"
)

// Status is the lifecycle of one BS-ECDH-PSI task (protocol::TaskStatus).
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

func isExecutable(s Status) bool {
	return s == StatusPending || s == StatusRunning || s == StatusPausing
}

func isNotExecutable(s Status) bool { return !isExecutable(s) }

const (
	// BSValidityTerm is BS_VALIDITY_TERM (86400000ms): a task is expired,
	// and eligible for the cleaner sweep to drop outright, once this long
	// has passed since it was last touched, regardless of status.
	BSValidityTerm = 24 * time.Hour

	// MinActiveCount is MIN_BS_ACTIVE_COUNT: the number of consecutive
	// Active() calls a PAUSING task needs before it resumes RUNNING —
	// a debounce against a single stray poll waking a task the browser
	// has actually abandoned.
	MinActiveCount = 3

	// DefaultAutoPauseThreshold stands in for PAUSE_THRESHOLD, which the
	// original defines via a macro this repository's retrieved sources
	// never show (BsEcdhPSIImpl.h only references it, reusing the same
	// value as the task-cleaner ticker's period). Five minutes is a
	// judgment call sized to the minute-grained timeoutMinutes field
	// this same state carries, not a value recovered from source.
	DefaultAutoPauseThreshold = 5 * time.Minute
)

// Result is the one-shot outcome GetTaskStatus reports once a task
// leaves RUNNING/PAUSING, mirroring BsEcdhResult: a serialized response
// payload the caller (an out-of-scope RPC layer) forwards to the browser
// as-is, plus the taxonomy error if the task failed.
type Result struct {
	TaskID   string
	Response []byte
	Err      *errs.TaskError
}

// TaskState is the per-task record BsEcdhTaskState keeps: status, the
// one-shot result, the auto-pause/timeout/expiry clocks, and the
// debounce counter Active() drives.
type TaskState struct {
	taskID  string
	timeout time.Duration

	mu                 sync.RWMutex
	status             Status
	result             *Result
	latestActiveTime   time.Time
	autoPauseThreshold time.Duration
	activeCount        int
}

// NewTaskState starts a task in the given status with the given poll timeout
// (timeoutMinutes in the original, here a time.Duration).
func NewTaskState(taskID string, status Status, timeout time.Duration) *TaskState {
	return &TaskState{
		taskID:             taskID,
		timeout:            timeout,
		status:             status,
		latestActiveTime:   time.Now(),
		autoPauseThreshold: BSValidityTerm,
	}
}

func (t *TaskState) TaskID() string { return t.taskID }

func (t *TaskState) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *TaskState) UpdateStatus(status Status) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

func (t *TaskState) Result() *Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

func (t *TaskState) SetResult(r *Result) {
	t.mu.Lock()
	t.result = r
	t.mu.Unlock()
}

// AutoPauseChecking pauses a RUNNING task once it has gone untouched
// longer than autoPauseThreshold, letting the periodic cleaner sweep
// park idle browser sessions instead of burning a task slot on them.
func (t *TaskState) AutoPauseChecking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusRunning && time.Now().After(t.latestActiveTime.Add(t.autoPauseThreshold)) {
		t.turnToPausingLocked()
	}
}

// IsTimeout reports (and, on the transition, records) whether the task
// has sat in an executable status longer than its configured timeout.
func (t *TaskState) IsTimeout() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timeout := isExecutable(t.status) && time.Now().After(t.latestActiveTime.Add(t.timeout))
	if timeout {
		t.result = &Result{
			TaskID: t.taskID,
			Err:    errs.New(errs.TaskTimeout, "task is timeout"),
		}
		t.status = StatusFailed
	}
	return timeout
}

// IsExpired reports whether the task has been untouched for the full
// validity term, independent of status — the cleaner's hard backstop.
func (t *TaskState) IsExpired() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Now().After(t.latestActiveTime.Add(BSValidityTerm))
}

// Active records one browser poll. A PAUSING task needs MinActiveCount
// consecutive calls before it resumes RUNNING, so a single poll that
// slips in after the browser has already moved on doesn't wake it.
func (t *TaskState) Active() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusPausing {
		t.activeCount++
		if t.activeCount == MinActiveCount {
			t.activeCount = 0
			t.turnToRunningLocked()
		}
	}
	t.latestActiveTime = time.Now()
}

// SetupAutoPause arms the auto-pause clock, called once a task starts.
func (t *TaskState) SetupAutoPause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turnToRunningLocked()
}

// CancelAutoPause disarms the auto-pause clock (relaxes the threshold to
// the full validity term) once a task no longer needs it, e.g. after its
// result has been computed and only GetTaskStatus polling remains.
func (t *TaskState) CancelAutoPause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoPauseThreshold = BSValidityTerm
}

func (t *TaskState) PauseTask() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusRunning {
		t.turnToPausingLocked()
	}
}

func (t *TaskState) RestartTask() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusPausing {
		t.turnToRunningLocked()
	}
}

func (t *TaskState) turnToRunningLocked() {
	t.status = StatusRunning
	t.autoPauseThreshold = DefaultAutoPauseThreshold
	t.latestActiveTime = time.Now()
}

func (t *TaskState) turnToPausingLocked() {
	t.status = StatusPausing
	t.autoPauseThreshold = BSValidityTerm
}
