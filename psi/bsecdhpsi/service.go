package bsecdhpsi

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/wedpr-lab/ppc-node/cryptosuite"
	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/log"
	"github.com/wedpr-lab/ppc-node/ppcio"
	"github.com/wedpr-lab/ppc-node/protocol"
)

func decodeBase64All(values []string) ([][]byte, error) {
	out := make([][]byte, len(values))
	for i, v := range values {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// IndexFileSuffix/EvidenceFileSuffix name the two extra outputs a task
// writes alongside its result file (BsEcdhCache::prepareIoHandler's
// INDEX_FILE_SUFFIX/AUDIT_FILE_SUFFIX).
const (
	IndexFileSuffix    = ".index"
	EvidenceFileSuffix = ".evidence"
)

// DefaultMaxTaskCount stands in for MAX_TASK_COUNT, which, like
// PAUSE_THRESHOLD, is referenced by BsEcdhPSIImpl::asyncRunTask but never
// defined in this repository's retrieved original_source/ tree. 100 is a
// judgment call, not a recovered constant.
const DefaultMaxTaskCount = 100

// DefaultCacheCapacity bounds how many tasks' Cache (the heavy, cipher-
// holding half of a task) can be held open at once, evicting the
// least-recently-touched one first. The original has no such cap — it
// relies entirely on checkAndCleanTask's explicit erase plus a full
// unordered_map scan every cleaner tick. An LRU cap is a deliberate
// generalization: TaskState bookkeeping (Service.states) stays a plain
// map exactly like the original, since GetTaskStatus must still answer
// for a task whose heavy cache has already been evicted or erased.
const DefaultCacheCapacity = 256

// RunTaskRequest is asyncRunTask's RunTaskRequest: the browser (via an
// out-of-scope RPC layer) asks this agency to start blinding dataResource
// for taskID, optionally writing an audit trail, and tells us how many
// rows the partner agency's own dataset holds (0 if unknown up front —
// the first SendPartnerCipher call's total then wins, spec.md §9 Open
// Question, preserved as observed).
type RunTaskRequest struct {
	TaskID            string
	DataResource      *protocol.DataResource
	EnableAudit       bool
	PartnerInputsSize uint32
}

type FetchCipherRequest struct {
	TaskID string
	Offset uint32
	Size   uint32
}

type FetchCipherResponse struct {
	TaskID string
	Offset uint32
	Total  uint32
	Size   uint32
	// Ciphers are this agency's own once-blinded points, base64-encoded
	// the same way the original serializes them over the wire.
	Ciphers []string
}

type SendEcdhCipherRequest struct {
	TaskID string
	Offset uint32
	// EcdhCiphers are base64-encoded points; the caller (RPC layer)
	// decodes the browser's JSON payload into these before calling in.
	EcdhCiphers []string
}

type SendPartnerCipherRequest struct {
	TaskID         string
	Offset         uint32
	PartnerCiphers []string
	// Total is the partner agency's self-reported dataset size, used
	// only when RunTaskRequest.PartnerInputsSize was 0.
	Total uint32
}

type GetTaskStatusRequest struct{ TaskID string }

// GetTaskStatusResponse is GetTaskStatusResponse: while a task is still
// executable it reports live step/index/progress; once it leaves
// RUNNING/PAUSING it instead reports the frozen terminal Result.
type GetTaskStatusResponse struct {
	TaskID   string
	Status   Status
	Step     Step
	Index    uint32
	Progress uint32

	// populated only once Status is COMPLETED or FAILED.
	Intersections uint32
	Party0Size    uint32
	Party1Size    uint32
	TimeCost      time.Duration
	ResultFile    *ppcio.FileInfo
	IndexFile     *ppcio.FileInfo
	Err           *errs.TaskError
}

type UpdateTaskStatusRequest struct {
	TaskID string
	Status Status
}

type KillTaskRequest struct{ TaskID string }

type taskEntry struct {
	state *TaskState
	// terminal summary, set once by onTaskFinished; read by GetTaskStatus
	// after the cache has been evicted.
	summary *IntersectionSummary
}

// Service is BsEcdhPSIImpl: the RPC surface a (non-goal, out-of-scope)
// HTTP layer exposes to the browser. Unlike every other engine in this
// repository it never touches gateway.Gateway — the browser itself
// relays data between the two agencies' Services, so there is no
// gateway-routed message to dispatch (spec.md §1 "the gateway transport
// beyond its send/receive contract" is out of scope, and here there is
// no second-party transport at all).
//
// Grounded on
// `original_source/cpp/wedpr-computing/ppc-psi/src/bs-ecdh-psi/BsEcdhPSIImpl.cpp/.h`.
type Service struct {
	curve              cryptosuite.Curve
	hash               cryptosuite.Hash
	timeout            time.Duration
	maxTaskCount       int
	enableOutputExists bool

	mu      sync.RWMutex
	states  map[string]*TaskState
	entries map[string]*taskEntry
	caches  *lru.Cache // taskID -> *Cache

	cleanerPeriod time.Duration
	stopCleaner   chan struct{}
	started       bool
}

// NewService builds a Service. timeout bounds how long a task may sit
// idle before IsTimeout force-fails it; maxTaskCount <= 0 falls back to
// DefaultMaxTaskCount.
func NewService(curve cryptosuite.Curve, hash cryptosuite.Hash, timeout time.Duration, maxTaskCount int, enableOutputExists bool) *Service {
	if maxTaskCount <= 0 {
		maxTaskCount = DefaultMaxTaskCount
	}
	caches, _ := lru.NewWithEvict(DefaultCacheCapacity, func(key interface{}, _ interface{}) {
		log.Warn("bs-ecdh-psi cache evicted before task finished", "task", key)
	})
	return &Service{
		curve:              curve,
		hash:               hash,
		timeout:            timeout,
		maxTaskCount:       maxTaskCount,
		enableOutputExists: enableOutputExists,
		states:             make(map[string]*TaskState),
		entries:            make(map[string]*taskEntry),
		caches:             caches,
		cleanerPeriod:      DefaultAutoPauseThreshold,
	}
}

// Start launches the periodic cleaner sweep (BsEcdhPSIImpl::start's
// m_taskCleaner, a Timer whose period reuses PAUSE_THRESHOLD).
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		log.Error("the BS-ECDH-PSI has already been started")
		return
	}
	s.started = true
	s.stopCleaner = make(chan struct{})
	stop := s.stopCleaner
	s.mu.Unlock()

	log.Info("start the BS-ECDH-PSI")
	go func() {
		ticker := time.NewTicker(s.cleanerPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.checkAndCleanTask()
			case <-stop:
				return
			}
		}
	}()
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	log.Info("stop BS-ECDH-PSI")
	s.started = false
	close(s.stopCleaner)
}

func (s *Service) taskCount() int {
	count := 0
	for _, st := range s.states {
		if st.Status() != StatusCompleted && st.Status() != StatusFailed {
			count++
		}
	}
	return count
}

// checkAndCleanTask is BsEcdhPSIImpl::checkAndCleanTask: auto-pause idle
// tasks, drop the heavy cache for anything no longer executable/timed
// out/expired, and drop the TaskState itself once it is fully expired.
func (s *Service) checkAndCleanTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID, state := range s.states {
		state.AutoPauseChecking()
		if isNotExecutable(state.Status()) || state.IsTimeout() || state.IsExpired() {
			s.caches.Remove(taskID)
		}
		if state.IsExpired() {
			log.Info("clean expired task", "task", taskID)
			delete(s.states, taskID)
			delete(s.entries, taskID)
		}
	}
}

// AsyncRunTask is asyncRunTask: it admits the task, opens its reader/
// writers, and starts the Cache's background blinding pass. onDone is
// called once admission itself succeeds or fails (not once the PSI
// computation finishes — that arrives later through GetTaskStatus
// polling, exactly like the original's BsEcdhResult(taskID) ack).
func (s *Service) AsyncRunTask(ctx context.Context, req *RunTaskRequest, onDone func(err *errs.TaskError)) {
	s.mu.Lock()
	if _, exists := s.states[req.TaskID]; exists {
		s.mu.Unlock()
		log.Warn("asyncRunTask, task exists", "task", req.TaskID)
		onDone(nil)
		return
	}
	if s.taskCount() >= s.maxTaskCount {
		s.mu.Unlock()
		log.Warn("task count reach max", "task", req.TaskID)
		onDone(errs.New(errs.TaskCountReachMax, "task count reaches max"))
		return
	}
	s.mu.Unlock()

	reader, resultWriter, indexWriter, evidenceWriter, err := s.prepareIO(req)
	if err != nil {
		onDone(errs.Wrap(err, errs.TaskParamsError, "init task error"))
		return
	}

	state := NewTaskState(req.TaskID, StatusPending, s.timeout)
	cache := NewCache(req.TaskID, s.curve, s.hash, reader, resultWriter, indexWriter,
		WithEvidenceWriter(evidenceWriter),
		WithPartnerInputsSize(req.PartnerInputsSize),
		WithCallbacks(
			func() { s.onSelfCiphersReady(req.TaskID) },
			func() { s.onAllCiphersReady(req.TaskID) },
			func(status Status, summary *IntersectionSummary, ferr *errs.TaskError) {
				s.onTaskFinished(req.TaskID, status, summary, ferr)
			},
		))
	cache.Start(ctx)

	s.mu.Lock()
	s.states[req.TaskID] = state
	s.entries[req.TaskID] = &taskEntry{state: state}
	s.caches.Add(req.TaskID, cache)
	s.mu.Unlock()

	onDone(nil)
}

// prepareIO opens the dataset reader and the result/index/evidence
// writers (BsEcdhCache::prepareIoHandler, hoisted up into the Service
// since this package has no task.Guarder of its own to hand that off
// to — ppcio.LoadReader/LoadWriter already is the guarder's
// implementation underneath).
func (s *Service) prepareIO(req *RunTaskRequest) (ppcio.Reader, ppcio.Writer, ppcio.Writer, ppcio.Writer, error) {
	dr := req.DataResource
	reader, err := ppcio.LoadReader(dr.Input, -1)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	resultWriter, err := ppcio.LoadWriter(dr.Output, s.enableOutputExists)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	indexDesc := *dr.Output
	indexDesc.Path += IndexFileSuffix
	indexWriter, err := ppcio.LoadWriter(&indexDesc, s.enableOutputExists)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var evidenceWriter ppcio.Writer
	if req.EnableAudit {
		evidenceDesc := *dr.Output
		evidenceDesc.Path += EvidenceFileSuffix
		evidenceWriter, err = ppcio.LoadWriter(&evidenceDesc, s.enableOutputExists)
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}
	return reader, resultWriter, indexWriter, evidenceWriter, nil
}

func (s *Service) cacheFor(taskID string) (*Cache, bool) {
	v, ok := s.caches.Get(taskID)
	if !ok {
		return nil, false
	}
	return v.(*Cache), true
}

// checkTaskRequest is BsEcdhPSIImpl::checkTaskRequest: a task must exist
// and be RUNNING, PAUSING, or (the browser may still be catching up)
// COMPLETED for its cache RPCs to be accepted; a successful check marks
// the task active.
func (s *Service) checkTaskRequest(taskID string) (*Cache, *errs.TaskError) {
	s.mu.RLock()
	state, ok := s.states[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.TaskNotFound, "task not found")
	}

	status := state.Status()
	if status != StatusRunning && status != StatusPausing && status != StatusCompleted {
		return nil, errs.New(errs.TaskIsNotRunning, "task is not running")
	}

	cache, ok := s.cacheFor(taskID)
	if !ok {
		return nil, errs.New(errs.TaskNotFound, "task cache not found")
	}

	state.Active()
	return cache, nil
}

func (s *Service) FetchCipher(req *FetchCipherRequest) (*FetchCipherResponse, *errs.TaskError) {
	cache, terr := s.checkTaskRequest(req.TaskID)
	if terr != nil {
		return nil, terr
	}
	total, ciphers, err := cache.FetchCipherRange(req.Offset, req.Size)
	if err != nil {
		return nil, errs.Wrap(err, errs.OnException, "fetch cipher")
	}
	return &FetchCipherResponse{
		TaskID: req.TaskID,
		Offset: req.Offset,
		Total:  total,
		Size:   uint32(len(ciphers)),
		Ciphers: ciphers,
	}, nil
}

func (s *Service) SendEcdhCipher(ctx context.Context, req *SendEcdhCipherRequest) *errs.TaskError {
	cache, terr := s.checkTaskRequest(req.TaskID)
	if terr != nil {
		return terr
	}
	points, err := decodeBase64All(req.EcdhCiphers)
	if err != nil {
		return errs.Wrap(err, errs.TaskParamsError, "decode ecdh ciphers")
	}
	if err := cache.OnEcdhCipherReceived(ctx, req.Offset, points); err != nil {
		return errs.Wrap(err, errs.OnException, "send ecdh cipher")
	}
	return nil
}

func (s *Service) SendPartnerCipher(ctx context.Context, req *SendPartnerCipherRequest) *errs.TaskError {
	cache, terr := s.checkTaskRequest(req.TaskID)
	if terr != nil {
		return terr
	}
	points, err := decodeBase64All(req.PartnerCiphers)
	if err != nil {
		return errs.Wrap(err, errs.TaskParamsError, "decode partner ciphers")
	}
	if err := cache.OnPartnerCipherReceived(ctx, req.Offset, points, req.Total); err != nil {
		return errs.Wrap(err, errs.OnException, "send partner cipher")
	}
	return nil
}

// GetTaskStatus is getTaskStatus: a finished (non-executable) task
// always answers from its frozen Result; a still-executable one answers
// from the live cache's step/index/progress.
func (s *Service) GetTaskStatus(req *GetTaskStatusRequest) *GetTaskStatusResponse {
	s.mu.RLock()
	state, ok := s.states[req.TaskID]
	s.mu.RUnlock()
	if !ok {
		return &GetTaskStatusResponse{TaskID: req.TaskID, Err: errs.New(errs.TaskNotFound, "task not found")}
	}

	if isNotExecutable(state.Status()) {
		return s.terminalResponse(req.TaskID, state)
	}
	return s.liveResponse(req.TaskID, state.Status())
}

func (s *Service) liveResponse(taskID string, status Status) *GetTaskStatusResponse {
	resp := &GetTaskStatusResponse{TaskID: taskID, Status: status}
	if cache, ok := s.cacheFor(taskID); ok {
		resp.Step = cache.Step()
		resp.Index = cache.Index()
		resp.Progress = cache.Progress()
	}
	return resp
}

func (s *Service) terminalResponse(taskID string, state *TaskState) *GetTaskStatusResponse {
	resp := &GetTaskStatusResponse{TaskID: taskID, Status: state.Status()}
	result := state.Result()
	if result == nil {
		return resp
	}
	resp.Err = result.Err

	s.mu.RLock()
	entry := s.entries[taskID]
	s.mu.RUnlock()
	if entry != nil && entry.summary != nil {
		resp.Intersections = entry.summary.Count
		resp.Party0Size = entry.summary.Party0Size
		resp.Party1Size = entry.summary.Party1Size
		resp.TimeCost = entry.summary.TimeCost
		resp.ResultFile = entry.summary.ResultFile
		resp.IndexFile = entry.summary.IndexFile
		resp.Step = StepDownloadIndex
		resp.Progress = 100
	}
	return resp
}

// UpdateTaskStatus is updateTaskStatus: the browser requests RUNNING
// (resume) or PAUSING (pause); any other requested status is ignored,
// same as the original's fromString/switch falling through silently.
func (s *Service) UpdateTaskStatus(req *UpdateTaskStatusRequest) *GetTaskStatusResponse {
	s.mu.RLock()
	state, ok := s.states[req.TaskID]
	s.mu.RUnlock()
	if !ok {
		return &GetTaskStatusResponse{TaskID: req.TaskID, Err: errs.New(errs.TaskNotFound, "task not found")}
	}

	log.Info("update task status", "task", req.TaskID, "status", req.Status)
	switch req.Status {
	case StatusRunning:
		state.RestartTask()
	case StatusPausing:
		state.PauseTask()
	}

	if isNotExecutable(state.Status()) {
		return s.terminalResponse(req.TaskID, state)
	}
	return s.liveResponse(req.TaskID, state.Status())
}

// KillTask is killTask: force-fails an executable task and evicts its
// cache immediately rather than waiting for the next cleaner sweep.
func (s *Service) KillTask(req *KillTaskRequest) *errs.TaskError {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[req.TaskID]
	if !ok {
		return errs.New(errs.TaskNotFound, "task not found")
	}

	if isExecutable(state.Status()) {
		log.Info("kill task", "task", req.TaskID)
		state.SetResult(&Result{TaskID: req.TaskID, Err: errs.New(errs.TaskKilled, "task has been killed")})
		state.UpdateStatus(StatusFailed)
	}

	if s.caches.Contains(req.TaskID) {
		log.Info("clean finished task cache", "task", req.TaskID)
		s.caches.Remove(req.TaskID)
	}
	return nil
}

func (s *Service) onSelfCiphersReady(taskID string) {
	s.mu.RLock()
	state, ok := s.states[taskID]
	s.mu.RUnlock()
	if ok {
		state.SetupAutoPause()
	}
}

func (s *Service) onAllCiphersReady(taskID string) {
	s.mu.RLock()
	state, ok := s.states[taskID]
	s.mu.RUnlock()
	if ok {
		state.CancelAutoPause()
	}
}

func (s *Service) onTaskFinished(taskID string, status Status, summary *IntersectionSummary, ferr *errs.TaskError) {
	log.Info("onTaskFinished", "task", taskID, "status", status)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[taskID]
	if !ok {
		return
	}
	state.UpdateStatus(status)
	state.SetResult(&Result{TaskID: taskID, Err: ferr})
	if entry := s.entries[taskID]; entry != nil {
		entry.summary = summary
	}
}
