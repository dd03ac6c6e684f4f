package cem

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/goccy/go-json"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/gateway"
	"github.com/wedpr-lab/ppc-node/ppcio"
	"github.com/wedpr-lab/ppc-node/protocol"
	"github.com/wedpr-lab/ppc-node/task"
)

// DefaultBatchLines mirrors CEMConfig::readPerBatchLines.
const DefaultBatchLines = 5000

// DefaultConcurrencyLimit bounds the per-batch row/field comparisons run
// concurrently, replacing the original's unbounded tbb::parallel_for with
// the same bounded-fan-out discipline psi.RunBatch gives every other
// engine.
const DefaultConcurrencyLimit = 8

// Engine implements psi.Engine for the CEM algorithm: the requesting party
// (Self.Index == protocol.PartyClient) sends one CemBatchRequest and waits
// for CemBatchResponse; the responding party scans its own dataset in
// batches and replies once exhausted.
type Engine struct {
	gw                gateway.Gateway
	self              string
	cipher            Cipher
	batchLines        int
	concurrencyLimit  int

	runs sync.Map // taskID -> *run
}

// NewEngine builds a CEM Engine. A nil cipher defaults to
// NewByteEqualCipher, sufficient for matching already-encrypted datasets.
func NewEngine(gw gateway.Gateway, selfAgency string, cipher Cipher) *Engine {
	if cipher == nil {
		cipher = NewByteEqualCipher()
	}
	return &Engine{
		gw:               gw,
		self:             selfAgency,
		cipher:           cipher,
		batchLines:       DefaultBatchLines,
		concurrencyLimit: DefaultConcurrencyLimit,
	}
}

func (e *Engine) Algorithm() protocol.AlgorithmType { return protocol.AlgoCEM }

type run struct {
	mu   sync.Mutex
	role protocol.PartyIndex

	// requester side
	requestSent bool
	response    *protocol.CemBatchResponse

	// responder side
	reader         ppcio.Reader
	matcher        *Matcher
	headerConsumed bool
	finished       bool
}

func (e *Engine) runFor(taskID string) (*run, bool) {
	v, ok := e.runs.Load(taskID)
	if !ok {
		return nil, false
	}
	return v.(*run), true
}

func (e *Engine) Tick(ctx context.Context, s *task.State) (bool, error) {
	r, ok := e.runFor(s.Task.TaskID)
	if !ok {
		nr, err := e.startTask(s)
		if err != nil {
			return false, err
		}
		e.runs.Store(s.Task.TaskID, nr)
		return true, nil
	}

	if r.role == protocol.PartyClient {
		return e.tickRequester(ctx, s, r)
	}
	return e.tickResponder(ctx, s, r)
}

func (e *Engine) startTask(s *task.State) (*run, error) {
	role := s.Task.Self.Index
	r := &run{role: role}
	if role != protocol.PartyClient {
		dr := s.Task.Self.DataResource
		reader, err := ppcio.LoadReader(dr.Input, -1)
		if err != nil {
			return nil, errs.Wrap(err, errs.LoadDataFailed, "open cem dataset reader")
		}
		r.reader = reader
	}
	return r, nil
}

// tickRequester sends the single CemBatchRequest for this task once, then
// waits for the responder's CemBatchResponse to arrive via HandlePacket.
func (e *Engine) tickRequester(_ context.Context, s *task.State, r *run) (bool, error) {
	r.mu.Lock()
	sent := r.requestSent
	resp := r.response
	r.mu.Unlock()

	if resp != nil {
		s.SetFinished(true)
		return false, nil
	}
	if sent {
		return false, nil
	}

	var params Params
	if err := json.Unmarshal(s.Task.Params, &params); err != nil {
		return false, errs.Wrap(err, errs.TaskParamsError, "decode cem match params")
	}
	fieldValues := make([][]byte, len(params.FieldValues))
	for i, hv := range params.FieldValues {
		b, err := hex.DecodeString(hv)
		if err != nil {
			return false, errs.Wrap(err, errs.TaskParamsError, "decode cem field value")
		}
		fieldValues[i] = b
	}

	e.sendPSI(s, protocol.MsgCemBatchRequest, &protocol.PSIMessage{
		CemRequest: &protocol.CemBatchRequest{
			DatasetID:   s.Task.Self.DataResource.ResourceID,
			FieldNames:  params.FieldNames,
			FieldValues: fieldValues,
		},
	})

	r.mu.Lock()
	r.requestSent = true
	r.mu.Unlock()
	return true, nil
}

// tickResponder reads its dataset's header once the request has arrived,
// then consumes one batch per tick until exhausted, finally replying with
// the accumulated match counts (CEMService::doCipherTextEqualityMatch's
// batch loop spread across ticks instead of one blocking call).
func (e *Engine) tickResponder(ctx context.Context, s *task.State, r *run) (bool, error) {
	r.mu.Lock()
	matcher := r.matcher
	finished := r.finished
	headerConsumed := r.headerConsumed
	r.mu.Unlock()

	if finished {
		return false, nil
	}
	if matcher == nil {
		return false, nil // request not yet received
	}

	if !headerConsumed {
		header, err := r.reader.Next(1, ppcio.SchemaString)
		if err != nil {
			return false, errs.Wrap(err, errs.LoadDataFailed, "read cem dataset header")
		}
		matcher.ConsumeHeader(header.GetString(0))
		r.mu.Lock()
		r.headerConsumed = true
		r.mu.Unlock()
		return true, nil
	}

	batch, err := r.reader.Next(e.batchLines, ppcio.SchemaString)
	if err != nil {
		counts := matcher.Counts()
		e.sendPSI(s, protocol.MsgCemBatchResponse, &protocol.PSIMessage{
			CemResponse: &protocol.CemBatchResponse{
				DatasetID:  s.Task.Self.DataResource.ResourceID,
				FieldNames: matcher.FieldNames,
				MatchCount: counts,
			},
		})
		r.mu.Lock()
		r.finished = true
		r.mu.Unlock()
		s.SetFinished(true)
		return true, nil
	}

	lines := make([]string, batch.Len())
	for i := 0; i < batch.Len(); i++ {
		lines[i] = batch.GetString(i)
	}
	if err := matcher.ConsumeBatch(ctx, lines, e.concurrencyLimit); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) HandlePacket(_ context.Context, s *task.State, msgType protocol.MessageType, psiMsg *protocol.PSIMessage) error {
	r, ok := e.runFor(s.Task.TaskID)
	if !ok {
		return errs.New(errs.TaskNotReady, "task not yet initialized")
	}

	switch msgType {
	case protocol.MsgCemBatchRequest:
		return e.onRequest(r, psiMsg)
	case protocol.MsgCemBatchResponse:
		return e.onResponse(r, psiMsg)
	default:
		return nil
	}
}

func (e *Engine) onRequest(r *run, psiMsg *protocol.PSIMessage) error {
	if psiMsg.CemRequest == nil {
		return errs.New(errs.TaskParamsError, "missing cem request payload")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.matcher != nil {
		return nil
	}
	r.matcher = NewMatcher(psiMsg.CemRequest.FieldNames, psiMsg.CemRequest.FieldValues, e.cipher)
	return nil
}

func (e *Engine) onResponse(r *run, psiMsg *protocol.PSIMessage) error {
	if psiMsg.CemResponse == nil {
		return errs.New(errs.TaskParamsError, "missing cem response payload")
	}
	r.mu.Lock()
	r.response = psiMsg.CemResponse
	r.mu.Unlock()
	return nil
}

func (e *Engine) sendPSI(s *task.State, msgType protocol.MessageType, psiMsg *protocol.PSIMessage) {
	data, err := protocol.EncodePSIMessage(psiMsg)
	if err != nil {
		return
	}
	msg := protocol.NewMessage(1, protocol.TaskTypeCEM, e.Algorithm(), msgType, s.Task.TaskID, e.self)
	msg.Data = data
	e.gw.AsyncSendMessage(ctx(), s.PeerID, msg, func(error) {})
}

func ctx() context.Context { return context.Background() }
