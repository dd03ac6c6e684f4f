// Package psi implements the shared framework every PSI engine (ECDH-PSI,
// CM2020-PSI, Labeled-PSI, BS-ECDH-PSI) and the CEM service build on:
// handshake negotiation, message dispatch, result-sync, error-notify, and
// the worker-loop extension points of spec.md §4.5, grounded on
// `original_source/cpp/wedpr-computing/ppc-psi/src/psi-framework/PSIFramework.h`.
package psi

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/wedpr-lab/ppc-node/channel"
	"github.com/wedpr-lab/ppc-node/cryptosuite"
	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/gateway"
	"github.com/wedpr-lab/ppc-node/log"
	"github.com/wedpr-lab/ppc-node/ppcio"
	"github.com/wedpr-lab/ppc-node/protocol"
	"github.com/wedpr-lab/ppc-node/task"
)

// Engine is what each concrete algorithm (ecdhpsi, cm2020, labeledpsi,
// bsecdhpsi) supplies to Framework; Framework owns admission, dispatch,
// and lifecycle, and calls back into Engine for the algorithm-specific
// steps (spec.md §4.5, mirroring PSIFramework's pure-virtual hooks).
type Engine interface {
	// Algorithm identifies which AlgorithmType this engine answers for,
	// used to route inbound Messages and pick the worker registered with
	// the Gateway.
	Algorithm() protocol.AlgorithmType

	// HandlePacket processes one inbound PSIMessage for a task already
	// admitted into s. Returning an error fails the task via
	// Framework.onEngineError.
	HandlePacket(ctx context.Context, s *task.State, msgType protocol.MessageType, psiMsg *protocol.PSIMessage) error

	// Tick drives one unit of local work for a running task (reading the
	// next input batch, sending the next handshake step, etc.), reported
	// back through task.Worker's (progressed, err) contract.
	Tick(ctx context.Context, s *task.State) (progressed bool, err error)
}

// Framework is the concrete PSIFramework: one per running Engine, wiring
// the Orchestrator's admission/worker-loop/liveness machinery to the
// Engine's packet handling and per-tick work, and decoding/encoding the
// PSIMessage envelope around every Message this engine's AlgorithmType
// owns.
type Framework struct {
	*task.Orchestrator
	Registry *cryptosuite.Registry
	engine   Engine
	gw       gateway.Gateway
	self     string
	taskType protocol.TaskType
	channels *channel.Manager
}

// NewFramework wires engine's AlgorithmType into gw's dispatch table and
// returns a Framework ready to admit tasks via RunTask. channels is the
// shared per-task message rendezvous (spec.md §4.3) every Framework
// instance builds a Channel on at admission and tears down at
// completion, regardless of whether this particular engine uses it.
func NewFramework(gw gateway.Gateway, taskType protocol.TaskType, selfAgency string, maxTasks int, registry *cryptosuite.Registry, engine Engine, orchestrator *task.Orchestrator, channels *channel.Manager) *Framework {
	f := &Framework{
		Orchestrator: orchestrator,
		Registry:     registry,
		engine:       engine,
		gw:           gw,
		self:         selfAgency,
		taskType:     taskType,
		channels:     channels,
	}
	gw.RegisterHandler(taskType, engine.Algorithm(), f.onMessage)
	return f
}

// RunTask admits t and drives it with engine.Tick through the
// Orchestrator's run loop, building this task's Channel right after
// AsyncRunTask has admitted the task and started its worker loop, and
// tearing it down on finish.
func (f *Framework) RunTask(ctx context.Context, t *protocol.Task, partiesCount int, enforceSelfInput, enforceSelfOutput, enforcePeerResource bool, callback task.Callback) (*task.State, error) {
	s, err := f.AsyncRunTask(ctx, t, partiesCount, enforceSelfInput, enforceSelfOutput, enforcePeerResource, true,
		func(ctx context.Context, s *task.State) (bool, error) {
			return f.engine.Tick(ctx, s)
		}, callback)
	if err != nil {
		return nil, err
	}
	if f.channels != nil {
		f.channels.BuildChannelForTask(t.TaskID)
		s.RegisterFinalizeHandler(func() { f.channels.RemoveChannelByTask(t.TaskID) })
	}
	return s, nil
}

// onMessage is the Gateway dispatch target registered for this engine's
// AlgorithmType: it decodes the PSIMessage envelope, looks up the task,
// and routes framework-owned packet types itself (task-sync,
// cancellation) before handing everything else to the engine.
func (f *Framework) onMessage(msg *protocol.Message) {
	psiMsg, err := protocol.DecodePSIMessage(msg.Data)
	if err != nil {
		log.Warn("dropping malformed psi message", "task", msg.TaskID, "err", err)
		return
	}

	switch msg.MessageType {
	case protocol.MsgCancelTaskNotification:
		f.OnCancelTaskNotification(msg.TaskID)
		return
	case protocol.MsgTaskSyncMsg:
		f.OnTaskSyncMsg(msg.TaskID, msg.Sender)
		return
	case protocol.MsgHandshakeSuccess:
		// Routed through this task's Channel rather than the engine's own
		// HandlePacket switch: the server side's onHandshakeRequest
		// registers a bounded AsyncReceiveMessage wait for exactly this
		// packet (spec.md §4.3, §4.6).
		if f.channels != nil {
			f.channels.OnMessageArrived(msg)
		}
		return
	case protocol.MsgPSIResultSyncMsg:
		f.onResultSync(msg, psiMsg)
		return
	case protocol.MsgPSIResultSyncResponse:
		if psiMsg.ResultSyncResp != nil && psiMsg.ResultSyncResp.Code != 0 {
			log.Warn("peer rejected result sync", "task", msg.TaskID, "code", psiMsg.ResultSyncResp.Code, "message", psiMsg.ResultSyncResp.Message)
		}
		return
	}

	s := f.FindPendingTask(msg.TaskID)
	if s == nil {
		log.Warn("psi message for unknown task", "task", msg.TaskID, "type", msg.MessageType)
		return
	}

	if err := f.engine.HandlePacket(context.Background(), s, msg.MessageType, psiMsg); err != nil {
		f.onEngineError(s, err)
	}
}

// onResultSync handles an inbound MsgPSIResultSyncMsg: it stores the
// authoritative peer's rows through this side's own writer path and acks
// with MsgPSIResultSyncResponse, then finishes the local task (spec.md
// §4.5's result-sync contract — the receiving side has no independent
// way to compute this result, so the sync message is itself the
// completion signal).
func (f *Framework) onResultSync(msg *protocol.Message, psiMsg *protocol.PSIMessage) {
	s := f.FindPendingTask(msg.TaskID)
	if s == nil {
		log.Warn("result sync for unknown task", "task", msg.TaskID)
		return
	}

	var rows [][]byte
	if psiMsg.ResultSync != nil {
		rows = psiMsg.ResultSync.Rows
	}

	code := int32(0)
	message := ""
	if err := f.writeResultRows(s, rows); err != nil {
		code = int32(errs.CodeOf(err))
		message = err.Error()
		log.Warn("result sync: write rows failed", "task", msg.TaskID, "err", err)
	}
	f.sendResultSyncResponse(s, msg.Sender, code, message)

	if code == 0 {
		s.SetFinished(true)
		s.Finish(errs.OK, "", false)
	}
}

// writeResultRows opens this task's own output writer (a no-op if it has
// none configured) and appends rows, one per line.
func (f *Framework) writeResultRows(s *task.State, rows [][]byte) error {
	dr := s.Task.Self.DataResource
	if dr == nil || dr.Output == nil {
		return nil
	}
	writer, err := ppcio.LoadWriter(dr.Output, false)
	if err != nil {
		return err
	}
	defer writer.Close()

	for _, row := range rows {
		batch := ppcio.NewDataBatch(ppcio.SchemaBytes)
		batch.Append(row)
		if err := writer.WriteLine(batch, ppcio.SchemaBytes, []byte("\n")); err != nil {
			return err
		}
	}
	return writer.Flush()
}

func (f *Framework) sendResultSyncResponse(s *task.State, peer string, code int32, message string) {
	data, err := protocol.EncodePSIMessage(&protocol.PSIMessage{ResultSyncResp: &protocol.ResultSyncResponse{Code: code, Message: message}})
	if err != nil {
		return
	}
	resp := protocol.NewMessage(1, f.taskType, f.engine.Algorithm(), protocol.MsgPSIResultSyncResponse, s.Task.TaskID, f.self)
	resp.Data = data
	f.gw.AsyncSendMessage(context.Background(), peer, resp, func(error) {})
}

// onEngineError force-fails s and, unless the error is itself a
// PeerNotifyFinish (the peer already knows), notifies the peer.
func (f *Framework) onEngineError(s *task.State, err error) {
	code := errs.CodeOf(err)
	log.Warn("psi engine error", "task", s.Task.TaskID, "code", code, "err", err)
	s.SetFinished(true)
	s.Finish(code, err.Error(), code != errs.PeerNotifyFinish)
}

// RunBatch fans work across the per-element crypto operations of a
// single DataBatchPayload (e.g. blinding every row), bounding
// concurrency via an errgroup so one failing element cancels the rest of
// the batch instead of leaking goroutines (spec.md §4.6's "bounded
// per-batch crypto work").
func RunBatch(ctx context.Context, n int, limit int, fn func(ctx context.Context, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return fn(ctx, i) })
	}
	return g.Wait()
}
