package ecdhpsi

import (
	"context"
	"sync"
	"time"

	"github.com/wedpr-lab/ppc-node/channel"
	"github.com/wedpr-lab/ppc-node/cryptosuite"
	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/gateway"
	"github.com/wedpr-lab/ppc-node/ppcio"
	"github.com/wedpr-lab/ppc-node/protocol"
	"github.com/wedpr-lab/ppc-node/task"
)

// DefaultDataBatchSize bounds how many rows the engine reads per tick
// (spec.md §4.6 "iterates its input reader in batches of dataBatchSize").
const DefaultDataBatchSize = 5000

// HandshakeAckTimeout bounds how long the server waits for the client's
// HandshakeSuccess before giving up on the task (spec.md §4.6 server-side
// "waits for HandshakeSuccess before blinding").
const HandshakeAckTimeout = 30 * time.Second

// Engine drives the two-party classical Diffie-Hellman PSI construction
// of spec.md §4.6: both sides negotiate a common curve/hash over a
// client-initiated handshake, hash-to-curve and blind with a private
// scalar, exchange blinded points, re-blind with the peer's point, and
// intersect in the doubly-blinded space. It implements psi.Engine.
type Engine struct {
	gw            gateway.Gateway
	registry      *cryptosuite.Registry
	self          string
	dataBatchSize int
	channels      *channel.Manager

	runs sync.Map // taskID -> *run
}

// NewEngine wires an Engine to gw/registry; channels is the node-wide
// Channel rendezvous the psi.Framework builds a per-task Channel on
// (spec.md §4.3), used here so the server side can wait for the client's
// HandshakeSuccess without blocking the gateway's dispatch goroutine. A
// nil channels disables the wait (the server then blinds immediately,
// the pre-handshake behavior this replaces) — only tests should pass nil.
func NewEngine(gw gateway.Gateway, registry *cryptosuite.Registry, selfAgency string, channels *channel.Manager) *Engine {
	return &Engine{gw: gw, registry: registry, self: selfAgency, dataBatchSize: DefaultDataBatchSize, channels: channels}
}

func (e *Engine) Algorithm() protocol.AlgorithmType { return protocol.AlgoEcdhPSI2PC }

// run is the per-task mutable state the engine keeps alongside
// task.State (spec.md §3's TaskState only tracks seq/status bookkeeping
// generic to every engine; the blinding pipeline's own cursors live
// here).
type run struct {
	mu sync.Mutex

	role protocol.PartyIndex
	peer string

	handshakeDone bool
	curve         cryptosuite.Curve
	hash          cryptosuite.Hash
	scalar        []byte

	reader ppcio.Reader
	writer ppcio.Writer

	readerDone bool
	serverSeq  uint32 // server role: next ServerBlindedData seq to send

	serverCipherCache *ServerCipherDataCache // doubly-blinded server-side set, consulted by client DataCaches
	clientBatches     map[uint32]*DataCache  // client role: seq -> in-flight batch
	hits              [][]byte
}

func (r *run) setHandshake(curve cryptosuite.Curve, hash cryptosuite.Hash, scalar []byte) {
	r.mu.Lock()
	r.curve, r.hash, r.scalar, r.handshakeDone = curve, hash, scalar, true
	r.mu.Unlock()
}

func (r *run) isHandshakeDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handshakeDone
}

func (e *Engine) runFor(taskID string) (*run, bool) {
	v, ok := e.runs.Load(taskID)
	if !ok {
		return nil, false
	}
	return v.(*run), true
}

// Tick drives one step of local work: on first call it negotiates the
// handshake role and opens the data resources; thereafter it reads the
// next batch (server: blind-and-send; client: blind-and-evaluate) and
// checks for completion (spec.md §4.6).
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

	if s.ReadyToComplete() {
		return false, nil
	}

	if r.role == protocol.PartyServer {
		return e.tickServer(s, r)
	}
	return e.tickClient(s, r)
}

// startTask opens this party's data resources and, if it is the client,
// kicks off the handshake by sending HandshakeRequest with every curve
// and hash this process supports (spec.md §4.5/§4.6). The server side
// does nothing but wait: it negotiates and blinds only once
// onHandshakeRequest/onHandshakeSuccess run the handshake to completion.
func (e *Engine) startTask(s *task.State) (*run, error) {
	role := s.Task.Self.Index
	peer := s.PeerID

	dr := s.Task.Self.DataResource
	reader, err := ppcio.LoadReader(dr.Input, -1)
	if err != nil {
		return nil, errs.Wrap(err, errs.LoadDataFailed, "open input reader")
	}
	var writer ppcio.Writer
	if dr.Output != nil {
		writer, err = ppcio.LoadWriter(dr.Output, false)
		if err != nil {
			return nil, errs.Wrap(err, errs.OpenFileLineWriterException, "open output writer")
		}
	}

	r := &run{
		role:              role,
		peer:              peer,
		reader:            reader,
		writer:            writer,
		serverCipherCache: NewServerCipherDataCache(DefaultCapacityBytes),
		clientBatches:     make(map[uint32]*DataCache),
	}

	if role == protocol.PartyClient {
		e.sendPSI(s, protocol.MsgHandshakeRequest, &protocol.PSIMessage{
			HandshakeReq: &protocol.HandshakeRequest{
				Curves: e.registry.SupportedCurves(),
				Hashes: e.registry.SupportedHashes(),
			},
		})
	}
	return r, nil
}

// tickServer reads the next batch of its own input, blinds each element
// with its own scalar, and sends it as ServerBlindedData; once the
// reader is exhausted it sends SyncDataBatchInfo exactly once (spec.md
// §4.6 server-side pipeline).
func (e *Engine) tickServer(s *task.State, r *run) (bool, error) {
	if !r.isHandshakeDone() {
		return false, nil
	}

	r.mu.Lock()
	done := r.readerDone
	r.mu.Unlock()
	if done {
		return false, nil
	}

	batch, err := r.reader.Next(e.dataBatchSize, ppcio.SchemaBytes)
	if err != nil {
		r.mu.Lock()
		r.readerDone = true
		seq := r.serverSeq
		r.mu.Unlock()
		e.sendPSI(s, protocol.MsgSyncDataBatchInfo, &protocol.PSIMessage{
			DataBatch: &protocol.DataBatchPayload{Seq: seq, BatchCount: int32(seq)},
		})
		return true, nil
	}

	blinded := make([][]byte, batch.Len())
	for i := 0; i < batch.Len(); i++ {
		raw, convErr := batch.ToBytes(i)
		if convErr != nil {
			return false, errs.Wrap(convErr, errs.LoadDataFailed, "convert row")
		}
		point, hErr := r.curve.HashToPoint(r.hash, raw)
		if hErr != nil {
			return false, errs.Wrap(hErr, errs.HandshakeFailed, "hash to point")
		}
		blinded[i], hErr = r.curve.Blind(point, r.scalar)
		if hErr != nil {
			return false, errs.Wrap(hErr, errs.HandshakeFailed, "blind point")
		}
	}

	r.mu.Lock()
	seq := r.serverSeq
	r.serverSeq++
	r.mu.Unlock()

	e.sendPSI(s, protocol.MsgServerBlindedData, &protocol.PSIMessage{
		DataBatch: &protocol.DataBatchPayload{Seq: seq, Data: blinded, BatchCount: -1},
	})
	return true, nil
}

// tickClient reads the next batch of its own input, blinds it with its
// own scalar, and sends EvaluateRequest; it also drains any DataCache
// that has become Finalized and can now be checked against the
// (doubly-blinded) server cipher set (spec.md §4.6 client-side pipeline).
func (e *Engine) tickClient(s *task.State, r *run) (bool, error) {
	if !r.isHandshakeDone() {
		return false, nil
	}

	progressed := false

	r.mu.Lock()
	done := r.readerDone
	capacity := uint64(0)
	for _, c := range r.clientBatches {
		capacity += c.CapacityBytes()
	}
	r.mu.Unlock()

	if !done && capacity < DefaultCapacityBytes {
		batch, err := r.reader.Next(e.dataBatchSize, ppcio.SchemaBytes)
		if err != nil {
			r.mu.Lock()
			r.readerDone = true
			r.mu.Unlock()
		} else {
			plaintext := make([][]byte, batch.Len())
			blinded := make([][]byte, batch.Len())
			for i := 0; i < batch.Len(); i++ {
				raw, convErr := batch.ToBytes(i)
				if convErr != nil {
					return false, errs.Wrap(convErr, errs.LoadDataFailed, "convert row")
				}
				plaintext[i] = raw
				point, hErr := r.curve.HashToPoint(r.hash, raw)
				if hErr != nil {
					return false, errs.Wrap(hErr, errs.HandshakeFailed, "hash to point")
				}
				blinded[i], hErr = r.curve.Blind(point, r.scalar)
				if hErr != nil {
					return false, errs.Wrap(hErr, errs.HandshakeFailed, "blind point")
				}
			}
			seq := s.AllocateSeq()
			dc := NewDataCache(seq, plaintext, blinded)
			r.mu.Lock()
			r.clientBatches[seq] = dc
			r.mu.Unlock()
			e.sendPSI(s, protocol.MsgEvaluateRequest, &protocol.PSIMessage{
				DataBatch: &protocol.DataBatchPayload{Seq: seq, Data: blinded, BatchCount: -1},
			})
			progressed = true
		}
	}

	if e.drainFinalizedBatches(s, r) {
		progressed = true
	}

	r.mu.Lock()
	allDone := r.readerDone && len(r.clientBatches) == 0
	r.mu.Unlock()
	if allDone && r.serverCipherCache.LoadFinished() {
		s.SetFinished(true)
		if r.writer != nil {
			_ = r.writer.Flush()
		}
		progressed = true
	}

	return progressed, nil
}

// drainFinalizedBatches intersects every Finalized DataCache against the
// server cipher set once ServerCipherDataCache.loadFinished is true
// (spec.md §4.6 step 3), writes hits, and erases the seq.
func (e *Engine) drainFinalizedBatches(s *task.State, r *run) bool {
	if !r.serverCipherCache.LoadFinished() {
		return false
	}
	serverSet := r.serverCipherCache.Ciphers()

	r.mu.Lock()
	ready := make([]*DataCache, 0)
	for _, dc := range r.clientBatches {
		if dc.State() == StateFinalized {
			ready = append(ready, dc)
		}
	}
	r.mu.Unlock()
	if len(ready) == 0 {
		return false
	}

	for _, dc := range ready {
		hits := dc.Intersect(serverSet)
		if r.writer != nil {
			for _, h := range hits {
				batch := ppcio.NewDataBatch(ppcio.SchemaBytes)
				batch.Append(h)
				_ = r.writer.WriteLine(batch, ppcio.SchemaBytes, []byte("\n"))
			}
		}
		r.mu.Lock()
		delete(r.clientBatches, dc.Seq)
		r.mu.Unlock()
		s.EraseFinishedTaskSeq(dc.Seq, true)
	}
	return true
}

// HandlePacket handles the packet types this engine exchanges (spec.md
// §4.6): HandshakeRequest arrives at the server and HandshakeResponse at
// the client; ServerBlindedData and SyncDataBatchInfo arrive at the
// client, EvaluateRequest arrives at the server, EvaluateResponse arrives
// at the client.
func (e *Engine) HandlePacket(ctx context.Context, s *task.State, msgType protocol.MessageType, psiMsg *protocol.PSIMessage) error {
	r, ok := e.runFor(s.Task.TaskID)
	if !ok {
		return errs.New(errs.TaskNotReady, "task not yet initialized")
	}

	switch msgType {
	case protocol.MsgHandshakeRequest:
		return e.onHandshakeRequest(s, r, psiMsg)
	case protocol.MsgHandshakeResponse:
		return e.onHandshakeResponse(s, r, psiMsg)
	case protocol.MsgServerBlindedData:
		return e.onServerBlindedData(r, psiMsg)
	case protocol.MsgSyncDataBatchInfo:
		r.serverCipherCache.SetTotalBatches(psiMsg.DataBatch.BatchCount)
		return nil
	case protocol.MsgEvaluateRequest:
		return e.onEvaluateRequest(s, r, psiMsg)
	case protocol.MsgEvaluateResponse:
		return e.onEvaluateResponse(r, psiMsg)
	default:
		return nil
	}
}

// onHandshakeRequest runs on the server: it negotiates a common
// curve/hash against the client's supported lists (preferring SM2/SM3
// when both sides support it and the registry is SM-preferred), generates its own private scalar, and
// replies with HandshakeResponse. It then registers a bounded wait on
// this task's Channel for the client's HandshakeSuccess ack — the server
// must not start blinding before that ack arrives (spec.md §4.6).
func (e *Engine) onHandshakeRequest(s *task.State, r *run, psiMsg *protocol.PSIMessage) error {
	req := psiMsg.HandshakeReq
	if req == nil {
		return errs.New(errs.HandshakeFailed, "missing handshake request payload")
	}

	curveID, hashID, err := e.registry.Negotiate(e.registry.SupportedCurves(), e.registry.SupportedHashes(), req.Curves, req.Hashes)
	if err != nil {
		e.sendPSI(s, protocol.MsgHandshakeResponse, &protocol.PSIMessage{
			HandshakeResp: &protocol.HandshakeResponse{Code: int32(errs.HandshakeFailed), Message: err.Error()},
		})
		return err
	}

	curve, scalar, err := e.newScalar(curveID)
	if err != nil {
		e.sendPSI(s, protocol.MsgHandshakeResponse, &protocol.PSIMessage{
			HandshakeResp: &protocol.HandshakeResponse{Code: int32(errs.HandshakeFailed), Message: err.Error()},
		})
		return err
	}
	hash, ok := e.registry.Hash(hashID)
	if !ok {
		err = errs.Newf(errs.HandshakeFailed, "negotiated hash %s not available locally", hashID)
		e.sendPSI(s, protocol.MsgHandshakeResponse, &protocol.PSIMessage{
			HandshakeResp: &protocol.HandshakeResponse{Code: int32(errs.HandshakeFailed), Message: err.Error()},
		})
		return err
	}

	e.sendPSI(s, protocol.MsgHandshakeResponse, &protocol.PSIMessage{
		HandshakeResp: &protocol.HandshakeResponse{Curve: curveID, Hash: hashID},
	})

	if e.channels != nil {
		if ch := e.channels.ChannelFor(s.Task.TaskID); ch != nil {
			ch.AsyncReceiveMessage(protocol.MsgHandshakeSuccess, 0, HandshakeAckTimeout, func(waitErr error, _ *protocol.Message) {
				if waitErr != nil {
					s.OnException("timed out waiting for handshake success: " + waitErr.Error())
					return
				}
				r.setHandshake(curve, hash, scalar)
			})
			return nil
		}
	}
	// No Channel wired (tests only): fall back to completing the
	// handshake immediately without waiting for the ack.
	r.setHandshake(curve, hash, scalar)
	return nil
}

// onHandshakeResponse runs on the client: a Code of 0 means the server
// accepted the negotiation, so the client resolves the same curve/hash
// locally, generates its own scalar, marks its handshake done (it begins
// blinding right away, per spec.md §4.6 — it does not wait for its own
// ack round trip), and finally sends HandshakeSuccess to unblock the
// server.
func (e *Engine) onHandshakeResponse(s *task.State, r *run, psiMsg *protocol.PSIMessage) error {
	resp := psiMsg.HandshakeResp
	if resp == nil {
		return errs.New(errs.HandshakeFailed, "missing handshake response payload")
	}
	if resp.Code != 0 {
		return errs.Newf(errs.HandshakeFailed, "peer rejected handshake: %s", resp.Message)
	}

	curve, scalar, err := e.newScalar(resp.Curve)
	if err != nil {
		return err
	}
	hash, ok := e.registry.Hash(resp.Hash)
	if !ok {
		return errs.Newf(errs.HandshakeFailed, "negotiated hash %s not available locally", resp.Hash)
	}

	r.setHandshake(curve, hash, scalar)
	e.sendPSI(s, protocol.MsgHandshakeSuccess, &protocol.PSIMessage{})
	return nil
}

func (e *Engine) newScalar(curveID protocol.Curve) (cryptosuite.Curve, []byte, error) {
	curve, ok := e.registry.Curve(curveID)
	if !ok {
		return nil, nil, errs.Newf(errs.HandshakeFailed, "negotiated curve %s not available locally", curveID)
	}
	scalar, err := curve.NewPrivateScalar()
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.HandshakeFailed, "generate private scalar")
	}
	return curve, scalar, nil
}

// onServerBlindedData re-blinds the server's once-blinded points with
// this party's own scalar, producing the doubly-blinded server set the
// client's DataCaches will later be compared against.
func (e *Engine) onServerBlindedData(r *run, psiMsg *protocol.PSIMessage) error {
	reblinded := make([][]byte, len(psiMsg.DataBatch.Data))
	for i, point := range psiMsg.DataBatch.Data {
		b, err := r.curve.Blind(point, r.scalar)
		if err != nil {
			return errs.Wrap(err, errs.HandshakeFailed, "re-blind server point")
		}
		reblinded[i] = b
	}
	r.serverCipherCache.AddBatch(psiMsg.DataBatch.Seq, reblinded)
	return nil
}

// onEvaluateRequest re-blinds the client's once-blinded points with the
// server's own scalar and replies with EvaluateResponse at the same seq.
func (e *Engine) onEvaluateRequest(s *task.State, r *run, psiMsg *protocol.PSIMessage) error {
	reblinded := make([][]byte, len(psiMsg.DataBatch.Data))
	for i, point := range psiMsg.DataBatch.Data {
		b, err := r.curve.Blind(point, r.scalar)
		if err != nil {
			return errs.Wrap(err, errs.HandshakeFailed, "re-blind client point")
		}
		reblinded[i] = b
	}
	e.sendPSI(s, protocol.MsgEvaluateResponse, &protocol.PSIMessage{
		DataBatch: &protocol.DataBatchPayload{Seq: psiMsg.DataBatch.Seq, Data: reblinded, BatchCount: -1},
	})
	return nil
}

func (e *Engine) onEvaluateResponse(r *run, psiMsg *protocol.PSIMessage) error {
	r.mu.Lock()
	dc, ok := r.clientBatches[psiMsg.DataBatch.Seq]
	r.mu.Unlock()
	if !ok {
		return errs.Newf(errs.UnknownPSIPacketType, "evaluate response for unknown seq %d", psiMsg.DataBatch.Seq)
	}
	dc.OnEvaluateResponse(psiMsg.DataBatch.Data)
	return nil
}

func (e *Engine) sendPSI(s *task.State, msgType protocol.MessageType, psiMsg *protocol.PSIMessage) {
	data, err := protocol.EncodePSIMessage(psiMsg)
	if err != nil {
		return
	}
	msg := protocol.NewMessage(1, protocol.TaskTypePSI, e.Algorithm(), msgType, s.Task.TaskID, e.self)
	msg.Data = data
	e.gw.AsyncSendMessage(ctx(), s.PeerID, msg, func(error) {})
}

func ctx() context.Context { return context.Background() }
