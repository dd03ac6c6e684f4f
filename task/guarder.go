package task

import (
	"context"
	"sync"
	"time"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/gateway"
	"github.com/wedpr-lab/ppc-node/log"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// DefaultPingPeriod matches the original's c_pingTimerPeriod of 60s.
const DefaultPingPeriod = 60 * time.Second

// DefaultNetworkTimeout bounds a single gateway send.
const DefaultNetworkTimeout = 10 * time.Second

// ErrorHandler is invoked when a Guarder detects a peer is unreachable or
// an engine reports a local failure, mirroring TaskGuarder's
// onSelfError/onReceivedErrorNotification hooks (spec.md §4.4).
type ErrorHandler func(taskID string, err error, noticePeer bool)

// Guarder owns the set of pending tasks an engine is running plus the
// peer-liveness ping loop every PSI/CEM engine shares (spec.md §4.4,
// grounded on TaskGuarder.h). Engines embed a Guarder and supply
// OnSelfError/OnReceivedErrorNotification to plug it into their own
// task-finishing path.
type Guarder struct {
	gw            gateway.Gateway
	taskType      protocol.TaskType
	algorithm     protocol.AlgorithmType
	selfAgency    string
	networkTimeout time.Duration
	pingPeriod    time.Duration

	OnSelfError                func(taskID string, err error, noticePeer bool)
	OnReceivedErrorNotification func(taskID string)

	mu      sync.RWMutex
	pending map[string]*State

	stop chan struct{}
	done chan struct{}
}

func NewGuarder(gw gateway.Gateway, taskType protocol.TaskType, algorithm protocol.AlgorithmType, selfAgency string) *Guarder {
	return &Guarder{
		gw:             gw,
		taskType:       taskType,
		algorithm:      algorithm,
		selfAgency:     selfAgency,
		networkTimeout: DefaultNetworkTimeout,
		pingPeriod:     DefaultPingPeriod,
		pending:        make(map[string]*State),
	}
}

// FindPendingTask returns the State registered under taskID, or nil.
func (g *Guarder) FindPendingTask(taskID string) *State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pending[taskID]
}

func (g *Guarder) AddPendingTask(s *State) {
	g.mu.Lock()
	g.pending[s.Task.TaskID] = s
	g.mu.Unlock()
}

func (g *Guarder) RemovePendingTask(taskID string) {
	g.mu.Lock()
	delete(g.pending, taskID)
	g.mu.Unlock()
}

// PendingCount returns the number of tasks currently admitted.
func (g *Guarder) PendingCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pending)
}

// CheckTask validates a newly submitted Task before admission (spec.md
// §4.4 admission step), grounded on TaskGuarder::checkTask. partiesCount
// is the number of parties the algorithm requires including self;
// enforceSelfInput/enforceSelfOutput/enforcePeerResource/
// enforceSelfResource let each engine tune which sides must already carry
// a DataResource at submission time (the client role always enforces
// both self input and output, matching the original).
func (g *Guarder) CheckTask(t *protocol.Task, partiesCount int, enforceSelfInput, enforceSelfOutput, enforcePeerResource, enforceSelfResource bool) error {
	if g.FindPendingTask(t.TaskID) != nil {
		return errs.New(errs.DuplicatedTask, "task already exists")
	}

	if t.Self.Index == protocol.PartyClient {
		enforceSelfInput = true
		enforceSelfOutput = true
	}

	if enforceSelfResource {
		dr := t.Self.DataResource
		if dr == nil {
			return errs.New(errs.TaskParamsError, "no data resource specified for self party")
		}
		if enforceSelfInput && dr.Input == nil {
			return errs.New(errs.TaskParamsError, "no input resource specified for self party")
		}
		if enforceSelfOutput && dr.Output == nil {
			return errs.New(errs.TaskParamsError, "no output resource specified for self party")
		}
	}

	seen := map[protocol.PartyIndex]struct{}{t.Self.Index: {}}
	if partiesCount > 1 && int(t.Self.Index) >= partiesCount {
		return errs.Newf(errs.TaskParamsError, "invalid partyIndex: %d", t.Self.Index)
	}

	if len(t.Peers) != partiesCount-1 {
		return errs.Newf(errs.TaskParamsError, "expected parties count: %d, current is %d", partiesCount, len(t.Peers)+1)
	}

	for _, peer := range t.Peers {
		if partiesCount > 1 && int(peer.Index) >= partiesCount {
			return errs.Newf(errs.TaskParamsError, "invalid partyIndex: %d", peer.Index)
		}
		if _, dup := seen[peer.Index]; dup {
			return errs.Newf(errs.TaskParamsError, "repeated party index: %d", peer.Index)
		}
		seen[peer.Index] = struct{}{}
	}

	if !enforcePeerResource {
		return nil
	}
	for id, peer := range t.Peers {
		if peer.DataResource == nil {
			return errs.Newf(errs.TaskParamsError, "must specify the peer data resource for %s", id)
		}
	}
	return nil
}

// PeerID returns the sole peer's agency id for a two-party task, or "" if
// there is none (spec.md §4.4 getPeerID, two-party only).
func PeerID(t *protocol.Task) string {
	for id := range t.Peers {
		return id
	}
	return ""
}

// NoticePeerToFinish sends an ErrorNotification to every peer of t,
// best-effort (errors are logged, never propagated) — mirrors
// TaskGuarder::noticePeerToFinish.
func (g *Guarder) NoticePeerToFinish(t *protocol.Task) {
	for peer := range t.Peers {
		g.noticePeer(t.TaskID, peer)
	}
}

func (g *Guarder) noticePeer(taskID, peer string) {
	if peer == "" {
		return
	}
	log.Info("noticePeerToFinish", "task", taskID, "peer", peer)
	msg := protocol.NewMessage(1, g.taskType, g.algorithm, protocol.MsgCancelTaskNotification, taskID, g.selfAgency)
	ctx, cancel := context.WithTimeout(context.Background(), g.networkTimeout)
	g.gw.AsyncSendMessage(ctx, peer, msg, func(err error) {
		cancel()
		if err != nil {
			log.Error("noticePeerToFinish failed", "task", taskID, "peer", peer, "err", err)
		}
	})
}

// StartPingTimer launches the peer-liveness loop; call Stop to release it.
func (g *Guarder) StartPingTimer() {
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	go g.pingLoop()
}

func (g *Guarder) StopPingTimer() {
	if g.stop == nil {
		return
	}
	close(g.stop)
	<-g.done
}

func (g *Guarder) pingLoop() {
	defer close(g.done)
	ticker := time.NewTicker(g.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.checkPeerActivity()
		}
	}
}

// checkPeerActivity pings every peer of every pending task and routes a
// send failure into OnSelfError with PeerNodeDown, never notifying the
// peer back (it is the one that appears to be down) — mirrors
// TaskGuarder::checkPeerActivity.
func (g *Guarder) checkPeerActivity() {
	g.mu.RLock()
	tasks := make([]*State, 0, len(g.pending))
	for _, s := range g.pending {
		tasks = append(tasks, s)
	}
	g.mu.RUnlock()

	for _, s := range tasks {
		for peerID := range s.Task.Peers {
			msg := protocol.NewMessage(1, g.taskType, g.algorithm, protocol.MsgPingPeer, s.Task.TaskID, g.selfAgency)
			ctx, cancel := context.WithTimeout(context.Background(), g.networkTimeout)
			taskID, peer := s.Task.TaskID, peerID
			g.gw.AsyncSendMessage(ctx, peer, msg, func(err error) {
				cancel()
				if err == nil {
					return
				}
				if g.OnSelfError != nil {
					g.OnSelfError(taskID, errs.Newf(errs.PeerNodeDown, "peer node is down, id: %s", peer), false)
				}
			})
		}
	}
}
