// Package tasktest is an in-memory test harness: a fake gateway.Gateway
// plus Task/PartyResource builders for deterministic two-party wiring.
// The psi and psi/ecdhpsi tests use it; the task and psi/cem tests keep
// their own fake gateways.
//
// Grounded on `original_source/cpp/test-utils/TaskMock.h`.
package tasktest

import (
	"context"
	"sync"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

type handlerKey struct {
	taskType protocol.TaskType
	algo     protocol.AlgorithmType
}

// FakeGateway is an in-memory gateway.Gateway: it never touches a real
// transport, records every sent Message, lets a test mark a peer
// unreachable, and lets a test drive inbound delivery straight into
// whatever handler RegisterHandler installed (mirroring the real
// gateway's push dispatch without a network round trip).
type FakeGateway struct {
	mu       sync.Mutex
	down     map[string]bool
	sent     []*protocol.Message
	handlers map[handlerKey]func(*protocol.Message)
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		down:     make(map[string]bool),
		handlers: make(map[handlerKey]func(*protocol.Message)),
	}
}

func (g *FakeGateway) AsyncSendMessage(_ context.Context, agencyID string, msg *protocol.Message, callback func(error)) {
	g.mu.Lock()
	down := g.down[agencyID]
	g.sent = append(g.sent, msg)
	g.mu.Unlock()
	if down {
		callback(errs.New(errs.NetworkError, "peer unreachable"))
		return
	}
	callback(nil)
}

func (g *FakeGateway) RegisterHandler(taskType protocol.TaskType, algo protocol.AlgorithmType, handler func(*protocol.Message)) {
	g.mu.Lock()
	g.handlers[handlerKey{taskType, algo}] = handler
	g.mu.Unlock()
}

func (g *FakeGateway) NotifyTaskInfo(string) error { return nil }
func (g *FakeGateway) Close() error                { return nil }

// SetDown marks agencyID as unreachable: every subsequent
// AsyncSendMessage to it fails its callback with errs.NetworkError,
// until SetDown is called again with down=false.
func (g *FakeGateway) SetDown(agencyID string, down bool) {
	g.mu.Lock()
	g.down[agencyID] = down
	g.mu.Unlock()
}

// Sent returns every Message handed to AsyncSendMessage so far, in
// order.
func (g *FakeGateway) Sent() []*protocol.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*protocol.Message, len(g.sent))
	copy(out, g.sent)
	return out
}

// Last returns the most recently sent Message, or nil if none.
func (g *FakeGateway) Last() *protocol.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sent) == 0 {
		return nil
	}
	return g.sent[len(g.sent)-1]
}

// Deliver invokes whichever handler RegisterHandler installed for msg's
// (TaskType, AlgorithmType), simulating an inbound message from a peer
// without any real transport. It is a no-op if nothing registered for
// that pair yet.
func (g *FakeGateway) Deliver(msg *protocol.Message) {
	g.mu.Lock()
	handler := g.handlers[handlerKey{msg.TaskType, msg.AlgorithmType}]
	g.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}
