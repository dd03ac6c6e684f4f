// Package gateway defines the narrow send/receive contract the core
// depends on (spec.md §1: "the gateway transport beyond its send/receive
// contract" is out of scope) plus two thin transport adapters that
// exercise it, so the Orchestrator and PSI engines never import a
// transport library directly.
package gateway

import (
	"context"

	"github.com/wedpr-lab/ppc-node/protocol"
)

// SendCallback reports the outcome of one asynchronous send (spec.md §5:
// "every send through the gateway is asynchronous and returns a
// completion via callback — the sending thread never blocks on I/O").
type SendCallback func(err error)

// Gateway is the contract every engine and the Orchestrator send/receive
// through. Receiving is push-based: RegisterHandler installs the
// dispatch function a transport adapter calls on every inbound Message
// for (taskType, algorithmType).
type Gateway interface {
	// AsyncSendMessage delivers msg to agencyID, best-effort, and invokes
	// callback once the local send attempt has completed (not once the
	// peer has processed it).
	AsyncSendMessage(ctx context.Context, agencyID string, msg *protocol.Message, callback SendCallback)
	// RegisterHandler installs the dispatch function for every Message
	// whose (TaskType, AlgorithmType) matches.
	RegisterHandler(taskType protocol.TaskType, algorithmType protocol.AlgorithmType, handler func(*protocol.Message))
	// NotifyTaskInfo tells the transport layer a task's peer set is now
	// known, so it can route future messages for it (e.g. resolve
	// agencyID -> network address).
	NotifyTaskInfo(taskID string) error
	Close() error
}
