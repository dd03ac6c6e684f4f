// Package labeledpsi is the contract-only stub for the Labeled-PSI
// engine of spec.md §4.8: a homomorphic-encryption-based protocol whose
// powers-dag depth and FHE parameters spec.md §1 marks out of scope. See
// cm2020's package doc for the shared rationale; this engine plugs into
// the same Framework with its own packet types and state.
package labeledpsi

import (
	"context"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
	"github.com/wedpr-lab/ppc-node/task"
)

// PacketHandler lets a concrete HE round implementation be plugged in
// without this package depending on it.
type PacketHandler func(ctx context.Context, s *task.State, msgType protocol.MessageType, psiMsg *protocol.PSIMessage) error

// Engine implements psi.Engine for the Labeled-PSI algorithm.
type Engine struct {
	OnPacket PacketHandler
}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) Algorithm() protocol.AlgorithmType { return protocol.AlgoLabeledPSI }

func (e *Engine) Tick(ctx context.Context, s *task.State) (bool, error) {
	return false, nil
}

func (e *Engine) HandlePacket(ctx context.Context, s *task.State, msgType protocol.MessageType, psiMsg *protocol.PSIMessage) error {
	if e.OnPacket == nil {
		return errs.New(errs.UnknownPSIPacketType, "Labeled-PSI HE rounds are not wired in this build")
	}
	return e.OnPacket(ctx, s, msgType, psiMsg)
}
