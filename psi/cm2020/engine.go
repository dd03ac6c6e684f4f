// Package cm2020 is the contract-only stub for the CM2020-PSI engine of
// spec.md §4.8: an OPRF-based protocol using OT point-A/point-B pairs
// rendezvoused through the Channel, cuckoo hashing, and other crypto
// internals spec.md §1 marks out of scope ("EC/OPRF/FHE primitives").
// The engine satisfies psi.Engine's admission/dispatch/lifecycle contract
// so it plugs into the same Framework as ecdhpsi; its packet handling is
// left as a hook for the OPRF rounds, matching spec.md §4.8's "identical
// contract toward the core, opaque crypto internals".
package cm2020

import (
	"context"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
	"github.com/wedpr-lab/ppc-node/task"
)

// PacketHandler lets a concrete OPRF round implementation be plugged in
// without this package needing to depend on it; Engine.HandlePacket
// simply forwards to it when set.
type PacketHandler func(ctx context.Context, s *task.State, msgType protocol.MessageType, psiMsg *protocol.PSIMessage) error

// Engine implements psi.Engine for the CM2020-PSI algorithm.
type Engine struct {
	OnPacket PacketHandler
}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) Algorithm() protocol.AlgorithmType { return protocol.AlgoCMPSI }

func (e *Engine) Tick(ctx context.Context, s *task.State) (bool, error) {
	return false, nil
}

func (e *Engine) HandlePacket(ctx context.Context, s *task.State, msgType protocol.MessageType, psiMsg *protocol.PSIMessage) error {
	if e.OnPacket == nil {
		return errs.New(errs.UnknownPSIPacketType, "CM2020-PSI OPRF rounds are not wired in this build")
	}
	return e.OnPacket(ctx, s, msgType, psiMsg)
}
