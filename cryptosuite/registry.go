// Package cryptosuite implements the curve/hash registry and the ECDH
// blinding primitives the PSI engines drive. It treats the actual
// elliptic-curve math as an opaque capability per spec.md §1 Non-goals —
// callers only ever see "hash an element to the group, then raise it to a
// private scalar" and "raise an already-blinded point to a private
// scalar again" (the two operations ECDH-PSI composes).
package cryptosuite

import (
	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// Curve performs the group operations one named elliptic curve needs to
// support ECDH-PSI blinding (spec.md §4.6, §9 "dynamic dispatch ... model
// as a tagged union over the small enumerated set").
type Curve interface {
	Name() protocol.Curve
	// NewPrivateScalar returns a fresh random private scalar.
	NewPrivateScalar() ([]byte, error)
	// HashToPoint maps an arbitrary input element to a group element
	// using the given hash, returning the element's canonical byte
	// encoding.
	HashToPoint(hash Hash, data []byte) ([]byte, error)
	// Blind raises an existing group element (point) to scalar,
	// returning the result's canonical byte encoding. It is used both
	// for the first blinding round (point = HashToPoint(x)) and for
	// re-blinding an already-blinded point from the peer.
	Blind(point []byte, scalar []byte) ([]byte, error)
}

// Hash is the hash function used to feed HashToPoint (spec.md §6).
type Hash interface {
	Name() protocol.Hash
	Sum(data []byte) []byte
}

// Registry is the process-wide, read-mostly curve/hash suite table,
// built once at start and never mutated thereafter (spec.md §9 "global
// singletons ... model as an immutable configuration value passed into
// engines, not a global").
type Registry struct {
	curves      map[protocol.Curve]Curve
	hashes      map[protocol.Hash]Hash
	smPreferred bool
}

// NewRegistry builds the registry from the curve/hash backends the
// process was built with. smPreferred mirrors spec.md §4.5's "If SM-crypto
// is globally enabled, SM2 curve and SM3 hash are preferred".
func NewRegistry(smPreferred bool, curves []Curve, hashes []Hash) *Registry {
	r := &Registry{
		curves:      make(map[protocol.Curve]Curve, len(curves)),
		hashes:      make(map[protocol.Hash]Hash, len(hashes)),
		smPreferred: smPreferred,
	}
	for _, c := range curves {
		r.curves[c.Name()] = c
	}
	for _, h := range hashes {
		r.hashes[h.Name()] = h
	}
	return r
}

// Default builds the registry with every backend this repository ships.
func Default(smPreferred bool) *Registry {
	return NewRegistry(smPreferred,
		[]Curve{NewED25519(), NewSM2(), NewSECP256K1(), NewP256(), NewX25519()},
		[]Hash{NewSHA256(), NewSHA512(), NewSM3(), NewMD5(), NewBLAKE2b()},
	)
}

func (r *Registry) SupportedCurves() []protocol.Curve {
	out := make([]protocol.Curve, 0, len(r.curves))
	for c := range r.curves {
		out = append(out, c)
	}
	return out
}

func (r *Registry) SupportedHashes() []protocol.Hash {
	out := make([]protocol.Hash, 0, len(r.hashes))
	for h := range r.hashes {
		out = append(out, h)
	}
	return out
}

func (r *Registry) Curve(c protocol.Curve) (Curve, bool) {
	v, ok := r.curves[c]
	return v, ok
}

func (r *Registry) Hash(h protocol.Hash) (Hash, bool) {
	v, ok := r.hashes[h]
	return v, ok
}

// Negotiate picks the curve/hash pair both sides support, applying
// spec.md §4.5's handshake rule: prefer SM2/SM3 when SM-crypto is
// globally enabled and both sides support it, otherwise the first common
// element of each list (in the local side's order) wins.
func (r *Registry) Negotiate(localCurves []protocol.Curve, localHashes []protocol.Hash, peerCurves []protocol.Curve, peerHashes []protocol.Hash) (protocol.Curve, protocol.Hash, error) {
	if r.smPreferred && contains(localCurves, protocol.CurveSM2) && contains(peerCurves, protocol.CurveSM2) &&
		contains(localHashes, protocol.HashSM3) && contains(peerHashes, protocol.HashSM3) {
		return protocol.CurveSM2, protocol.HashSM3, nil
	}

	curve, ok := firstCommon(localCurves, peerCurves)
	if !ok {
		return 0, 0, errs.New(errs.HandshakeFailed, "no common curve")
	}
	hash, ok := firstCommonHash(localHashes, peerHashes)
	if !ok {
		return 0, 0, errs.New(errs.HandshakeFailed, "no common hash")
	}
	return curve, hash, nil
}

func contains[T comparable](list []T, v T) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}

func firstCommon(a, b []protocol.Curve) (protocol.Curve, bool) {
	set := make(map[protocol.Curve]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return v, true
		}
	}
	return 0, false
}

func firstCommonHash(a, b []protocol.Hash) (protocol.Hash, bool) {
	set := make(map[protocol.Hash]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return v, true
		}
	}
	return 0, false
}
