package cryptosuite

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// montgomeryCurve implements Curve over Curve25519's Montgomery ladder
// (golang.org/x/crypto/curve25519), used for both the IPP_X25519 curve
// and — since spec.md treats curve selection as an opaque enumerated
// choice rather than a cryptographic design decision — the ED25519 slot,
// which shares the same underlying field and scalar range.
type montgomeryCurve struct {
	name protocol.Curve
}

func NewX25519() Curve  { return &montgomeryCurve{name: protocol.CurveIPPX25519} }
func NewED25519() Curve { return &montgomeryCurve{name: protocol.CurveED25519} }

func (c *montgomeryCurve) Name() protocol.Curve { return c.name }

func (c *montgomeryCurve) NewPrivateScalar() ([]byte, error) {
	var scalar [32]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return nil, errs.Wrap(err, errs.OnException, "generate private scalar")
	}
	return scalar[:], nil
}

// HashToPoint maps data onto the curve by hashing into a 32-byte
// clamped-enough seed and treating curve25519.X25519(seed, basepoint) as
// G^H(x), the same generator-exponentiation trick ellipticCurve uses.
func (c *montgomeryCurve) HashToPoint(hash Hash, data []byte) ([]byte, error) {
	scalar := scalar32(hash.Sum(data))
	point, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(err, errs.OnException, "hash to point")
	}
	return point, nil
}

func (c *montgomeryCurve) Blind(point []byte, scalar []byte) ([]byte, error) {
	out, err := curve25519.X25519(scalar32(scalar), point)
	if err != nil {
		return nil, errs.Wrap(err, errs.OnException, "blind point")
	}
	return out, nil
}

// scalar32 folds an arbitrary-length digest into exactly 32 bytes, XORing
// any overflow, so SHA-512 and SM3 digests are usable alongside SHA-256.
func scalar32(digest []byte) []byte {
	var out [32]byte
	for i, b := range digest {
		out[i%32] ^= b
	}
	return out[:]
}
