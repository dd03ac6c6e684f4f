package cryptosuite

import (
	"crypto/elliptic"
	"crypto/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/emmansun/gmsm/sm2"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// ellipticCurve implements Curve atop any crypto/elliptic.Curve, which
// covers NIST P-256, secp256k1 (via btcec's Koblitz curve, which
// satisfies elliptic.Curve) and SM2 (via gmsm's SM2 recommended curve)
// uniformly. The group element for an input x is G^H(x) — hashing into
// the exponent of the generator rather than a full hash-to-curve map —
// which is the classical Diffie-Hellman PSI construction and preserves
// the commutativity double-blinding relies on: G^(H(x)*a*b) is the same
// point whichever order a and b are applied in.
type ellipticCurve struct {
	name  protocol.Curve
	curve elliptic.Curve
}

func NewP256() Curve       { return &ellipticCurve{name: protocol.CurveP256, curve: elliptic.P256()} }
func NewSECP256K1() Curve  { return &ellipticCurve{name: protocol.CurveSECP256K1, curve: btcec.S256()} }
func NewSM2Curve() Curve   { return &ellipticCurve{name: protocol.CurveSM2, curve: sm2.P256()} }

// NewSM2 is the constructor name used by the registry's default set.
func NewSM2() Curve { return NewSM2Curve() }

func (c *ellipticCurve) Name() protocol.Curve { return c.name }

func (c *ellipticCurve) NewPrivateScalar() ([]byte, error) {
	k, err := rand.Int(rand.Reader, c.curve.Params().N)
	if err != nil {
		return nil, errs.Wrap(err, errs.OnException, "generate private scalar")
	}
	return k.Bytes(), nil
}

func (c *ellipticCurve) HashToPoint(hash Hash, data []byte) ([]byte, error) {
	digest := hash.Sum(data)
	x, y := c.curve.ScalarBaseMult(digest)
	return elliptic.Marshal(c.curve, x, y), nil
}

func (c *ellipticCurve) Blind(point []byte, scalar []byte) ([]byte, error) {
	x, y := elliptic.Unmarshal(c.curve, point)
	if x == nil {
		return nil, errs.New(errs.OnException, "invalid curve point")
	}
	rx, ry := c.curve.ScalarMult(x, y, scalar)
	return elliptic.Marshal(c.curve, rx, ry), nil
}
