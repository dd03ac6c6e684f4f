package cryptosuite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wedpr-lab/ppc-node/protocol"
)

func TestNegotiatePrefersSMWhenEnabled(t *testing.T) {
	r := Default(true)
	curve, hash, err := r.Negotiate(
		[]protocol.Curve{protocol.CurveP256, protocol.CurveSM2},
		[]protocol.Hash{protocol.HashSHA256, protocol.HashSM3},
		[]protocol.Curve{protocol.CurveSM2, protocol.CurveP256},
		[]protocol.Hash{protocol.HashSM3, protocol.HashSHA256},
	)
	require.NoError(t, err)
	require.Equal(t, protocol.CurveSM2, curve)
	require.Equal(t, protocol.HashSM3, hash)
}

func TestNegotiateFirstCommonWhenSMDisabled(t *testing.T) {
	r := Default(false)
	curve, hash, err := r.Negotiate(
		[]protocol.Curve{protocol.CurveP256, protocol.CurveSM2},
		[]protocol.Hash{protocol.HashSHA256, protocol.HashSM3},
		[]protocol.Curve{protocol.CurveSM2, protocol.CurveP256},
		[]protocol.Hash{protocol.HashSM3, protocol.HashSHA256},
	)
	require.NoError(t, err)
	require.Equal(t, protocol.CurveP256, curve)
	require.Equal(t, protocol.HashSHA256, hash)
}

func TestNegotiateFailsWithNoCommonCurve(t *testing.T) {
	r := Default(false)
	_, _, err := r.Negotiate(
		[]protocol.Curve{protocol.CurveP256},
		[]protocol.Hash{protocol.HashSHA256},
		[]protocol.Curve{protocol.CurveSM2},
		[]protocol.Hash{protocol.HashSHA256},
	)
	require.Error(t, err)
}

// TestDoubleBlindCommutes is the algebraic property ECDH-PSI depends on:
// raising G^H(x) to a then b gives the same point as b then a.
func TestDoubleBlindCommutes(t *testing.T) {
	for _, curve := range []Curve{NewP256(), NewSECP256K1(), NewSM2Curve(), NewX25519(), NewED25519()} {
		t.Run(curve.Name().String(), func(t *testing.T) {
			hash := NewSHA256()
			base, err := curve.HashToPoint(hash, []byte("alice@example.com"))
			require.NoError(t, err)

			a, err := curve.NewPrivateScalar()
			require.NoError(t, err)
			b, err := curve.NewPrivateScalar()
			require.NoError(t, err)

			ab, err := curve.Blind(base, a)
			require.NoError(t, err)
			ab, err = curve.Blind(ab, b)
			require.NoError(t, err)

			ba, err := curve.Blind(base, b)
			require.NoError(t, err)
			ba, err = curve.Blind(ba, a)
			require.NoError(t, err)

			require.Equal(t, ab, ba)
		})
	}
}
