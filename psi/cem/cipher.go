// Package cem implements the Ciphertext-Equality-Match counting service of
// SPEC_FULL.md C.5: a much simpler protocol than the PSI engines — one
// batch-wise request/response pair per task, counting per-field ciphertext
// matches instead of producing an intersection file. Grounded on
// `original_source/cpp/wedpr-computing/ppc-cem/src/CEMService.cpp`.
package cem

import (
	"bytes"

	"github.com/wedpr-lab/ppc-node/errs"
)

// Cipher is the pluggable equality-test/encrypt hook CEMService.cpp
// delegates to wedpr_pairing_bls128_equality_test/wedpr_pairing_bls128_encrypt_message.
// The pairing primitive itself is out of scope (spec.md §1 "EC/OPRF/FHE
// primitives"), so this package never implements one; callers wire a real
// backend in, and NewByteEqualCipher's Equal covers any cipher whose
// equality reduces to byte-for-byte comparison of a deterministic
// ciphertext (true of the original's fixed CIPHERTEXT_LEN=144 encoding).
type Cipher interface {
	// Encrypt produces the ciphertext doEncryptDataset writes for one
	// plaintext field value.
	Encrypt(plaintext []byte) ([]byte, error)
	// Equal reports whether two ciphertexts encrypt the same plaintext.
	Equal(a, b []byte) bool
}

// byteEqualCipher implements Equal via bytes.Equal and leaves Encrypt
// unconfigured, for deployments that only run matching against
// already-encrypted datasets (no local encryptDataset step).
type byteEqualCipher struct{}

// NewByteEqualCipher returns the default Cipher: ciphertext equality via
// byte comparison, no encryption support.
func NewByteEqualCipher() Cipher { return byteEqualCipher{} }

func (byteEqualCipher) Equal(a, b []byte) bool { return bytes.Equal(a, b) }

func (byteEqualCipher) Encrypt([]byte) ([]byte, error) {
	return nil, errs.New(errs.CipherNotConfigured, "no encryption backend configured for cem.Cipher")
}
