package cryptosuite

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"

	"github.com/emmansun/gmsm/sm3"
	"golang.org/x/crypto/blake2b"

	"github.com/wedpr-lab/ppc-node/protocol"
)

type sha256Hash struct{}

func NewSHA256() Hash                          { return sha256Hash{} }
func (sha256Hash) Name() protocol.Hash         { return protocol.HashSHA256 }
func (sha256Hash) Sum(data []byte) []byte      { d := sha256.Sum256(data); return d[:] }

type sha512Hash struct{}

func NewSHA512() Hash                     { return sha512Hash{} }
func (sha512Hash) Name() protocol.Hash    { return protocol.HashSHA512 }
func (sha512Hash) Sum(data []byte) []byte { d := sha512.Sum512(data); return d[:] }

type sm3Hash struct{}

func NewSM3() Hash                     { return sm3Hash{} }
func (sm3Hash) Name() protocol.Hash    { return protocol.HashSM3 }
func (sm3Hash) Sum(data []byte) []byte { d := sm3.Sum(data); return d[:] }

type md5Hash struct{}

func NewMD5() Hash                     { return md5Hash{} }
func (md5Hash) Name() protocol.Hash    { return protocol.HashMD5 }
func (md5Hash) Sum(data []byte) []byte { d := md5.Sum(data); return d[:] }

type blake2bHash struct{}

func NewBLAKE2b() Hash                  { return blake2bHash{} }
func (blake2bHash) Name() protocol.Hash { return protocol.HashBLAKE2b }
func (blake2bHash) Sum(data []byte) []byte {
	d := blake2b.Sum256(data)
	return d[:]
}
