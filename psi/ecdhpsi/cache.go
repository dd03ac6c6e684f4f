// Package ecdhpsi implements the ECDH-PSI engine of spec.md §4.6: both
// parties blind their data with a private scalar, exchange blinded
// points, re-blind with their own scalar, and intersect in the doubly
// blinded space. Grounded on
// `original_source/cpp/wedpr-computing/ppc-psi/src/ecdh-psi/EcdhCache.h`
// and `EcdhCache.cpp`.
package ecdhpsi

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultCapacityBytes is the soft per-task cache cap (spec.md §4.6:
// "a fixed soft cap (default 1 GiB)").
const DefaultCapacityBytes = 1 << 30

// DataCacheState is the client-side per-batch state machine of spec.md
// §4.6 step 3.
type DataCacheState int

const (
	StateEvaluating DataCacheState = iota
	StateFinalized
	StateIntersectioned
	StateStored
	StateSyncing
	StateSynced
)

// DataCache holds one client-side batch: the plaintext rows in order,
// their once-blinded points (sent as the EvaluateRequest), and the
// doubly-blinded points the server's EvaluateResponse returns at the
// same index (spec.md §4.6 "element order within a batch must be
// preserved end-to-end").
type DataCache struct {
	Seq         uint32
	Plaintext   [][]byte
	BlindedSelf [][]byte // this party's once-blinded points, index-aligned with Plaintext
	DoublyBlind [][]byte // server's re-blinded points from EvaluateResponse, same index

	mu    sync.Mutex
	state DataCacheState
}

func NewDataCache(seq uint32, plaintext, blindedSelf [][]byte) *DataCache {
	return &DataCache{Seq: seq, Plaintext: plaintext, BlindedSelf: blindedSelf, state: StateEvaluating}
}

func (c *DataCache) State() DataCacheState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *DataCache) setState(s DataCacheState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// OnEvaluateResponse stores the server's doubly-blinded points and
// advances Evaluating -> Finalized (spec.md §4.6 step 2).
func (c *DataCache) OnEvaluateResponse(doublyBlind [][]byte) {
	c.mu.Lock()
	c.DoublyBlind = doublyBlind
	c.state = StateFinalized
	c.mu.Unlock()
}

// CapacityBytes approximates the memory this batch is holding open,
// summing plaintext plus the allocated cipher slots (spec.md §4.6
// "capacity counter").
func (c *DataCache) CapacityBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n uint64
	for _, p := range c.Plaintext {
		n += uint64(len(p))
	}
	for _, b := range c.BlindedSelf {
		n += uint64(len(b))
	}
	for _, b := range c.DoublyBlind {
		n += uint64(len(b))
	}
	return n
}

// Intersect compares this cache's doubly-blinded points against the
// server cipher set (itself doubly blinded from the server's side) and
// returns the plaintexts that hit, preserving order (spec.md §4.6 step
// 3). Only valid once State() == StateFinalized.
func (c *DataCache) Intersect(serverCiphers mapset.Set[string]) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	hits := make([][]byte, 0, len(c.Plaintext))
	for i, cipher := range c.DoublyBlind {
		if serverCiphers.Contains(string(cipher)) {
			hits = append(hits, c.Plaintext[i])
		}
	}
	c.state = StateIntersectioned
	return hits
}

// ServerCipherDataCache is kept on the client: it holds the server's
// once-blinded points re-blinded with the client's own scalar (so doubly
// blinded), accumulated batch by batch from each ServerBlindedData packet
// and consulted by every client DataCache once loadFinished is true
// (spec.md §4.6 "ServerCipherDataCache.loadFinished").
//
// fastcache bounds the on-heap ciphertext storage the same way the
// original's capacity-gated cache does; golang-set gives O(1) membership
// for the actual intersection test.
type ServerCipherDataCache struct {
	mu            sync.RWMutex
	store         *fastcache.Cache
	ciphers       mapset.Set[string]
	totalBatches  int32 // -1 until SyncDataBatchInfo arrives
	batchesSeen   int32
	loadFinished  bool
}

func NewServerCipherDataCache(maxBytes int) *ServerCipherDataCache {
	return &ServerCipherDataCache{
		store:        fastcache.New(maxBytes),
		ciphers:      mapset.NewSet[string](),
		totalBatches: -1,
	}
}

// AddBatch records one ServerBlindedData batch's ciphers.
func (s *ServerCipherDataCache) AddBatch(seq uint32, ciphers [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range ciphers {
		s.store.Set(c, nil)
		s.ciphers.Add(string(c))
	}
	s.batchesSeen++
	s.checkFinishedLocked()
}

// SetTotalBatches records the server's SyncDataBatchInfo count.
func (s *ServerCipherDataCache) SetTotalBatches(total int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalBatches = total
	s.checkFinishedLocked()
}

func (s *ServerCipherDataCache) checkFinishedLocked() {
	if s.totalBatches >= 0 && s.batchesSeen >= s.totalBatches {
		s.loadFinished = true
	}
}

func (s *ServerCipherDataCache) LoadFinished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadFinished
}

func (s *ServerCipherDataCache) Ciphers() mapset.Set[string] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ciphers.Clone()
}

func (s *ServerCipherDataCache) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Reset()
	s.ciphers = mapset.NewSet[string]()
}
