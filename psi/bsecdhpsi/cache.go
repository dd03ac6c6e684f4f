package bsecdhpsi

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/wedpr-lab/ppc-node/cryptosuite"
	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/log"
	"github.com/wedpr-lab/ppc-node/ppcio"
	"github.com/wedpr-lab/ppc-node/psi"
)

// Step is the browser-visible phase GetTaskStatus reports, mirroring the
// original's Step enum (Common.h).
type Step int

const (
	StepPreparing Step = iota
	StepProcessingSelfCiphers
	StepProcessingPartnerCiphers
	StepComputingResults
	StepDownloadIndex
)

// DefaultConcurrencyLimit bounds the per-batch cipher math run
// concurrently, replacing the original's tbb::parallel_for with the same
// bounded fan-out psi.RunBatch gives every other engine.
const DefaultConcurrencyLimit = 8

// IntersectionSummary is the terminal, non-sensitive bookkeeping
// GetTaskStatus reports once a task completes (GetTaskStatusResponse's
// numeric fields; the file contents themselves go through ResultWriter/
// IndexWriter/EvidenceWriter, never back through this struct).
type IntersectionSummary struct {
	Count      uint32
	Party0Size uint32
	Party1Size uint32
	TimeCost   time.Duration
	ResultFile *ppcio.FileInfo
	IndexFile  *ppcio.FileInfo
}

// Cache is the stateful per-task cipher cache of BsEcdhCache: it blinds
// this party's own dataset once with a freshly generated key, accepts
// the browser-relayed doubly-blinded version of that same dataset back
// (SendEcdhCipher) and the partner agency's once-blinded dataset
// (SendPartnerCipher, re-blinding it here with this party's own key so
// both sides end up in the same doubly-blinded space), then computes the
// intersection once both halves are ready.
//
// Grounded on
// `original_source/cpp/wedpr-computing/ppc-psi/src/bs-ecdh-psi/core/BsEcdhCache.cpp`.
type Cache struct {
	taskID string
	curve  cryptosuite.Curve
	hash   cryptosuite.Hash
	key    []byte

	reader           ppcio.Reader
	resultWriter     ppcio.Writer
	indexWriter      ppcio.Writer
	evidenceWriter   ppcio.Writer // nil disables the audit log, per enableAudit
	concurrencyLimit int

	onSelfCiphersReady func()
	onAllCiphersReady  func()
	onTaskFinished     func(status Status, summary *IntersectionSummary, err *errs.TaskError)

	startTime time.Time

	step     Step
	progress uint32
	mu       sync.RWMutex // guards step/progress only; the two cipher halves below have their own locks

	// self side: this party's own dataset, blinded once here and again
	// by the browser's own key (the "ecdh" ciphers).
	originInputs [][]byte
	inputsSize   uint32
	ciphers      [][]byte

	muSelf                  sync.RWMutex
	ecdhCiphers             [][]byte
	ecdhCipherFlags         []bool
	receivedEcdhCipherCount uint32
	ecdhCiphersMap          map[string]uint32
	selfEcdhCiphersReady    bool
	selfIndex               uint32

	// partner side: the other agency's once-blinded dataset, relayed by
	// the browser and re-blinded here with this party's own key.
	muPartner                  sync.RWMutex
	partnerInputsSize          uint32
	partnerCiphers             [][]byte
	partnerCipherFlags         []bool
	receivedPartnerCipherCount uint32
	partnerEcdhCiphers         [][]byte
	partnerEcdhCiphersReady    bool
	partnerIndex               uint32

	allCiphersReady bool
	muAll           sync.Mutex
}

// CacheOption configures a Cache at construction time.
type CacheOption func(*Cache)

func WithEvidenceWriter(w ppcio.Writer) CacheOption { return func(c *Cache) { c.evidenceWriter = w } }
func WithConcurrencyLimit(n int) CacheOption        { return func(c *Cache) { c.concurrencyLimit = n } }
func WithPartnerInputsSize(n uint32) CacheOption    { return func(c *Cache) { c.partnerInputsSize = n } }
func WithCallbacks(onSelfReady, onAllReady func(), onFinished func(Status, *IntersectionSummary, *errs.TaskError)) CacheOption {
	return func(c *Cache) {
		c.onSelfCiphersReady = onSelfReady
		c.onAllCiphersReady = onAllReady
		c.onTaskFinished = onFinished
	}
}

func NewCache(taskID string, curve cryptosuite.Curve, hash cryptosuite.Hash, reader ppcio.Reader, resultWriter, indexWriter ppcio.Writer, opts ...CacheOption) *Cache {
	c := &Cache{
		taskID:           taskID,
		curve:            curve,
		hash:             hash,
		reader:           reader,
		resultWriter:     resultWriter,
		indexWriter:      indexWriter,
		concurrencyLimit: DefaultConcurrencyLimit,
		startTime:        time.Now(),
		ecdhCiphersMap:   make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the one-shot self-cipher preparation in the background
// (BsEcdhCache::start's threadPool.enqueue).
func (c *Cache) Start(ctx context.Context) {
	go c.prepareCipher(ctx)
}

func (c *Cache) appendEvidence(tag string, values ...string) {
	if c.evidenceWriter == nil {
		return
	}
	for _, v := range values {
		if err := c.evidenceWriter.WriteBytes([]byte(tag + "," + v + "\n")); err != nil {
			log.Warn("append evidence failed", "task", c.taskID, "tag", tag, "err", err)
		}
	}
}

func (c *Cache) genCipher(input []byte) ([]byte, error) {
	point, err := c.curve.HashToPoint(c.hash, input)
	if err != nil {
		return nil, err
	}
	return c.curve.Blind(point, c.key)
}

func (c *Cache) genEcdhCipher(point []byte) ([]byte, error) {
	return c.curve.Blind(point, c.key)
}

// prepareCipher loads this party's own dataset, generates a fresh
// private scalar, and blinds every row with it (BsEcdhCache::
// prepareCipher + generateKey + genCipherWithBase64).
func (c *Cache) prepareCipher(ctx context.Context) {
	batch, err := c.reader.Next(ppcio.ReadAll, ppcio.SchemaString)
	if err != nil {
		c.onSelfException("prepareCipher", errs.Wrap(err, errs.LoadDataFailed, "load bs-ecdh-psi input"))
		return
	}
	inputs := make([][]byte, batch.Len())
	for i := 0; i < batch.Len(); i++ {
		inputs[i] = []byte(batch.GetString(i))
	}
	if len(inputs) == 0 {
		c.onSelfException("prepareCipher", errs.New(errs.LoadDataFailed, "data is empty"))
		return
	}

	key, err := c.curve.NewPrivateScalar()
	if err != nil {
		c.onSelfException("prepareCipher", errs.Wrap(err, errs.OnException, "generate key"))
		return
	}
	c.key = key
	c.appendEvidence("WB KEY", base64.StdEncoding.EncodeToString(key))

	c.originInputs = inputs
	c.inputsSize = uint32(len(inputs))
	ciphers := make([][]byte, len(inputs))
	err = psi.RunBatch(ctx, len(inputs), c.concurrencyLimit, func(_ context.Context, i int) error {
		cipher, err := c.genCipher(inputs[i])
		if err != nil {
			return err
		}
		ciphers[i] = cipher
		return nil
	})
	if err != nil {
		c.onSelfException("prepareCipher", errs.Wrap(err, errs.OnException, "blind own dataset"))
		return
	}
	c.ciphers = ciphers

	encoded := make([]string, len(ciphers))
	for i, cipher := range ciphers {
		encoded[i] = base64.StdEncoding.EncodeToString(cipher)
	}
	c.appendEvidence("WB CIPHERS", encoded...)

	c.muSelf.Lock()
	c.ecdhCiphers = make([][]byte, c.inputsSize)
	c.ecdhCipherFlags = make([]bool, c.inputsSize)
	c.muSelf.Unlock()

	c.mu.Lock()
	c.step = StepProcessingSelfCiphers
	c.mu.Unlock()

	if c.onSelfCiphersReady != nil {
		c.onSelfCiphersReady()
	}
}

// FetchCipherRange returns this party's own once-blinded ciphers,
// base64-encoded, in [offset, offset+size) clamped to inputsSize
// (BsEcdhCache::fetchCipher).
func (c *Cache) FetchCipherRange(offset, size uint32) (total uint32, ciphers []string, err error) {
	c.muSelf.RLock()
	defer c.muSelf.RUnlock()
	if c.selfEcdhCiphersReady {
		return 0, nil, errs.New(errs.TaskIsNotRunning, "WB ciphers have been processed")
	}
	end := offset + size
	if end >= c.inputsSize {
		end = c.inputsSize
	}
	if offset > end {
		offset = end
	}
	out := make([]string, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, base64.StdEncoding.EncodeToString(c.ciphers[i]))
	}
	return c.inputsSize, out, nil
}

func findCurrentIndex(flags []bool, offset, total uint32) uint32 {
	final := offset
	for {
		final++
		if final >= total || !flags[final] {
			break
		}
	}
	return final
}

// OnEcdhCipherReceived stores the browser-doubly-blinded version of this
// party's own dataset (BsEcdhCache::onEcdhCipherReceived); ecdhCiphers is
// base64-decoded by the caller's RPC boundary, index-aligned starting at
// offset.
func (c *Cache) OnEcdhCipherReceived(ctx context.Context, offset uint32, ecdhCiphers [][]byte) error {
	c.muSelf.Lock()
	if c.selfEcdhCiphersReady {
		c.muSelf.Unlock()
		return nil
	}

	end := offset + uint32(len(ecdhCiphers))
	if end >= c.inputsSize {
		end = c.inputsSize
	}
	for i := offset; i < end; i++ {
		if !c.ecdhCipherFlags[i] {
			c.ecdhCipherFlags[i] = true
			c.receivedEcdhCipherCount++
		}
		c.ecdhCiphers[i] = ecdhCiphers[i-offset]
	}
	if offset == c.selfIndex {
		c.selfIndex = findCurrentIndex(c.ecdhCipherFlags, offset, c.inputsSize)
	}
	ready := c.receivedEcdhCipherCount == c.inputsSize
	if ready {
		c.selfEcdhCiphersReady = true
	}
	c.muSelf.Unlock()

	c.recordProgress()

	if ready {
		c.mu.Lock()
		c.step = StepProcessingPartnerCiphers
		c.mu.Unlock()
		go c.onAllSelfEcdhCiphersReady(ctx)
	}
	return nil
}

// OnPartnerCipherReceived stores the partner agency's once-blinded
// dataset (relayed through the browser) and re-blinds every received
// point with this party's own key (BsEcdhCache::onPartnerCipherReceived).
// total is the partner's self-reported dataset size, used only the first
// time partnerInputsSize wasn't already known from the task request
// ("compatible with older versions").
func (c *Cache) OnPartnerCipherReceived(ctx context.Context, offset uint32, partnerCiphers [][]byte, total uint32) error {
	c.muPartner.Lock()
	if c.partnerEcdhCiphersReady {
		c.muPartner.Unlock()
		return nil
	}

	if len(c.partnerCiphers) == 0 {
		if c.partnerInputsSize == 0 {
			c.partnerInputsSize = total
		}
		c.partnerCiphers = make([][]byte, c.partnerInputsSize)
		c.partnerEcdhCiphers = make([][]byte, c.partnerInputsSize)
		c.partnerCipherFlags = make([]bool, c.partnerInputsSize)
	}

	end := offset + uint32(len(partnerCiphers))
	if end >= c.partnerInputsSize {
		end = c.partnerInputsSize
	}
	for i := offset; i < end; i++ {
		if !c.partnerCipherFlags[i] {
			c.partnerCipherFlags[i] = true
			c.receivedPartnerCipherCount++
		}
		c.partnerCiphers[i] = partnerCiphers[i-offset]
	}

	n := int(end - offset)
	err := psi.RunBatch(ctx, n, c.concurrencyLimit, func(_ context.Context, i int) error {
		index := offset + uint32(i)
		cipher, err := c.genEcdhCipher(partnerCiphers[i])
		if err != nil {
			return err
		}
		c.partnerEcdhCiphers[index] = cipher
		return nil
	})
	if offset == c.partnerIndex {
		c.partnerIndex = findCurrentIndex(c.partnerCipherFlags, offset, c.partnerInputsSize)
	}
	ready := c.receivedPartnerCipherCount == c.partnerInputsSize
	if ready {
		c.partnerEcdhCiphersReady = true
	}
	c.muPartner.Unlock()

	if err != nil {
		return errs.Wrap(err, errs.OnException, "compute partner ecdh ciphers")
	}

	c.recordProgress()

	if ready {
		go c.onAllPartnerEcdhCiphersReady(ctx)
	}
	return nil
}

func (c *Cache) recordProgress() {
	c.muSelf.RLock()
	self := c.receivedEcdhCipherCount
	inputsSize := c.inputsSize
	c.muSelf.RUnlock()
	c.muPartner.RLock()
	partner := c.receivedPartnerCipherCount
	partnerSize := c.partnerInputsSize
	c.muPartner.RUnlock()

	total := inputsSize + partnerSize
	if total == 0 {
		total = 1
	}
	progress := (uint64(self) + uint64(partner)) * 100 / uint64(total)

	c.mu.Lock()
	c.progress = uint32(progress)
	c.mu.Unlock()
}

func (c *Cache) Progress() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

func (c *Cache) Step() Step {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.step
}

// Index reports the current index into whichever half is still being
// received, matching BsEcdhCache::index()'s step-dependent selection.
func (c *Cache) Index() uint32 {
	switch c.Step() {
	case StepProcessingSelfCiphers:
		c.muSelf.RLock()
		defer c.muSelf.RUnlock()
		return c.selfIndex
	case StepProcessingPartnerCiphers:
		c.muPartner.RLock()
		defer c.muPartner.RUnlock()
		return c.partnerIndex
	default:
		return 0
	}
}

func (c *Cache) onAllSelfEcdhCiphersReady(ctx context.Context) {
	c.muSelf.Lock()
	for i := uint32(0); i < c.inputsSize; i++ {
		c.ecdhCiphersMap[string(c.ecdhCiphers[i])] = i
	}
	encoded := make([]string, len(c.ecdhCiphers))
	for i, v := range c.ecdhCiphers {
		encoded[i] = base64.StdEncoding.EncodeToString(v)
	}
	// release memory the original frees at this point.
	c.ciphers = nil
	c.ecdhCiphers = nil
	c.ecdhCipherFlags = nil
	c.muSelf.Unlock()

	c.appendEvidence("WB ECDH CIPHERS", encoded...)

	c.muPartner.RLock()
	partnerReady := c.partnerEcdhCiphersReady
	c.muPartner.RUnlock()
	if partnerReady {
		c.onAllEcdhCiphersReady(ctx)
	}
}

func (c *Cache) onAllPartnerEcdhCiphersReady(ctx context.Context) {
	c.muSelf.RLock()
	selfReady := c.selfEcdhCiphersReady
	c.muSelf.RUnlock()
	if selfReady {
		c.onAllEcdhCiphersReady(ctx)
	}
}

// onAllEcdhCiphersReady computes the intersection once both halves are
// doubly blinded, writes the result/index/evidence outputs, and reports
// the terminal summary through onTaskFinished (BsEcdhCache::
// onAllEcdhCiphersReady).
func (c *Cache) onAllEcdhCiphersReady(ctx context.Context) {
	c.muAll.Lock()
	if c.allCiphersReady {
		c.muAll.Unlock()
		return
	}
	c.allCiphersReady = true
	c.muAll.Unlock()

	if c.onAllCiphersReady != nil {
		c.onAllCiphersReady()
	}
	c.mu.Lock()
	c.step = StepComputingResults
	c.mu.Unlock()

	c.muPartner.Lock()
	encoded := make([]string, len(c.partnerCiphers))
	for i, v := range c.partnerCiphers {
		encoded[i] = base64.StdEncoding.EncodeToString(v)
	}
	c.appendEvidence("PARTNER CIPHERS", encoded...)
	c.partnerCiphers = nil
	c.partnerCipherFlags = nil
	partnerEcdhCiphers := c.partnerEcdhCiphers
	c.muPartner.Unlock()

	if c.evidenceWriter != nil {
		if err := c.evidenceWriter.Flush(); err != nil {
			log.Warn("flush evidence failed", "task", c.taskID, "err", err)
		}
		if _, err := c.evidenceWriter.Upload(); err != nil {
			log.Warn("upload evidence failed", "task", c.taskID, "err", err)
		}
	}

	intersections := make(map[string]struct{})
	indexes := make([]string, 0)
	var dumpSize int
	for i, cipher := range partnerEcdhCiphers {
		index, ok := c.ecdhCiphersMap[string(cipher)]
		if !ok {
			continue
		}
		data := string(c.originInputs[index])
		if _, seen := intersections[data]; seen {
			dumpSize++
			continue
		}
		intersections[data] = struct{}{}
		indexes = append(indexes, strconv.Itoa(i))
	}
	c.originInputs = nil
	c.ecdhCiphersMap = nil

	result := make([][]byte, 0, len(intersections))
	for data := range intersections {
		result = append(result, []byte(data))
	}

	if err := c.writeResults(result, indexes); err != nil {
		c.onSelfException("onAllEcdhCiphersReady", err)
		return
	}

	resultFile, err := c.resultWriter.Upload()
	if err != nil {
		c.onSelfException("onAllEcdhCiphersReady", errs.Wrap(err, errs.OpenFileFailed, "upload result"))
		return
	}
	indexFile, err := c.indexWriter.Upload()
	if err != nil {
		c.onSelfException("onAllEcdhCiphersReady", errs.Wrap(err, errs.OpenFileFailed, "upload index"))
		return
	}

	log.Info("bs-ecdh-psi task done", "task", c.taskID, "inputsSize", c.inputsSize,
		"partnerInputsSize", c.partnerInputsSize, "resultCount", len(result), "dumpSize", dumpSize)

	if c.onTaskFinished != nil {
		c.onTaskFinished(StatusCompleted, &IntersectionSummary{
			Count:      uint32(len(result)),
			Party0Size: c.inputsSize,
			Party1Size: c.partnerInputsSize,
			TimeCost:   time.Since(c.startTime),
			ResultFile: resultFile,
			IndexFile:  indexFile,
		}, nil)
	}
}

func (c *Cache) writeResults(result [][]byte, indexes []string) error {
	for _, v := range result {
		if err := c.resultWriter.WriteBytes(append(v, '\n')); err != nil {
			return errs.Wrap(err, errs.OpenFileLineWriterException, "write result row")
		}
	}
	if err := c.resultWriter.Flush(); err != nil {
		return errs.Wrap(err, errs.HDFSFlushFailed, "flush results")
	}
	for _, v := range indexes {
		if err := c.indexWriter.WriteBytes([]byte(v + "\n")); err != nil {
			return errs.Wrap(err, errs.OpenFileLineWriterException, "write index row")
		}
	}
	return c.indexWriter.Flush()
}

func (c *Cache) onSelfException(module string, err error) {
	log.Warn("bs-ecdh-psi self exception", "task", c.taskID, "module", module, "err", err)
	if c.onTaskFinished != nil {
		c.onTaskFinished(StatusFailed, nil, errs.Wrap(err, errs.OnException, "task failed: "+module))
	}
}

