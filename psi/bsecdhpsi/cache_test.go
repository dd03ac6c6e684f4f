package bsecdhpsi

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wedpr-lab/ppc-node/cryptosuite"
	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/ppcio"
)

type cacheFixture struct {
	cache      *Cache
	resultPath string
	indexPath  string
}

func newCacheForTest(t *testing.T, rows []string, partnerInputsSize uint32) *cacheFixture {
	t.Helper()
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "self.csv")
	content := ""
	if len(rows) > 0 {
		content = strings.Join(rows, "\n") + "\n"
	}
	require.NoError(t, os.WriteFile(dataPath, []byte(content), 0o644))
	resultPath := filepath.Join(dir, "result.csv")
	indexPath := resultPath + IndexFileSuffix

	reader, err := ppcio.NewFileReader(dataPath, ppcio.ReadAll)
	require.NoError(t, err)
	resultWriter, err := ppcio.NewFileWriter(resultPath, true)
	require.NoError(t, err)
	indexWriter, err := ppcio.NewFileWriter(indexPath, true)
	require.NoError(t, err)

	c := NewCache("task-1", cryptosuite.NewED25519(), cryptosuite.NewSHA256(), reader, resultWriter, indexWriter,
		WithPartnerInputsSize(partnerInputsSize))
	return &cacheFixture{cache: c, resultPath: resultPath, indexPath: indexPath}
}

func TestPrepareCipherBlindsOwnDataset(t *testing.T) {
	f := newCacheForTest(t, []string{"a", "b", "c"}, 3)
	f.cache.prepareCipher(context.Background())

	require.Equal(t, StepProcessingSelfCiphers, f.cache.Step())
	require.Equal(t, uint32(3), f.cache.inputsSize)
	require.Len(t, f.cache.ciphers, 3)
	for _, cipher := range f.cache.ciphers {
		require.NotEmpty(t, cipher)
	}
}

func TestPrepareCipherFailsOnEmptyDataset(t *testing.T) {
	f := newCacheForTest(t, nil, 0)
	var failErr *errs.TaskError
	done := make(chan struct{})
	f.cache.onTaskFinished = func(status Status, _ *IntersectionSummary, ferr *errs.TaskError) {
		failErr = ferr
		close(done)
	}

	f.cache.prepareCipher(context.Background())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onTaskFinished was never called")
	}
	require.NotNil(t, failErr)
	require.Equal(t, StepPreparing, f.cache.Step())
}

func TestFetchCipherRangeClampsToInputsSize(t *testing.T) {
	f := newCacheForTest(t, []string{"a", "b", "c"}, 3)
	f.cache.prepareCipher(context.Background())

	total, ciphers, err := f.cache.FetchCipherRange(0, 10)
	require.NoError(t, err)
	require.Equal(t, uint32(3), total)
	require.Len(t, ciphers, 3)

	total, ciphers, err = f.cache.FetchCipherRange(2, 10)
	require.NoError(t, err)
	require.Equal(t, uint32(3), total)
	require.Len(t, ciphers, 1)
}

func TestFetchCipherRangeRejectedOnceSelfCiphersProcessed(t *testing.T) {
	f := newCacheForTest(t, []string{"a"}, 1)
	f.cache.prepareCipher(context.Background())
	f.cache.muSelf.Lock()
	f.cache.selfEcdhCiphersReady = true
	f.cache.muSelf.Unlock()

	_, _, err := f.cache.FetchCipherRange(0, 1)
	require.Error(t, err)
}

// TestFullIntersection exercises the doubly-blinded exchange end to end
// with real curve math: self blinds its own set and gets it back
// doubly-blinded with a second key, and the partner's rows, once-blinded
// with that same second key, are re-blinded here with this party's key.
// Both halves then carry both keys, so the result must be exactly the two
// datasets' common rows.
func TestFullIntersection(t *testing.T) {
	selfRows := []string{"alice", "bob", "carol"}
	f := newCacheForTest(t, selfRows, 0)
	c := f.cache

	done := make(chan struct{})
	var finishedSummary *IntersectionSummary
	c.onTaskFinished = func(status Status, summary *IntersectionSummary, ferr *errs.TaskError) {
		require.Equal(t, StatusCompleted, status)
		require.Nil(t, ferr)
		finishedSummary = summary
		close(done)
	}

	ctx := context.Background()
	c.prepareCipher(ctx)
	require.Len(t, c.ciphers, 3)

	curve := cryptosuite.NewED25519()
	hash := cryptosuite.NewSHA256()

	// the second key, used to doubly-blind self's once-blinded ciphers
	// before relaying them back via SendEcdhCipher.
	browserKey, err := curve.NewPrivateScalar()
	require.NoError(t, err)
	doublyBlinded := make([][]byte, len(c.ciphers))
	for i, cipher := range c.ciphers {
		doublyBlinded[i], err = curve.Blind(cipher, browserKey)
		require.NoError(t, err)
	}
	require.NoError(t, c.OnEcdhCipherReceived(ctx, 0, doublyBlinded))

	// partner's dataset: two rows in common with self ("bob", "carol"),
	// one not ("dave"), once-blinded with the same second key that
	// doubly-blinded self's ciphers above, so the cache's own re-blinding
	// puts both halves in the same doubly-blinded space.
	partnerRows := []string{"bob", "carol", "dave"}
	partnerKey := browserKey
	require.NoError(t, err)
	partnerOnceBlinded := make([][]byte, len(partnerRows))
	for i, row := range partnerRows {
		point, err := curve.HashToPoint(hash, []byte(row))
		require.NoError(t, err)
		partnerOnceBlinded[i], err = curve.Blind(point, partnerKey)
		require.NoError(t, err)
	}
	require.NoError(t, c.OnPartnerCipherReceived(ctx, 0, partnerOnceBlinded, uint32(len(partnerRows))))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onTaskFinished was never called")
	}

	require.NotNil(t, finishedSummary)
	require.Equal(t, uint32(2), finishedSummary.Count)
	require.Equal(t, uint32(3), finishedSummary.Party0Size)
	require.Equal(t, uint32(3), finishedSummary.Party1Size)

	result, err := os.ReadFile(f.resultPath)
	require.NoError(t, err)
	lines := nonEmptyLines(string(result))
	sort.Strings(lines)
	require.Equal(t, []string{"bob", "carol"}, lines)

	index, err := os.ReadFile(f.indexPath)
	require.NoError(t, err)
	require.Len(t, nonEmptyLines(string(index)), 2)
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
