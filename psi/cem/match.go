package cem

import (
	"context"
	"encoding/hex"
	"strings"
	"sync/atomic"

	"github.com/wedpr-lab/ppc-node/psi"
)

// Matcher accumulates per-field match counts across batches of CSV rows,
// ported from CEMService::doCipherTextEqualityMatch: the header row names
// the file's columns, the requested field names are resolved against it in
// file-column order, and every subsequent row is compared column-by-column
// against the requester's ciphertext field values.
type Matcher struct {
	FieldNames  []string
	fieldValues [][]byte
	cipher      Cipher

	columnIdx []int
	fieldIdx  []int
	counts    []uint64
}

// NewMatcher builds a Matcher for one CemBatchRequest. fieldValues must be
// index-aligned with fieldNames exactly as the requester sent them.
func NewMatcher(fieldNames []string, fieldValues [][]byte, cipher Cipher) *Matcher {
	return &Matcher{
		FieldNames:  fieldNames,
		fieldValues: fieldValues,
		cipher:      cipher,
		counts:      make([]uint64, len(fieldNames)),
	}
}

// ConsumeHeader resolves which comma-separated columns of the dataset this
// matcher must compare, in file-column order (the original's
// matchFieldColumnIndexs).
func (m *Matcher) ConsumeHeader(headerLine string) {
	fileFields := strings.Split(headerLine, ",")
	m.columnIdx = m.columnIdx[:0]
	m.fieldIdx = m.fieldIdx[:0]
	for i, fileField := range fileFields {
		fileField = strings.TrimSpace(fileField)
		for k, fieldName := range m.FieldNames {
			if strings.TrimSpace(fieldName) == fileField {
				m.columnIdx = append(m.columnIdx, i)
				m.fieldIdx = append(m.fieldIdx, k)
				break
			}
		}
	}
}

// ConsumeBatch scans one batch of dataset lines, comparing every resolved
// column's hex-decoded ciphertext against the matcher's field values and
// accumulating per-field hit counts. Rows are compared concurrently via
// psi.RunBatch, mirroring the original's nested tbb::parallel_for over rows
// and matched columns.
func (m *Matcher) ConsumeBatch(ctx context.Context, lines []string, concurrencyLimit int) error {
	return psi.RunBatch(ctx, len(lines), concurrencyLimit, func(_ context.Context, i int) error {
		line := strings.TrimRight(lines[i], "\r")
		cols := strings.Split(line, ",")
		for j, colIdx := range m.columnIdx {
			k := m.fieldIdx[j]
			if k >= len(m.fieldValues) || colIdx >= len(cols) {
				continue
			}
			fileValue, err := hex.DecodeString(strings.TrimSpace(cols[colIdx]))
			if err != nil {
				continue
			}
			if m.cipher.Equal(fileValue, m.fieldValues[k]) {
				atomic.AddUint64(&m.counts[k], 1)
			}
		}
		return nil
	})
}

// Counts returns a snapshot of the per-field match counts, index-aligned
// with FieldNames.
func (m *Matcher) Counts() []uint64 {
	out := make([]uint64, len(m.counts))
	for i := range m.counts {
		out[i] = atomic.LoadUint64(&m.counts[i])
	}
	return out
}
