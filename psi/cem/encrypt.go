package cem

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/ppcio"
	"github.com/wedpr-lab/ppc-node/psi"
)

// EncryptDataset is the local dataset transform CEMService::doEncryptDataset
// performs before a CEM match: the first column (id) passes through
// unencrypted, every other column is hex-encoded ciphertext produced by
// cipher.Encrypt. It has no wire counterpart — a node runs it against its
// own dataset before offering it for matching.
func EncryptDataset(ctx context.Context, reader ppcio.Reader, writer ppcio.Writer, cipher Cipher, batchLines int, concurrencyLimit int) error {
	header, err := reader.Next(1, ppcio.SchemaString)
	if err != nil {
		return errs.Wrap(err, errs.LoadDataFailed, "read dataset header")
	}
	headerLine := strings.TrimRight(header.GetString(0), "\r")
	headerBatch := ppcio.NewDataBatch(ppcio.SchemaString)
	headerBatch.Append(headerLine)
	if err := writer.WriteLine(headerBatch, ppcio.SchemaString, []byte("\n")); err != nil {
		return errs.Wrap(err, errs.OpenFileLineWriterException, "write ciphertext header")
	}

	for {
		batch, err := reader.Next(batchLines, ppcio.SchemaString)
		if err != nil {
			break
		}
		lines := make([]string, batch.Len())
		for i := 0; i < batch.Len(); i++ {
			lines[i] = batch.GetString(i)
		}
		out := make([]string, len(lines))
		encErr := psi.RunBatch(ctx, len(lines), concurrencyLimit, func(_ context.Context, i int) error {
			cols := strings.Split(strings.TrimRight(lines[i], "\r"), ",")
			var b strings.Builder
			for j, col := range cols {
				col = strings.TrimSpace(col)
				if j == 0 {
					b.WriteString(col)
					continue
				}
				ciphertext, err := cipher.Encrypt([]byte(col))
				if err != nil {
					return errs.Wrap(err, errs.OnException, "encrypt dataset field")
				}
				b.WriteByte(',')
				b.WriteString(hex.EncodeToString(ciphertext))
			}
			out[i] = b.String()
			return nil
		})
		if encErr != nil {
			return encErr
		}
		outBatch := ppcio.NewDataBatch(ppcio.SchemaString)
		for _, line := range out {
			outBatch.Append(line)
		}
		if err := writer.WriteLine(outBatch, ppcio.SchemaString, []byte("\n")); err != nil {
			return errs.Wrap(err, errs.OpenFileLineWriterException, "write ciphertext batch")
		}
	}
	return writer.Flush()
}
