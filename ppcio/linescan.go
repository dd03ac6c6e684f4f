package ppcio

import (
	"bufio"
	"io"
)

// readStreamLine reads one line from br using the same splitting rule as
// the mmap FileReader: '\n' terminates, '\r' is dropped silently, and a
// final line with no terminator is still returned once the stream is
// exhausted (spec.md §4.1).
func readStreamLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadBytes('\n')
		if len(chunk) > 0 {
			if chunk[len(chunk)-1] == '\n' {
				chunk = chunk[:len(chunk)-1]
				line = append(line, dropCR(chunk)...)
				return line, nil
			}
			line = append(line, dropCR(chunk)...)
		}
		if err != nil {
			if err == io.EOF {
				if len(line) == 0 {
					return nil, io.EOF
				}
				return line, nil
			}
			return nil, err
		}
	}
}

// readLinesInto pulls up to size lines (ReadAll for every remaining line)
// from br into batch, returning io.EOF only when zero rows were read.
func readLinesInto(br *bufio.Reader, size int, schema Schema, batch *DataBatch) error {
	rows := 0
	for size == ReadAll || rows < size {
		line, err := readStreamLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		batch.Append(bytesOrString(schema, line))
		rows++
	}
	if rows == 0 {
		return io.EOF
	}
	return nil
}
