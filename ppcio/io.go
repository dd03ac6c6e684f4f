package ppcio

import "io"

// ReadAll tells Reader.Next to read every remaining row in one call,
// required for SQL and permitted for file/HDFS (spec.md §4.1).
const ReadAll = -1

// Reader is the uniform contract every Line I/O backend implements
// (spec.md §4.1).
type Reader interface {
	// Next returns up to size logical rows decoded under schema, or
	// io.EOF when the source is exhausted. size == ReadAll reads
	// everything remaining in one batch.
	Next(size int, schema Schema) (*DataBatch, error)
	// ReadBytes returns the full underlying bytes without line
	// splitting.
	ReadBytes() ([]byte, error)
	// Capacity returns the source length in bytes.
	Capacity() (int64, error)
	// ColumnSize returns the column count (1 for file/HDFS, N for SQL).
	ColumnSize() int
	io.Closer
}

// Writer is the uniform contract every Line I/O sink implements
// (spec.md §4.1).
type Writer interface {
	// WriteLine serializes each element of batch (under schema)
	// followed by splitter.
	WriteLine(batch *DataBatch, schema Schema, splitter []byte) error
	// WriteBytes writes raw bytes with no splitting.
	WriteBytes(data []byte) error
	Flush() error
	// Upload publishes the output (HDFS/remote variants) and returns
	// the resulting FileInfo; local file writers return a FileInfo with
	// only Path populated.
	Upload() (*FileInfo, error)
	io.Closer
}

// FileInfo is populated by Writer.Upload (spec.md §4.1).
type FileInfo struct {
	Path     string
	BizSeqNo string
	FileID   string
	FileMd5  string
}
