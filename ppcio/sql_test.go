package ppcio

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// newBufferedSQLReader builds a SQLReader around already-fetched rows,
// bypassing the network dial NewSQLReader performs — Next's pagination
// over the buffer is what this package is responsible for, not the
// go-sql-driver/mysql wiring itself.
func newBufferedSQLReader(columns []string, rows [][]string) *SQLReader {
	return &SQLReader{columns: columns, rows: rows}
}

func TestSQLReaderReadAllDrainsBuffer(t *testing.T) {
	r := newBufferedSQLReader([]string{"id"}, [][]string{{"1"}, {"2"}, {"3"}})
	batch, err := r.Next(ReadAll, SchemaString)
	require.NoError(t, err)
	require.Equal(t, 3, batch.Len())

	_, err = r.Next(ReadAll, SchemaString)
	require.ErrorIs(t, err, io.EOF)
}

func TestSQLReaderPaginatesBySize(t *testing.T) {
	r := newBufferedSQLReader([]string{"id"}, [][]string{{"1"}, {"2"}, {"3"}})
	first, err := r.Next(2, SchemaString)
	require.NoError(t, err)
	require.Equal(t, 2, first.Len())

	second, err := r.Next(2, SchemaString)
	require.NoError(t, err)
	require.Equal(t, 1, second.Len())

	_, err = r.Next(2, SchemaString)
	require.ErrorIs(t, err, io.EOF)
}

func TestSQLReaderColumnSize(t *testing.T) {
	r := newBufferedSQLReader([]string{"a", "b", "c"}, nil)
	require.Equal(t, 3, r.ColumnSize())
}
