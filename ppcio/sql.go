package ppcio

import (
	"database/sql"
	"io"

	_ "github.com/go-sql-driver/mysql"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// SQLReader is the SQL-backed Reader of spec.md §4.1: the whole result
// set of a single query is buffered up front, so Next(ReadAll, ...) is
// the only call that makes sense and Next with a bounded size still
// slices rows out of that buffer rather than re-querying.
type SQLReader struct {
	db      *sql.DB
	columns []string
	rows    [][]string
	cursor  int
}

func NewSQLReader(opt protocol.SQLConnectionOption, query string) (*SQLReader, error) {
	db, err := sql.Open("mysql", opt.DSN)
	if err != nil {
		return nil, errs.Wrap(err, errs.ConnectionOptionNotFound, "open sql connection")
	}
	rows, err := db.Query(query)
	if err != nil {
		_ = db.Close()
		return nil, errs.Wrap(err, errs.LoadDataResourceException, "execute query")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		_ = db.Close()
		return nil, errs.Wrap(err, errs.LoadDataResourceException, "read columns")
	}

	var buffered [][]string
	scan := make([]interface{}, len(columns))
	dest := make([]sql.NullString, len(columns))
	for i := range scan {
		scan[i] = &dest[i]
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			_ = db.Close()
			return nil, errs.Wrap(err, errs.LoadDataResourceException, "scan row")
		}
		row := make([]string, len(columns))
		for i, d := range dest {
			row[i] = d.String
		}
		buffered = append(buffered, row)
	}
	if err := rows.Err(); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(err, errs.LoadDataResourceException, "iterate rows")
	}

	return &SQLReader{db: db, columns: columns, rows: buffered}, nil
}

func (r *SQLReader) ColumnSize() int { return len(r.columns) }

// Capacity returns the total byte length of every buffered column value.
func (r *SQLReader) Capacity() (int64, error) {
	var n int64
	for _, row := range r.rows {
		for _, col := range row {
			n += int64(len(col))
		}
	}
	return n, nil
}

// Next returns up to size buffered rows, flattened row by row: every
// column value of every row becomes its own schema-tagged element, so a
// batch of n rows holds n*ColumnSize() elements. size == ReadAll is required to drain a SQLReader in a single
// call and is the mode every caller in this codebase uses.
func (r *SQLReader) Next(size int, schema Schema) (*DataBatch, error) {
	if r.cursor >= len(r.rows) {
		return nil, io.EOF
	}
	end := len(r.rows)
	if size != ReadAll && r.cursor+size < end {
		end = r.cursor + size
	}
	batch := NewDataBatch(schema)
	for _, row := range r.rows[r.cursor:end] {
		for _, col := range row {
			batch.Append(bytesOrString(schema, []byte(col)))
		}
	}
	r.cursor = end
	return batch, nil
}

func (r *SQLReader) ReadBytes() ([]byte, error) {
	return nil, errs.New(errs.UnSupportedDataResource, "ReadBytes is not meaningful for a SQL source")
}

func (r *SQLReader) Close() error {
	if err := r.db.Close(); err != nil {
		return errs.Wrap(err, errs.LoadDataResourceException, "close sql connection")
	}
	return nil
}

// SQLWriter appends rows to an existing table via parameterized INSERTs
// (spec.md §4.1).
type SQLWriter struct {
	db       *sql.DB
	insertSQL string
}

func NewSQLWriter(opt protocol.SQLConnectionOption, insertSQL string) (*SQLWriter, error) {
	db, err := sql.Open("mysql", opt.DSN)
	if err != nil {
		return nil, errs.Wrap(err, errs.ConnectionOptionNotFound, "open sql connection")
	}
	return &SQLWriter{db: db, insertSQL: insertSQL}, nil
}

func (w *SQLWriter) WriteLine(batch *DataBatch, schema Schema, _ []byte) error {
	for i := 0; i < batch.Len(); i++ {
		b, err := batch.ToBytes(i)
		if err != nil {
			return err
		}
		if _, err := w.db.Exec(w.insertSQL, string(b)); err != nil {
			return errs.Wrap(err, errs.LoadDataResourceException, "insert row")
		}
	}
	return nil
}

func (w *SQLWriter) WriteBytes(_ []byte) error {
	return errs.New(errs.UnSupportedDataResource, "WriteBytes is not meaningful for a SQL sink")
}

func (w *SQLWriter) Flush() error { return nil }

func (w *SQLWriter) Close() error {
	if err := w.db.Close(); err != nil {
		return errs.Wrap(err, errs.LoadDataResourceException, "close sql connection")
	}
	return nil
}

func (w *SQLWriter) Upload() (*FileInfo, error) {
	return &FileInfo{}, nil
}
