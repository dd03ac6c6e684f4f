package ppcio

import (
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/wedpr-lab/ppc-node/errs"
)

// DefaultMmapGranularity matches the original's `500 * 1024 * pageSize`
// default window size.
var DefaultMmapGranularity = int64(500 * 1024 * os.Getpagesize())

// FileReader is the mmap-backed LineReader of spec.md §4.1. It maps the
// file in fixed-size windows equal to mmapGranularity (which must be a
// multiple of the system page size), advancing a separate logical read
// pointer across windows and stitching lines that straddle a window
// boundary.
type FileReader struct {
	path             string
	file             *os.File
	length           int64
	mmapGranularity  int64
	offset           int64 // start of the currently mapped window
	window           mmap.MMap
	windowPos        int64 // read pointer within the current window
	pending          []byte // bytes of a line not yet terminated, carried across windows
	lineSplitter     byte
}

// NewFileReader opens path for mmap'd reading. mmapGranularity == -1
// selects DefaultMmapGranularity; any other value must be a multiple of
// the OS page size or construction fails with InvalidMmapGranularity
// (spec.md §4.1, §8).
func NewFileReader(path string, mmapGranularity int64) (*FileReader, error) {
	pageSize := int64(os.Getpagesize())
	if mmapGranularity == -1 {
		mmapGranularity = DefaultMmapGranularity
	}
	if mmapGranularity%pageSize != 0 {
		return nil, errs.New(errs.InvalidMmapGranularity, "mmapGranularity must be a multiple of the page size")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.OpenFileFailed, "stat "+path)
	}
	if info.IsDir() {
		return nil, errs.New(errs.OpenFileFailed, path+" is a directory")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.OpenFileFailed, "open "+path)
	}

	return &FileReader{
		path:            path,
		file:            f,
		length:          info.Size(),
		mmapGranularity: mmapGranularity,
		lineSplitter:    '\n',
	}, nil
}

func (r *FileReader) ColumnSize() int { return 1 }

func (r *FileReader) Capacity() (int64, error) { return r.length, nil }

func (r *FileReader) ReadBytes() ([]byte, error) {
	buf := make([]byte, r.length)
	if _, err := r.file.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, errs.Wrap(err, errs.OpenFileFailed, "read all bytes")
	}
	return buf, nil
}

func (r *FileReader) Close() error {
	if r.window != nil {
		_ = r.window.Unmap()
		r.window = nil
	}
	return r.file.Close()
}

func (r *FileReader) readFinished() bool {
	return r.offset >= r.length
}

// allocateWindow maps the next window if the current one is exhausted.
func (r *FileReader) allocateWindow() error {
	if r.window != nil && r.windowPos < int64(len(r.window)) {
		return nil
	}
	if r.window != nil {
		if err := r.window.Unmap(); err != nil {
			return errs.Wrap(err, errs.OpenFileFailed, "unmap window")
		}
		r.window = nil
	}
	if r.readFinished() {
		return io.EOF
	}
	size := r.mmapGranularity
	if remain := r.length - r.offset; remain < size {
		size = remain
	}
	window, err := mmap.MapRegion(r.file, int(size), mmap.RDONLY, 0, r.offset)
	if err != nil {
		return errs.Wrap(err, errs.OpenFileFailed, "mmap window")
	}
	r.window = window
	r.windowPos = 0
	return nil
}

// Next implements Reader (spec.md §4.1). size == ReadAll reads every
// remaining row.
func (r *FileReader) Next(size int, schema Schema) (*DataBatch, error) {
	batch := NewDataBatch(schema)
	rows := 0
	for size == ReadAll || rows < size {
		line, terminated, err := r.nextLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if !terminated && line == nil {
			continue // window boundary with no complete line yet; loop to pull more
		}
		batch.Append(bytesOrString(schema, line))
		rows++
	}
	if rows == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// nextLine advances across as many windows as needed to either complete
// one line or exhaust the file. It returns (line, true, nil) for a
// terminated or final (unterminated, EOF-reached) line, or (nil, false,
// nil) if the caller should loop (shouldn't normally happen since this
// function itself loops across windows), or (nil, false, io.EOF) when
// there is nothing left at all.
func (r *FileReader) nextLine() ([]byte, bool, error) {
	for {
		if err := r.allocateWindow(); err != nil {
			if err == io.EOF {
				if len(r.pending) > 0 {
					line := r.pending
					r.pending = nil
					return line, true, nil
				}
				return nil, false, io.EOF
			}
			return nil, false, err
		}

		start := r.windowPos
		found := false
		for r.windowPos < int64(len(r.window)) {
			b := r.window[r.windowPos]
			if b == r.lineSplitter {
				found = true
				r.windowPos++
				break
			}
			r.windowPos++
		}

		segment := r.window[start:r.windowPos]
		if found {
			segment = segment[:len(segment)-1] // drop the splitter itself
		}
		// drop any '\r' within the segment (silently, per spec.md §4.1).
		segment = dropCR(segment)

		if len(r.pending) > 0 {
			r.pending = append(r.pending, segment...)
		} else if len(segment) > 0 || found {
			r.pending = append([]byte(nil), segment...)
		}

		if found {
			if r.windowPos == int64(len(r.window)) {
				// the splitter was this window's last byte: move offset
				// past it so the next call maps the following window.
				r.offset += int64(len(r.window))
			}
			line := r.pending
			r.pending = nil
			return line, true, nil
		}
		// no delimiter in this window: offset advances to the next
		// window and the accumulated pending bytes carry forward.
		r.offset += int64(len(r.window))
	}
}

func dropCR(b []byte) []byte {
	out := b[:0:0]
	hasCR := false
	for _, c := range b {
		if c == '\r' {
			hasCR = true
			continue
		}
	}
	if !hasCR {
		return b
	}
	out = make([]byte, 0, len(b))
	for _, c := range b {
		if c != '\r' {
			out = append(out, c)
		}
	}
	return out
}

// FileWriter is the local-file LineWriter of spec.md §4.1.
type FileWriter struct {
	path string
	file *os.File
}

// NewFileWriter creates path (and its parent directories), failing if the
// path already exists unless truncate is set.
func NewFileWriter(path string, truncate bool) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.OpenFileLineWriterException, "mkdir parents")
	}
	flags := os.O_CREATE | os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	} else {
		if _, err := os.Stat(path); err == nil {
			return nil, errs.New(errs.OpenFileLineWriterException, path+" already exists")
		}
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errs.Wrap(err, errs.OpenFileLineWriterException, "open "+path)
	}
	return &FileWriter{path: path, file: f}, nil
}

func (w *FileWriter) WriteLine(batch *DataBatch, schema Schema, splitter []byte) error {
	for i := 0; i < batch.Len(); i++ {
		b, err := batch.ToBytes(i)
		if err != nil {
			return err
		}
		if _, err := w.file.Write(b); err != nil {
			return errs.Wrap(err, errs.OpenFileLineWriterException, "write line")
		}
		if _, err := w.file.Write(splitter); err != nil {
			return errs.Wrap(err, errs.OpenFileLineWriterException, "write splitter")
		}
	}
	return nil
}

func (w *FileWriter) WriteBytes(data []byte) error {
	_, err := w.file.Write(data)
	if err != nil {
		return errs.Wrap(err, errs.OpenFileLineWriterException, "write bytes")
	}
	return nil
}

func (w *FileWriter) Flush() error { return w.file.Sync() }

func (w *FileWriter) Close() error { return w.file.Close() }

// Upload is a no-op for local files beyond reporting their own path;
// HDFS/remote writers override this to actually publish the file.
func (w *FileWriter) Upload() (*FileInfo, error) {
	return &FileInfo{Path: w.path}, nil
}
