package ppcio

import (
	"bufio"
	"io"

	"github.com/colinmarc/hdfs/v2"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// HDFSReader is the HDFS-backed Reader of spec.md §4.1. It resolves the
// block locations of path up front so callers can inspect which
// datanodes hold the file, then streams the file itself through the
// client's own FileReader.
type HDFSReader struct {
	client     *hdfs.Client
	file       *hdfs.FileReader
	br         *bufio.Reader
	path       string
	length     int64
	blockHosts []string
}

func NewHDFSReader(opt protocol.HDFSConnectionOption, path string) (*HDFSReader, error) {
	client, err := hdfs.NewClient(hdfs.ClientOptions{
		Addresses: []string{opt.NameNode},
		User:      opt.User,
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.ConnectionOptionNotFound, "connect to hdfs namenode")
	}

	info, err := client.Stat(path)
	if err != nil {
		_ = client.Close()
		return nil, errs.Wrap(err, errs.HDFSOpenMetaInfoFailed, "stat "+path)
	}

	f, err := client.Open(path)
	if err != nil {
		_ = client.Close()
		return nil, errs.Wrap(err, errs.HDFSOpenMetaInfoFailed, "open "+path)
	}

	var hosts []string
	for _, block := range f.Blocks() {
		// Every replica host of every block is kept, in cluster order;
		// a prior revision of this loop started at the second block's
		// host list and silently dropped the first block's replicas.
		for _, loc := range block.GetLocs() {
			hosts = append(hosts, loc.GetId().GetHostName())
		}
	}

	return &HDFSReader{
		client:     client,
		file:       f,
		br:         bufio.NewReaderSize(f, 1<<20),
		path:       path,
		length:     info.Size(),
		blockHosts: hosts,
	}, nil
}

// BlockHosts returns the datanode hostnames backing path, in block order.
func (r *HDFSReader) BlockHosts() []string { return r.blockHosts }

func (r *HDFSReader) ColumnSize() int { return 1 }

func (r *HDFSReader) Capacity() (int64, error) { return r.length, nil }

func (r *HDFSReader) Next(size int, schema Schema) (*DataBatch, error) {
	batch := NewDataBatch(schema)
	if err := readLinesInto(r.br, size, schema, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *HDFSReader) ReadBytes() ([]byte, error) {
	data, err := io.ReadAll(r.br)
	if err != nil && err != io.EOF {
		return nil, errs.Wrap(err, errs.HDFSReadDataFailed, "read all bytes")
	}
	return data, nil
}

func (r *HDFSReader) Close() error {
	fileErr := r.file.Close()
	clientErr := r.client.Close()
	if fileErr != nil {
		return errs.Wrap(fileErr, errs.HDFSReadDataFailed, "close hdfs file")
	}
	if clientErr != nil {
		return errs.Wrap(clientErr, errs.HDFSReadDataFailed, "close hdfs client")
	}
	return nil
}

// HDFSWriter is the HDFS-backed Writer of spec.md §4.1.
type HDFSWriter struct {
	client *hdfs.Client
	file   *hdfs.FileWriter
	path   string
}

func NewHDFSWriter(opt protocol.HDFSConnectionOption, path string) (*HDFSWriter, error) {
	client, err := hdfs.NewClient(hdfs.ClientOptions{
		Addresses: []string{opt.NameNode},
		User:      opt.User,
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.ConnectionOptionNotFound, "connect to hdfs namenode")
	}
	f, err := client.Create(path)
	if err != nil {
		_ = client.Close()
		return nil, errs.Wrap(err, errs.HDFSWriteDataFailed, "create "+path)
	}
	return &HDFSWriter{client: client, file: f, path: path}, nil
}

func (w *HDFSWriter) WriteLine(batch *DataBatch, schema Schema, splitter []byte) error {
	for i := 0; i < batch.Len(); i++ {
		b, err := batch.ToBytes(i)
		if err != nil {
			return err
		}
		if _, err := w.file.Write(b); err != nil {
			return errs.Wrap(err, errs.HDFSWriteDataFailed, "write line")
		}
		if _, err := w.file.Write(splitter); err != nil {
			return errs.Wrap(err, errs.HDFSWriteDataFailed, "write splitter")
		}
	}
	return nil
}

func (w *HDFSWriter) WriteBytes(data []byte) error {
	if _, err := w.file.Write(data); err != nil {
		return errs.Wrap(err, errs.HDFSWriteDataFailed, "write bytes")
	}
	return nil
}

func (w *HDFSWriter) Flush() error {
	if err := w.file.Flush(); err != nil {
		return errs.Wrap(err, errs.HDFSFlushFailed, "flush hdfs writer")
	}
	return nil
}

func (w *HDFSWriter) Close() error {
	fileErr := w.file.Close()
	clientErr := w.client.Close()
	if fileErr != nil {
		return errs.Wrap(fileErr, errs.HDFSFlushFailed, "close hdfs file")
	}
	if clientErr != nil {
		return errs.Wrap(clientErr, errs.HDFSFlushFailed, "close hdfs client")
	}
	return nil
}

func (w *HDFSWriter) Upload() (*FileInfo, error) {
	return &FileInfo{Path: w.path}, nil
}
