package ppcio

import (
	"os"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// LoadReader opens the Reader appropriate for desc.Kind, per spec.md
// §4.1's "one resource description, three backends" contract. No column
// count is checked here; each backend reports its own via ColumnSize (a
// file/HDFS source is always a single column).
func LoadReader(desc *protocol.DataResourceDesc, mmapGranularity int64) (Reader, error) {
	if desc == nil {
		return nil, errs.New(errs.InvalidParam, "no data resource descriptor")
	}
	switch desc.Kind {
	case protocol.ResourceFile:
		return NewFileReader(desc.Path, mmapGranularity)
	case protocol.ResourceHDFS:
		if desc.HDFS == nil {
			return nil, errs.New(errs.ConnectionOptionNotFound, "no HDFS connection option")
		}
		return NewHDFSReader(*desc.HDFS, desc.Path)
	case protocol.ResourceSQL:
		if desc.SQL == nil {
			return nil, errs.New(errs.ConnectionOptionNotFound, "no SQL connection option")
		}
		return NewSQLReader(*desc.SQL, desc.AccessCommand)
	default:
		return nil, errs.Newf(errs.UnSupportedDataResource, "unsupported data resource kind %d", desc.Kind)
	}
}

// LoadWriter opens the Writer appropriate for desc.Kind. When
// enableOutputExists is false and the target already exists (checked only
// for the FILE backend, the one LoadWriter can probe without a round
// trip), it fails rather than silently truncating — mirroring
// TaskGuarder::loadWriter's checkResourceExists guard.
func LoadWriter(desc *protocol.DataResourceDesc, enableOutputExists bool) (Writer, error) {
	if desc == nil {
		return nil, errs.New(errs.InvalidParam, "no data resource descriptor")
	}
	switch desc.Kind {
	case protocol.ResourceFile:
		if !enableOutputExists {
			if _, err := os.Stat(desc.Path); err == nil {
				return nil, errs.Newf(errs.InvalidParam, "output already exists: %s", desc.Path)
			}
		}
		return NewFileWriter(desc.Path, enableOutputExists)
	case protocol.ResourceHDFS:
		if desc.HDFS == nil {
			return nil, errs.New(errs.ConnectionOptionNotFound, "no HDFS connection option")
		}
		return NewHDFSWriter(*desc.HDFS, desc.Path)
	case protocol.ResourceSQL:
		if desc.SQL == nil {
			return nil, errs.New(errs.ConnectionOptionNotFound, "no SQL connection option")
		}
		return NewSQLWriter(*desc.SQL, desc.AccessCommand)
	default:
		return nil, errs.Newf(errs.UnSupportedDataResource, "unsupported data resource kind %d", desc.Kind)
	}
}
