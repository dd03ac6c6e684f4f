package protocol

import "github.com/goccy/go-json"

// PartyIndex is the role a party plays within an algorithm (spec.md §3).
type PartyIndex int

const (
	PartyClient     PartyIndex = 0
	PartyServer     PartyIndex = 1
	PartyCalculator PartyIndex = 2
	PartyPartner    PartyIndex = 3
	PartyMaster     PartyIndex = 4
)

// ResourceKind distinguishes the three DataResourceDesc backends
// (spec.md §3).
type ResourceKind int

const (
	ResourceFile ResourceKind = iota
	ResourceHDFS
	ResourceSQL
)

// SQLConnectionOption carries the connection parameters for the SQL
// backend (spec.md §3 DataResourceDesc).
type SQLConnectionOption struct {
	DSN string
}

// HDFSConnectionOption carries the NameNode address and any extra client
// options for the HDFS backend.
type HDFSConnectionOption struct {
	NameNode string
	User     string
}

// DataResourceDesc describes one side (input or output) of a DataResource
// (spec.md §3).
type DataResourceDesc struct {
	Kind ResourceKind

	// FILE / HDFS
	Path string
	HDFS *HDFSConnectionOption

	// SQL
	SQL           *SQLConnectionOption
	AccessCommand string

	// populated by Writer.Upload() once the output has been published.
	FileID   string
	FileMd5  string
	BizSeqNo string
}

// DataResource bundles the resource id used for mutual exclusion with the
// input and optional output descriptors (spec.md §3).
type DataResource struct {
	ResourceID string
	Input      *DataResourceDesc
	Output     *DataResourceDesc
}

// PartyResource is one participant's role and data resource (spec.md §3).
type PartyResource struct {
	PartyID    string
	Index      PartyIndex
	DataResource *DataResource
}

// Task is the immutable task specification admitted by the Orchestrator
// (spec.md §3).
type Task struct {
	TaskID          string
	Algorithm       AlgorithmType
	Self            PartyResource
	Peers           map[string]PartyResource
	Params          json.RawMessage
	SyncResultToPeer bool
	LowBandwidth    bool
}

// RoleBit is the sender/receiver role carried by ECDH_PSI_CONN's parseKey
// byte. The original decoder computes it as `'1' - digit`, which maps
// '0' -> 1 and '1' -> 0. spec.md §9 instructs us to preserve this exact
// mapping rather than guess the intended meaning.
type RoleBit uint8

const (
	RoleReceiver RoleBit = 0
	RoleSender   RoleBit = 1
)

// ParseRoleBit reproduces the original ECDH_PSI_CONN parseKey arithmetic:
// the wire byte is an ASCII digit ('0' or '1'), and the role is `49 -
// digit` (ASCII '1' is 49), not `digit` itself.
func ParseRoleBit(asciiDigit byte) RoleBit {
	return RoleBit(byte('1') - asciiDigit)
}
