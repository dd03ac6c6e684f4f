package protocol

// Curve and Hash enumerate the negotiable crypto suite (spec.md §6).
type Curve uint8

const (
	CurveED25519 Curve = iota
	CurveSM2
	CurveSECP256K1
	CurveP256
	CurveIPPX25519
)

var curveNames = [...]string{"ED25519", "SM2", "SECP256K1", "P256", "IPP_X25519"}

func (c Curve) String() string {
	if int(c) < len(curveNames) {
		return curveNames[c]
	}
	return "UNKNOWN_CURVE"
}

type Hash uint8

const (
	HashSHA256 Hash = iota
	HashSHA512
	HashSM3
	HashMD5
	HashBLAKE2b
)

var hashNames = [...]string{"SHA256", "SHA512", "SM3", "MD5", "BLAKE2b"}

func (h Hash) String() string {
	if int(h) < len(hashNames) {
		return hashNames[h]
	}
	return "UNKNOWN_HASH"
}

// HandshakeRequest carries the curves/hashes the sender supports
// (spec.md §3, §4.5).
type HandshakeRequest struct {
	Curves []Curve
	Hashes []Hash
}

// HandshakeResponse carries the single curve/hash pair the server picked,
// with a result code/message (0 = ok).
type HandshakeResponse struct {
	Curve   Curve
	Hash    Hash
	Code    int32
	Message string
}

// DataBatchPayload carries an ordered sequence of length-prefixed byte
// strings plus the owning batch's total count (spec.md §3 PSIMessage).
type DataBatchPayload struct {
	Seq        uint32
	Data       [][]byte
	BatchCount int32 // -1 until known, per spec.md §3 EcdhCache.
}

// ErrorNotification is the payload of a CancelTaskNotification (spec.md §4.4).
type ErrorNotification struct {
	Code    int32
	Message string
}

// TaskSyncPayload carries the list of pending task ids one agency reports
// to a peer agency (spec.md §4.4).
type TaskSyncPayload struct {
	PendingTaskIDs []string
}

// ResultSyncPayload carries the authoritative party's final intersection
// rows to the peer when SyncResultToPeer is set (spec.md §4.5).
type ResultSyncPayload struct {
	Rows [][]byte
}

// ResultSyncResponse acknowledges a ResultSyncPayload with 0 or a failure
// code (spec.md §4.5).
type ResultSyncResponse struct {
	Code    int32
	Message string
}

// CemBatchRequest carries the field names and ciphertext field values one
// party wants matched against the peer's own dataset (C.5 supplemented CEM
// service, grounded on CEMService::doCipherTextEqualityMatch's per-request
// match_field map).
type CemBatchRequest struct {
	DatasetID   string
	FieldNames  []string
	FieldValues [][]byte // index-aligned with FieldNames
}

// CemBatchResponse carries the per-field match count the peer computed by
// scanning its own dataset against CemBatchRequest (CEMService's
// match_count result, a count instead of an intersection file).
type CemBatchResponse struct {
	DatasetID  string
	FieldNames []string
	MatchCount []uint64 // index-aligned with FieldNames
	Code       int32
	Message    string
}

// PSIMessage is the logical payload carried inside Message.Data. Exactly
// one of the typed fields below is populated, selected by MessageType;
// Data-carrying packets use DataBatch, everything else uses its own
// struct. The byte encoding is a private, versioned concern of
// EncodePSIMessage/DecodePSIMessage — spec.md §4.2 leaves the exact
// layout implementation-chosen as long as it is stable across versions.
type PSIMessage struct {
	ResourceID      string
	ProtocolVersion uint8
	HandshakeReq    *HandshakeRequest
	HandshakeResp   *HandshakeResponse
	DataBatch       *DataBatchPayload
	Error           *ErrorNotification
	TaskSync        *TaskSyncPayload
	ResultSync      *ResultSyncPayload
	ResultSyncResp  *ResultSyncResponse
	CemRequest      *CemBatchRequest
	CemResponse     *CemBatchResponse
}
