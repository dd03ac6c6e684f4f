package cem

// Params is the Task.Params payload the requesting party supplies: the
// field names to match and their ciphertext values, hex-encoded the same
// way the dataset's own ciphertext columns are (CEMService's
// match_field request object).
type Params struct {
	FieldNames  []string `json:"fieldNames"`
	FieldValues []string `json:"fieldValues"` // hex, index-aligned with FieldNames
}
