// Package ppcio implements the Line I/O layer: a uniform batched
// reader/writer over mmap'd local files, HDFS blocks and SQL result
// sets, plus the schema-tagged DataBatch they exchange (spec.md §4.1).
package ppcio

import (
	"strconv"

	"github.com/wedpr-lab/ppc-node/errs"
)

// Schema tags the element type a DataBatch carries (spec.md §3).
type Schema int

const (
	SchemaString Schema = iota
	SchemaBytes
	SchemaInt
	SchemaUint
	SchemaFloat
	SchemaDouble
)

// DataBatch is an ordered, schema-tagged sequence of elements, tracking
// total byte capacity for back-pressure (spec.md §3).
type DataBatch struct {
	schema   Schema
	elements []interface{}
	capacity uint64
}

func NewDataBatch(schema Schema) *DataBatch {
	return &DataBatch{schema: schema}
}

func (b *DataBatch) Schema() Schema { return b.schema }
func (b *DataBatch) Len() int       { return len(b.elements) }
func (b *DataBatch) CapacityBytes() uint64 { return b.capacity }

// Append adds a new logical row.
func (b *DataBatch) Append(v interface{}) {
	b.elements = append(b.elements, v)
	b.capacity += elementSize(v)
}

// AppendToLast reconstructs a line split across an mmap window boundary:
// the continuation is appended to the current last element rather than
// added as a new row (spec.md §4.1). Only valid for string/bytes schemas.
func (b *DataBatch) AppendToLast(continuation []byte) {
	if len(b.elements) == 0 {
		b.Append(bytesOrString(b.schema, continuation))
		return
	}
	idx := len(b.elements) - 1
	switch b.schema {
	case SchemaString:
		b.elements[idx] = b.elements[idx].(string) + string(continuation)
	case SchemaBytes:
		b.elements[idx] = append(b.elements[idx].([]byte), continuation...)
	default:
		return
	}
	b.capacity += uint64(len(continuation))
}

func bytesOrString(schema Schema, data []byte) interface{} {
	if schema == SchemaString {
		return string(data)
	}
	return data
}

// Get returns the raw typed element at index.
func (b *DataBatch) Get(index int) interface{} { return b.elements[index] }

func (b *DataBatch) GetString(index int) string { return b.elements[index].(string) }
func (b *DataBatch) GetBytes(index int) []byte  { return b.elements[index].([]byte) }

// ToBytes converts element index to its byte representation per schema
// (spec.md §4: "conversion to bytes per schema").
func (b *DataBatch) ToBytes(index int) ([]byte, error) {
	v := b.elements[index]
	switch b.schema {
	case SchemaString:
		return []byte(v.(string)), nil
	case SchemaBytes:
		return v.([]byte), nil
	case SchemaInt:
		return []byte(strconv.FormatInt(v.(int64), 10)), nil
	case SchemaUint:
		return []byte(strconv.FormatUint(v.(uint64), 10)), nil
	case SchemaFloat:
		return []byte(strconv.FormatFloat(float64(v.(float32)), 'g', -1, 32)), nil
	case SchemaDouble:
		return []byte(strconv.FormatFloat(v.(float64), 'g', -1, 64)), nil
	default:
		return nil, errs.New(errs.UnSupportedDataResource, "unsupported data schema")
	}
}

func (b *DataBatch) All() []interface{} { return b.elements }

func elementSize(v interface{}) uint64 {
	switch t := v.(type) {
	case string:
		return uint64(len(t))
	case []byte:
		return uint64(len(t))
	case int64, uint64, float64:
		return 8
	case float32:
		return 4
	default:
		return 8
	}
}
