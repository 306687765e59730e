// Package models provides the record and schema types that flow between
// sources, the staging cache and destinations.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Record is a single extracted row of a stream.
type Record struct {
	// Stream is the stream the record belongs to (e.g. "issues")
	Stream string `json:"stream"`
	// PrimaryKey is the rendered primary key, see PrimaryKeyValue
	PrimaryKey string `json:"primary_key"`
	// Data holds the record fields as decoded from the API
	Data map[string]interface{} `json:"data"`
	// ExtractedAt is when the source emitted the record
	ExtractedAt time.Time `json:"extracted_at"`
}

// NewRecord creates a record for stream with its primary key rendered from keyFields.
func NewRecord(stream string, data map[string]interface{}, keyFields []string) *Record {
	return &Record{
		Stream:      stream,
		PrimaryKey:  PrimaryKeyValue(data, keyFields),
		Data:        data,
		ExtractedAt: time.Now().UTC(),
	}
}

// PrimaryKeyValue renders the values of keyFields joined by "|". Integral
// floats are printed without a fractional part so JSON-decoded ids stay stable.
func PrimaryKeyValue(data map[string]interface{}, keyFields []string) string {
	parts := make([]string, 0, len(keyFields))
	for _, f := range keyFields {
		parts = append(parts, formatKeyPart(data[f]))
	}
	return strings.Join(parts, "|")
}

func formatKeyPart(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Schema defines the structure of record data.
type Schema struct {
	// Name identifies the schema (the stream name)
	Name string `json:"name"`

	// Fields defines the structure of the data
	Fields []Field `json:"fields"`
}

// Field represents a single field in the schema.
type Field struct {
	// Name is the field identifier
	Name string `json:"name"`

	// Type specifies the data type (string, integer, float, boolean, timestamp, object, array)
	Type string `json:"type"`

	// Required indicates if the field must be present
	Required bool `json:"required"`
}

// RecordBatch represents a batch of records for bulk processing.
type RecordBatch struct {
	// Records holds the actual record pointers
	Records []*Record
}

// NewRecordBatch creates a new record batch with the specified capacity.
func NewRecordBatch(capacity int) *RecordBatch {
	return &RecordBatch{
		Records: make([]*Record, 0, capacity),
	}
}

// AddRecord appends a record to the batch.
func (rb *RecordBatch) AddRecord(r *Record) {
	rb.Records = append(rb.Records, r)
}

// Reset clears the batch for reuse without deallocating memory.
func (rb *RecordBatch) Reset() {
	for i := range rb.Records {
		rb.Records[i] = nil
	}
	rb.Records = rb.Records[:0]
}

// Size returns the current number of records in the batch.
func (rb *RecordBatch) Size() int {
	return len(rb.Records)
}
