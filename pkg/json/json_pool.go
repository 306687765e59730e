// Package json wraps goccy/go-json and adds a JSON lines encoder
package json

import (
	"io"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/leds-conectafapes/ghsync/pkg/models"
)

// Column names added to every exported record line.
const (
	PrimaryKeyField  = "_ghsync_pk"
	ExtractedAtField = "_ghsync_extracted_at"
)

// Marshal is a drop-in replacement for json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal is a drop-in replacement for json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MarshalIndent is a drop-in replacement for json.MarshalIndent
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// NewEncoder returns an encoder that does not escape HTML, so issue bodies
// and URLs survive unchanged.
func NewEncoder(w io.Writer) *gojson.Encoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// NewDecoder returns a decoder that keeps numbers as json.Number.
func NewDecoder(r io.Reader) *gojson.Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// LineEncoder writes one JSON document per line.
type LineEncoder struct {
	enc   *gojson.Encoder
	lines int64
}

// NewLineEncoder creates a JSON lines encoder over w.
func NewLineEncoder(w io.Writer) *LineEncoder {
	return &LineEncoder{enc: NewEncoder(w)}
}

// Encode writes v followed by a newline.
func (e *LineEncoder) Encode(v interface{}) error {
	if err := e.enc.Encode(v); err != nil {
		return err
	}
	e.lines++
	return nil
}

// EncodeRecord writes the record data with its primary key and extraction
// time added as top-level fields.
func (e *LineEncoder) EncodeRecord(r *models.Record) error {
	return e.Encode(RecordLine(r))
}

// Lines returns the number of lines written so far.
func (e *LineEncoder) Lines() int64 {
	return e.lines
}

// RecordLine flattens a record into the map written to JSON lines files.
// The record data is not modified.
func RecordLine(r *models.Record) map[string]interface{} {
	line := make(map[string]interface{}, len(r.Data)+2)
	for k, v := range r.Data {
		line[k] = v
	}
	line[PrimaryKeyField] = r.PrimaryKey
	line[ExtractedAtField] = r.ExtractedAt.UTC().Format(time.RFC3339Nano)
	return line
}
