// Package schema infers destination column types from extracted records and
// computes the column changes needed to load them into an existing table.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/models"
)

// TypeInferenceEngine accumulates observed values per field and derives a
// column type for each. It is not safe for concurrent use.
type TypeInferenceEngine struct {
	logger *zap.Logger
	fields map[string]*fieldStats
	rows   int64
}

type fieldStats struct {
	counts map[core.FieldType]int64
	nulls  int64
}

// InferredType represents a type inference result with confidence
type InferredType struct {
	Type       core.FieldType `json:"type"`
	Confidence float64        `json:"confidence"`
	Nullable   bool           `json:"nullable"`
}

// NewTypeInferenceEngine creates a new type inference engine
func NewTypeInferenceEngine(logger *zap.Logger) *TypeInferenceEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypeInferenceEngine{
		logger: logger,
		fields: make(map[string]*fieldStats),
	}
}

// Observe records the top-level fields of one record.
func (e *TypeInferenceEngine) Observe(data map[string]interface{}) {
	e.rows++
	for name, value := range data {
		st, ok := e.fields[name]
		if !ok {
			st = &fieldStats{counts: make(map[core.FieldType]int64)}
			e.fields[name] = st
		}
		if value == nil {
			st.nulls++
			continue
		}
		st.counts[DetectValueType(value)]++
	}
}

// ObserveRecord is Observe for a cached record.
func (e *TypeInferenceEngine) ObserveRecord(r *models.Record) error {
	e.Observe(r.Data)
	return nil
}

// Rows returns how many records were observed.
func (e *TypeInferenceEngine) Rows() int64 {
	return e.rows
}

// InferType resolves the observed types of one field.
func (e *TypeInferenceEngine) InferType(field string) InferredType {
	st, ok := e.fields[field]
	if !ok {
		return InferredType{Type: core.FieldTypeString, Nullable: true}
	}

	// a field missing from some records is nullable as well
	seen := st.nulls
	var nonNull int64
	for _, n := range st.counts {
		seen += n
		nonNull += n
	}
	inferred := InferredType{Nullable: st.nulls > 0 || seen < e.rows}

	switch len(st.counts) {
	case 0:
		inferred.Type = core.FieldTypeString
		return inferred
	case 1:
		for t := range st.counts {
			inferred.Type = t
		}
		inferred.Confidence = 1
		return inferred
	}

	// ints widen to floats; any other mix becomes jsonb, which holds every value
	if len(st.counts) == 2 && st.counts[core.FieldTypeInt] > 0 && st.counts[core.FieldTypeFloat] > 0 {
		inferred.Type = core.FieldTypeFloat
		inferred.Confidence = 1
		return inferred
	}
	var dominant int64
	for _, n := range st.counts {
		if n > dominant {
			dominant = n
		}
	}
	inferred.Type = core.FieldTypeJSON
	inferred.Confidence = float64(dominant) / float64(nonNull)
	e.logger.Debug("mixed value types, using json",
		zap.String("field", field),
		zap.Float64("confidence", inferred.Confidence))
	return inferred
}

// InferSchema returns the schema of everything observed so far, fields
// sorted by name.
func (e *TypeInferenceEngine) InferSchema(name string) *core.Schema {
	names := make([]string, 0, len(e.fields))
	for f := range e.fields {
		names = append(names, f)
	}
	sort.Strings(names)

	s := &core.Schema{Name: name, Fields: make([]core.Field, 0, len(names))}
	for _, f := range names {
		inferred := e.InferType(f)
		s.Fields = append(s.Fields, core.Field{
			Name:     f,
			Type:     inferred.Type,
			Nullable: inferred.Nullable,
		})
	}
	return s
}

// DetectValueType detects the type of a single non-nil value as decoded
// from the GitHub API.
func DetectValueType(value interface{}) core.FieldType {
	switch v := value.(type) {
	case bool:
		return core.FieldTypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return core.FieldTypeInt
	case float32:
		return floatType(float64(v))
	case float64:
		return floatType(v)
	case gojson.Number:
		if _, err := v.Int64(); err == nil {
			return core.FieldTypeInt
		}
		return core.FieldTypeFloat
	case string:
		if isTimestamp(v) {
			return core.FieldTypeTimestamp
		}
		return core.FieldTypeString
	case time.Time:
		return core.FieldTypeTimestamp
	default:
		return core.FieldTypeJSON
	}
}

func floatType(f float64) core.FieldType {
	if f == float64(int64(f)) {
		return core.FieldTypeInt
	}
	return core.FieldTypeFloat
}

// isTimestamp accepts the RFC3339 timestamps GitHub returns.
func isTimestamp(s string) bool {
	if len(s) < len("2006-01-02T15:04:05Z") || s[4] != '-' || s[10] != 'T' {
		return false
	}
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

// ConvertValue converts a decoded value into the Go type pgx encodes for a
// column of type t.
func ConvertValue(t core.FieldType, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	switch t {
	case core.FieldTypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(v)
		}
	case core.FieldTypeInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		case gojson.Number:
			return v.Int64()
		case string:
			return strconv.ParseInt(v, 10, 64)
		}
	case core.FieldTypeFloat:
		switch v := value.(type) {
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case gojson.Number:
			return v.Float64()
		case string:
			return strconv.ParseFloat(v, 64)
		}
	case core.FieldTypeTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			return time.Parse(time.RFC3339, v)
		}
	case core.FieldTypeString:
		switch v := value.(type) {
		case string:
			return v, nil
		case map[string]interface{}, []interface{}:
			data, err := gojson.Marshal(v)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		default:
			return fmt.Sprint(v), nil
		}
	case core.FieldTypeJSON:
		// raw bytes are sent to jsonb as-is
		return gojson.Marshal(value)
	}

	return nil, fmt.Errorf("cannot convert %T to %s", value, t)
}
