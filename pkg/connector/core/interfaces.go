package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leds-conectafapes/ghsync/pkg/models"
)

// ConnectorType represents the type of connector
type ConnectorType string

const (
	ConnectorTypeSource      ConnectorType = "source"
	ConnectorTypeDestination ConnectorType = "destination"
)

// State represents connector state, keyed by stream name
type State map[string]interface{}

// SyncMode describes how a stream can be read
type SyncMode string

const (
	SyncModeFullRefresh SyncMode = "full_refresh"
	SyncModeIncremental SyncMode = "incremental"
)

// Scope tells whether a stream is read once per repository or once per owner
type Scope string

const (
	ScopeRepository   Scope = "repository"
	ScopeOrganization Scope = "organization"
)

// Stream describes one stream of the catalog.
type Stream struct {
	Name        string     `json:"name"`
	PrimaryKey  []string   `json:"primary_key"`
	CursorField string     `json:"cursor_field,omitempty"`
	SyncModes   []SyncMode `json:"sync_modes"`
	Scope       Scope      `json:"scope"`
	// Parent is the stream this one is derived from (team_members from teams)
	Parent string `json:"parent,omitempty"`
}

// SupportsIncremental reports whether the stream has a usable cursor.
func (s Stream) SupportsIncremental() bool {
	for _, m := range s.SyncModes {
		if m == SyncModeIncremental {
			return true
		}
	}
	return false
}

// Catalog is the set of streams a source offers.
type Catalog struct {
	Streams []Stream `json:"streams"`
}

// Stream looks up a stream by name.
func (c *Catalog) Stream(name string) (Stream, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return Stream{}, false
}

// Names returns the stream names sorted alphabetically.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Streams))
	for _, s := range c.Streams {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// Select resolves names against the catalog, keeping the caller's order.
// Unknown or duplicated names are reported together.
func (c *Catalog) Select(names []string) ([]Stream, error) {
	selected := make([]Stream, 0, len(names))
	seen := make(map[string]bool, len(names))
	var unknown []string
	for _, name := range names {
		s, ok := c.Stream(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		selected = append(selected, s)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown streams [%s], available: [%s]",
			strings.Join(unknown, ", "), strings.Join(c.Names(), ", "))
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no streams selected")
	}
	return selected, nil
}

// FieldType represents the data type of a destination column
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInt       FieldType = "int"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBool      FieldType = "bool"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeJSON      FieldType = "json"
)

// Field represents a field in the schema
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
	Primary  bool
}

// Schema represents the data schema of one stream
type Schema struct {
	Name   string
	Fields []Field
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// EmitFunc receives records produced by a source. Sources may call it from
// several goroutines at once.
type EmitFunc func(ctx context.Context, records []*models.Record) error

// ReadOptions controls a single stream read.
type ReadOptions struct {
	// ForceFullRefresh ignores stored cursors
	ForceFullRefresh bool
}

// WriteOptions controls a destination write.
type WriteOptions struct {
	// ForceFullRefresh replaces destination tables wholesale
	ForceFullRefresh bool
	// Mode is append or upsert when ForceFullRefresh is false
	Mode string
}

// Connector is the base interface for all connectors
type Connector interface {
	// Metadata
	Name() string
	Type() ConnectorType
	Version() string

	// Lifecycle
	Initialize(ctx context.Context) error
	Check(ctx context.Context) error
	Close(ctx context.Context) error

	// Health and monitoring
	Health(ctx context.Context) error
	Metrics() map[string]interface{}
}

// Source is the interface that all source connectors must implement
type Source interface {
	Connector

	Discover(ctx context.Context) (*Catalog, error)
	SelectStreams(names []string) error
	SelectedStreams() []Stream
	Read(ctx context.Context, stream string, opts ReadOptions, emit EmitFunc) error

	// State management
	GetState() State
	SetState(state State) error
}

// Destination is the interface that all destination connectors must implement
type Destination interface {
	Connector

	Write(ctx context.Context, result *ReadResult, opts WriteOptions, cache CacheReader) (*WriteResult, error)
}

// CacheReader is the read side of the staging cache that destinations replay.
type CacheReader interface {
	Name() string
	Streams(ctx context.Context) ([]string, error)
	Count(ctx context.Context, stream string) (int64, error)
	Scan(ctx context.Context, stream string, fn func(*models.Record) error) error
}

// Cache stores extracted records between read and write.
type Cache interface {
	CacheReader

	PrepareStream(ctx context.Context, stream string, fullRefresh bool) error
	WriteBatch(ctx context.Context, stream string, records []*models.Record) (int64, error)
	SaveState(ctx context.Context, stream string, state interface{}) error
	LoadState(ctx context.Context) (State, error)
	Close()
}

// ReadResult is the outcome of extracting streams into the cache.
type ReadResult struct {
	RunID      string           `json:"run_id"`
	Source     string           `json:"source"`
	Cache      string           `json:"cache"`
	Streams    []string         `json:"streams"`
	Records    map[string]int64 `json:"records"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// TotalRecords sums the per-stream counts.
func (r *ReadResult) TotalRecords() int64 {
	var total int64
	for _, n := range r.Records {
		total += n
	}
	return total
}

// StreamWriteResult is the outcome of loading one stream.
type StreamWriteResult struct {
	Stream   string        `json:"stream"`
	Table    string        `json:"table"`
	Mode     string        `json:"mode"`
	Records  int64         `json:"records"`
	Columns  int           `json:"columns"`
	Duration time.Duration `json:"duration_ns"`
}

// WriteResult is the outcome of loading cached streams into a destination.
type WriteResult struct {
	RunID       string              `json:"run_id"`
	Destination string              `json:"destination"`
	Mode        string              `json:"mode"`
	Streams     []StreamWriteResult `json:"streams"`
	Records     int64               `json:"records"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Duration    time.Duration       `json:"duration_ns"`
}

// Add appends a stream outcome and updates the total.
func (w *WriteResult) Add(s StreamWriteResult) {
	w.Streams = append(w.Streams, s)
	w.Records += s.Records
}
