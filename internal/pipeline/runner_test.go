package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/models"
	"github.com/leds-conectafapes/ghsync/pkg/testutil"
)

// connector implements the metadata and lifecycle methods of core.Connector.
type connector struct {
	name     string
	checkErr error
}

func (c *connector) Name() string { return c.name }
func (c *connector) Version() string { return "test" }
func (c *connector) Initialize(context.Context) error { return nil }
func (c *connector) Check(context.Context) error { return c.checkErr }
func (c *connector) Close(context.Context) error { return nil }
func (c *connector) Health(context.Context) error { return nil }
func (c *connector) Metrics() map[string]interface{}     { return nil }

type fakeSource struct {
	connector
	catalog  core.Catalog
	selected []core.Stream
	records  map[string]int
	readErr  error
	reads    []core.ReadOptions

	mu    sync.Mutex
	state core.State
}

func newFakeSource(records map[string]int) *fakeSource {
	s := &fakeSource{connector: connector{name: config.SourceGitHub}, records: records, state: core.State{}}
	for _, name := range config.DefaultStreams() {
		st := core.Stream{Name: name, PrimaryKey: []string{"id"}, SyncModes: []core.SyncMode{core.SyncModeFullRefresh}}
		if name == "issues" {
			st.CursorField = "updated_at"
			st.SyncModes = append(st.SyncModes, core.SyncModeIncremental)
		}
		s.catalog.Streams = append(s.catalog.Streams, st)
	}
	return s
}

func (s *fakeSource) Type() core.ConnectorType { return core.ConnectorTypeSource }

func (s *fakeSource) Discover(context.Context) (*core.Catalog, error) { return &s.catalog, nil }

func (s *fakeSource) SelectStreams(names []string) error {
	selected, err := s.catalog.Select(names)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid stream selection")
	}
	s.selected = selected
	return nil
}

func (s *fakeSource) SelectedStreams() []core.Stream { return s.selected }

func (s *fakeSource) Read(ctx context.Context, stream string, opts core.ReadOptions, emit core.EmitFunc) error {
	s.mu.Lock()
	s.reads = append(s.reads, opts)
	s.mu.Unlock()
	if s.readErr != nil {
		return s.readErr
	}

	// two pages emitted concurrently, as the GitHub source does per repository
	n := s.records[stream]
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for page := 0; page < 2; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			var batch []*models.Record
			for i := page; i < n; i += 2 {
				batch = append(batch, models.NewRecord(stream, map[string]interface{}{"id": i}, []string{"id"}))
			}
			if len(batch) > 0 {
				errs <- emit(ctx, batch)
			}
		}(page)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}

	if stream == "issues" {
		s.mu.Lock()
		s.state[stream] = map[string]interface{}{"leds-conectafapes/api": "2024-05-01T00:00:00Z"}
		s.mu.Unlock()
	}
	return nil
}

func (s *fakeSource) GetState() core.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := core.State{}
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

func (s *fakeSource) SetState(state core.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

type fakeCache struct {
	mu       sync.Mutex
	records  map[string][]*models.Record
	prepared map[string]bool
	state    core.State
	batches  []int
	writeErr error

	runs     []uuid.UUID
	finished map[uuid.UUID]error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		records:  map[string][]*models.Record{},
		prepared: map[string]bool{},
		state:    core.State{},
		finished: map[uuid.UUID]error{},
	}
}

func (c *fakeCache) Name() string { return "fake" }

func (c *fakeCache) Streams(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for s := range c.records {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (c *fakeCache) Count(_ context.Context, stream string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.records[stream])), nil
}

func (c *fakeCache) Scan(_ context.Context, stream string, fn func(*models.Record) error) error {
	c.mu.Lock()
	records := append([]*models.Record(nil), c.records[stream]...)
	c.mu.Unlock()
	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeCache) PrepareStream(_ context.Context, stream string, fullRefresh bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepared[stream] = fullRefresh
	if fullRefresh || c.records[stream] == nil {
		c.records[stream] = []*models.Record{}
	}
	return nil
}

func (c *fakeCache) WriteBatch(_ context.Context, stream string, records []*models.Record) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.records[stream] = append(c.records[stream], records...)
	c.batches = append(c.batches, len(records))
	return int64(len(records)), nil
}

func (c *fakeCache) SaveState(_ context.Context, stream string, state interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[stream] = state
	return nil
}

func (c *fakeCache) LoadState(context.Context) (core.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := core.State{}
	for k, v := range c.state {
		out[k] = v
	}
	return out, nil
}

func (c *fakeCache) Close() {}

func (c *fakeCache) BeginRun(_ context.Context, id uuid.UUID, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, id)
	return nil
}

func (c *fakeCache) FinishRun(_ context.Context, id uuid.UUID, _ int64, runErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished[id] = runErr
	return nil
}

type fakeDestination struct {
	connector
	opts    []core.WriteOptions
	written map[string]int64
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{connector: connector{name: config.DestinationPostgres}, written: map[string]int64{}}
}

func (d *fakeDestination) Type() core.ConnectorType { return core.ConnectorTypeDestination }

func (d *fakeDestination) Write(ctx context.Context, result *core.ReadResult, opts core.WriteOptions, cache core.CacheReader) (*core.WriteResult, error) {
	d.opts = append(d.opts, opts)
	out := &core.WriteResult{RunID: result.RunID, Destination: d.name, Mode: opts.Mode}
	for _, s := range result.Streams {
		var n int64
		if err := cache.Scan(ctx, s, func(*models.Record) error { n++; return nil }); err != nil {
			return nil, err
		}
		d.written[s] = n
		out.Add(core.StreamWriteResult{Stream: s, Table: s, Records: n})
	}
	return out, nil
}

func defaultRecords() map[string]int {
	out := map[string]int{}
	for i, name := range config.DefaultStreams() {
		out[name] = i + 1
	}
	return out
}

func TestRunner_Run(t *testing.T) {
	testutil.TestLogger(t)
	src := newFakeSource(defaultRecords())
	cache := newFakeCache()
	dst := newFakeDestination()

	r := NewRunner(src, cache, dst, Options{
		ReplayStreams:    []string{"issues"}, // narrows replay only
		ForceFullRefresh: true,
		BatchSize:        3,
	})
	res, err := r.Run(testutil.TestContext(t, 10*time.Second))
	require.NoError(t, err)

	var names []string
	for _, s := range src.SelectedStreams() {
		names = append(names, s.Name)
	}
	assert.Equal(t, config.DefaultStreams(), names)

	var want int64
	for i := range config.DefaultStreams() {
		want += int64(i + 1)
	}
	assert.Equal(t, want, res.Records)
	assert.Len(t, res.Streams, 10)
	for name, n := range defaultRecords() {
		assert.Equal(t, int64(n), dst.written[name], name)
		assert.True(t, cache.prepared[name], "%s truncated on full refresh", name)
	}
	var cached int64
	for _, b := range cache.batches {
		cached += int64(b)
	}
	assert.Equal(t, want, cached)
	assert.Greater(t, len(cache.batches), len(config.DefaultStreams()), "large streams flush more than once")

	require.Len(t, dst.opts, 1)
	assert.True(t, dst.opts[0].ForceFullRefresh)
	for _, o := range src.reads {
		assert.True(t, o.ForceFullRefresh)
	}

	require.Len(t, cache.runs, 1)
	runErr, ok := cache.finished[cache.runs[0]]
	assert.True(t, ok)
	assert.NoError(t, runErr)
	assert.Contains(t, cache.state, "issues")
}

func TestRunner_Incremental(t *testing.T) {
	testutil.TestLogger(t)
	src := newFakeSource(map[string]int{"issues": 2, "teams": 1})
	cache := newFakeCache()
	cache.state["issues"] = map[string]interface{}{"leds-conectafapes/api": "2024-01-01T00:00:00Z"}
	cache.records["issues"] = []*models.Record{
		models.NewRecord("issues", map[string]interface{}{"id": 99}, []string{"id"}),
	}
	dst := newFakeDestination()

	r := NewRunner(src, cache, dst, Options{WriteMode: config.WriteModeUpsert})
	_, err := r.Run(testutil.TestContext(t, 10*time.Second))
	require.NoError(t, err)

	assert.False(t, cache.prepared["issues"], "incremental stream keeps cached rows")
	assert.True(t, cache.prepared["teams"], "streams without a cursor are refreshed")
	assert.Equal(t, int64(3), dst.written["issues"])
	assert.Equal(t, config.WriteModeUpsert, dst.opts[0].Mode)
	assert.False(t, dst.opts[0].ForceFullRefresh)
	assert.Equal(t, "2024-05-01T00:00:00Z",
		cache.state["issues"].(map[string]interface{})["leds-conectafapes/api"])
}

func TestRunner_Failures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*fakeSource, *fakeCache, *fakeDestination)
		errType errors.ErrorType
	}{
		{
			name:    "source check",
			setup:   func(s *fakeSource, _ *fakeCache, _ *fakeDestination) { s.checkErr = errors.New(errors.ErrorTypeAuthentication, "bad token") },
			errType: errors.ErrorTypeAuthentication,
		},
		{
			name:    "destination check",
			setup:   func(_ *fakeSource, _ *fakeCache, d *fakeDestination) { d.checkErr = errors.New(errors.ErrorTypeConnection, "refused") },
			errType: errors.ErrorTypeConnection,
		},
		{
			name: "stream missing from catalog",
			setup: func(s *fakeSource, _ *fakeCache, _ *fakeDestination) {
				s.catalog.Streams = s.catalog.Streams[:len(s.catalog.Streams)-1]
			},
			errType: errors.ErrorTypeValidation,
		},
		{
			name:    "read",
			setup:   func(s *fakeSource, _ *fakeCache, _ *fakeDestination) { s.readErr = errors.New(errors.ErrorTypeRateLimit, "quota") },
			errType: errors.ErrorTypeRateLimit,
		},
		{
			name:    "cache write",
			setup:   func(_ *fakeSource, c *fakeCache, _ *fakeDestination) { c.writeErr = errors.New(errors.ErrorTypeQuery, "copy failed") },
			errType: errors.ErrorTypeQuery,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.TestLogger(t)
			src := newFakeSource(defaultRecords())
			cache := newFakeCache()
			dst := newFakeDestination()
			if tt.setup != nil {
				tt.setup(src, cache, dst)
			}
			r := NewRunner(src, cache, dst, Options{ForceFullRefresh: true})
			_, err := r.Run(testutil.TestContext(t, 10*time.Second))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType), "got %v", err)
			assert.Empty(t, dst.written)

			require.Len(t, cache.runs, 1)
			assert.Error(t, cache.finished[cache.runs[0]])
		})
	}
}

func TestRunner_Cancelled(t *testing.T) {
	testutil.TestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(newFakeSource(defaultRecords()), newFakeCache(), newFakeDestination(),
		Options{ForceFullRefresh: true})
	_, err := r.Read(ctx)
	// selection has not run, so nothing is read
	require.Error(t, err)

	src := newFakeSource(defaultRecords())
	r = NewRunner(src, newFakeCache(), newFakeDestination(),
		Options{ForceFullRefresh: true, BatchSize: 1})
	_, err = r.Select()
	require.NoError(t, err)
	_, err = r.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_Replay(t *testing.T) {
	testutil.TestLogger(t)
	cache := newFakeCache()
	for i, s := range []string{"issues", "teams"} {
		for j := 0; j <= i; j++ {
			cache.records[s] = append(cache.records[s],
				models.NewRecord(s, map[string]interface{}{"id": j}, []string{"id"}))
		}
	}

	tests := []struct {
		name    string
		streams []string
		want    map[string]int64
		wantErr bool
	}{
		{name: "all cached", want: map[string]int64{"issues": 1, "teams": 2}},
		{name: "selection", streams: []string{"teams", "commits"}, want: map[string]int64{"teams": 2}},
		{name: "nothing cached", streams: []string{"commits"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := newFakeDestination()
			r := NewRunner(nil, cache, dst, Options{ReplayStreams: tt.streams, ForceFullRefresh: true})
			res, err := r.Replay(context.Background())
			if tt.wantErr {
				assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, dst.written)
			assert.Equal(t, int64(len(tt.want)), int64(len(res.Streams)))
		})
	}
}

func ExampleNewRunner() {
	r := NewRunner(nil, newFakeCache(), nil, Options{})
	_, err := r.Replay(context.Background())
	fmt.Println(errors.TypeOf(err))
	// Output: config
}
