// Package pipeline sequences a sync run: check the connectors, select the
// streams, extract them into the staging cache and replay the cache into a
// destination.
//
// Every stage takes the run context, so a timeout or a signal stops the run
// between pages and between batches. Records flow from the source to a single
// consumer goroutine that writes them to the cache in batches.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/logger"
	"github.com/leds-conectafapes/ghsync/pkg/metrics"
	"github.com/leds-conectafapes/ghsync/pkg/models"
	"github.com/leds-conectafapes/ghsync/pkg/observability"
)

// Pipeline stages, used as metric labels.
const (
	StageCheck  = "check"
	StageRead   = "read"
	StageWrite  = "write"
	StageReplay = "replay"
)

// Options controls a run.
type Options struct {
	// ReplayStreams limits which cached streams Replay writes; empty means
	// every cached stream. Run always extracts config.DefaultStreams.
	ReplayStreams []string
	// ForceFullRefresh re-extracts everything and replaces destination tables
	ForceFullRefresh bool
	// WriteMode is append or upsert when ForceFullRefresh is false
	WriteMode string
	// BatchSize is the number of records written to the cache at once
	BatchSize int
}

// RunLog records run outcomes. The PostgreSQL cache implements it.
type RunLog interface {
	BeginRun(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	FinishRun(ctx context.Context, id uuid.UUID, records int64, runErr error) error
}

// Runner drives one source, one cache and one destination.
type Runner struct {
	source      core.Source
	cache       core.Cache
	destination core.Destination
	opts        Options
	logger      *zap.Logger
}

// NewRunner creates a runner. source may be nil for replay-only runners and
// destination may be nil for extract-only runners.
func NewRunner(source core.Source, cache core.Cache, destination core.Destination, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	return &Runner{
		source:      source,
		cache:       cache,
		destination: destination,
		opts:        opts,
		logger:      logger.With(zap.String("component", "pipeline")),
	}
}

// Run executes check, select, read and write, and returns the write result.
func (r *Runner) Run(ctx context.Context) (*core.WriteResult, error) {
	runID := uuid.New()
	ctx = logger.WithRunID(ctx, runID.String())
	log := logger.WithContext(ctx)

	ctx, span := observability.StartSpan(ctx, "pipeline.run",
		attribute.String("run.id", runID.String()),
		attribute.Bool("run.full_refresh", r.opts.ForceFullRefresh))

	started := time.Now().UTC()
	runs, _ := r.cache.(RunLog)
	if runs != nil {
		if err := runs.BeginRun(ctx, runID, started); err != nil {
			log.Warn("failed to record run start", zap.Error(err))
			runs = nil
		}
	}

	result, err := r.run(ctx, runID)

	if runs != nil {
		var records int64
		if result != nil {
			records = result.Records
		}
		// the run context may already be cancelled
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if ferr := runs.FinishRun(fctx, runID, records, err); ferr != nil {
			log.Warn("failed to record run outcome", zap.Error(ferr))
		}
		cancel()
	}
	observability.EndSpan(span, err)

	if err != nil {
		log.Error("run failed", zap.Error(err), zap.Duration("duration", time.Since(started)))
		return result, err
	}
	log.Info("run completed",
		zap.Int64("records", result.Records),
		zap.Int("streams", len(result.Streams)),
		zap.Duration("duration", time.Since(started)))
	return result, nil
}

func (r *Runner) run(ctx context.Context, runID uuid.UUID) (*core.WriteResult, error) {
	if r.destination == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "no destination configured")
	}
	if err := r.Check(ctx); err != nil {
		return nil, err
	}
	if _, err := r.Select(); err != nil {
		return nil, err
	}
	read, err := r.read(ctx, runID.String())
	if err != nil {
		return nil, err
	}
	return r.write(ctx, StageWrite, read)
}

// Check verifies the source credentials and the destination, when set.
func (r *Runner) Check(ctx context.Context) error {
	defer metrics.NewTimer(StageCheck).ObserveStage()
	if r.source != nil {
		if err := r.source.Check(ctx); err != nil {
			return errors.Wrap(err, errors.TypeOf(err), "source check failed")
		}
	}
	if r.destination != nil {
		if err := r.destination.Check(ctx); err != nil {
			return errors.Wrap(err, errors.TypeOf(err), "destination check failed")
		}
	}
	return nil
}

// Select selects the fixed stream list on the source, in read order.
func (r *Runner) Select() ([]core.Stream, error) {
	if r.source == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "no source configured")
	}
	if err := r.source.SelectStreams(config.DefaultStreams()); err != nil {
		return nil, err
	}
	return r.source.SelectedStreams(), nil
}

// Read extracts the selected streams into the cache.
func (r *Runner) Read(ctx context.Context) (*core.ReadResult, error) {
	return r.read(ctx, uuid.NewString())
}

func (r *Runner) read(ctx context.Context, runID string) (*core.ReadResult, error) {
	defer metrics.NewTimer(StageRead).ObserveStage()
	if r.source == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "no source configured")
	}
	streams := r.source.SelectedStreams()
	if len(streams) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "no streams selected")
	}

	if !r.opts.ForceFullRefresh {
		state, err := r.cache.LoadState(ctx)
		if err != nil {
			return nil, err
		}
		if err := r.source.SetState(state); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to restore stream state")
		}
	}

	result := &core.ReadResult{
		RunID:     runID,
		Source:    r.source.Name(),
		Cache:     r.cache.Name(),
		Records:   make(map[string]int64, len(streams)),
		StartedAt: time.Now().UTC(),
	}
	for _, stream := range streams {
		n, err := r.readStream(ctx, stream)
		if err != nil {
			return nil, err
		}
		result.Streams = append(result.Streams, stream.Name)
		result.Records[stream.Name] = n
	}
	result.FinishedAt = time.Now().UTC()

	r.logger.Info("read completed",
		zap.String("run_id", runID),
		zap.Int("streams", len(result.Streams)),
		zap.Int64("records", result.TotalRecords()),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)))
	return result, nil
}

// readStream extracts one stream. Streams without a cursor are always
// refreshed in the cache, incremental streams only when forced.
func (r *Runner) readStream(ctx context.Context, stream core.Stream) (int64, error) {
	ctx = logger.WithStream(ctx, stream.Name)
	ctx, span := observability.StartSpan(ctx, "pipeline.read_stream", attribute.String("stream", stream.Name))
	log := logger.WithContext(ctx)

	fullRefresh := r.opts.ForceFullRefresh || !stream.SupportsIncremental()
	if err := r.cache.PrepareStream(ctx, stream.Name, fullRefresh); err != nil {
		observability.EndSpan(span, err)
		return 0, err
	}

	n, err := r.extract(ctx, stream.Name)
	if err == nil {
		if st, ok := r.source.GetState()[stream.Name]; ok {
			err = r.cache.SaveState(ctx, stream.Name, st)
		}
	}
	observability.EndSpan(span, err)
	if err != nil {
		return n, err
	}

	log.Info("stream cached", zap.Int64("records", n), zap.Bool("full_refresh", fullRefresh))
	return n, nil
}

// extract runs the source read and a single cache writer concurrently.
func (r *Runner) extract(ctx context.Context, stream string) (int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	pages := make(chan []*models.Record, 8)

	g.Go(func() error {
		defer close(pages)
		return r.source.Read(gctx, stream, core.ReadOptions{ForceFullRefresh: r.opts.ForceFullRefresh},
			func(ctx context.Context, records []*models.Record) error {
				select {
				case pages <- records:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
	})

	var written int64
	g.Go(func() error {
		batch := models.NewRecordBatch(r.opts.BatchSize)
		flush := func() error {
			if batch.Size() == 0 {
				return nil
			}
			n, err := r.cache.WriteBatch(gctx, stream, batch.Records)
			written += n
			batch.Reset()
			return err
		}
		for records := range pages {
			for _, rec := range records {
				batch.AddRecord(rec)
			}
			if batch.Size() >= r.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		return flush()
	})

	err := g.Wait()
	return written, err
}

// Write replays the streams of result from the cache into the destination.
func (r *Runner) Write(ctx context.Context, result *core.ReadResult) (*core.WriteResult, error) {
	return r.write(ctx, StageWrite, result)
}

func (r *Runner) write(ctx context.Context, stage string, result *core.ReadResult) (*core.WriteResult, error) {
	defer metrics.NewTimer(stage).ObserveStage()
	if r.destination == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "no destination configured")
	}
	opts := core.WriteOptions{ForceFullRefresh: r.opts.ForceFullRefresh, Mode: r.opts.WriteMode}
	out, err := r.destination.Write(ctx, result, opts, r.cache)
	if err != nil {
		metrics.ConnectorErrors.WithLabelValues(r.destination.Name(), string(errors.TypeOf(err))).Inc()
		return out, err
	}
	return out, nil
}

// Replay writes what the cache already holds into the destination without
// extracting. Without ReplayStreams every cached stream is replayed.
func (r *Runner) Replay(ctx context.Context) (*core.WriteResult, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.replay")
	result, err := r.replay(ctx)
	observability.EndSpan(span, err)
	return result, err
}

func (r *Runner) replay(ctx context.Context) (*core.WriteResult, error) {
	if r.destination == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "no destination configured")
	}
	if err := r.destination.Check(ctx); err != nil {
		return nil, errors.Wrap(err, errors.TypeOf(err), "destination check failed")
	}

	cached, err := r.cache.Streams(ctx)
	if err != nil {
		return nil, err
	}
	streams := cached
	if len(r.opts.ReplayStreams) > 0 {
		have := make(map[string]bool, len(cached))
		for _, s := range cached {
			have[s] = true
		}
		streams = streams[:0:0]
		for _, s := range r.opts.ReplayStreams {
			if have[s] {
				streams = append(streams, s)
				continue
			}
			r.logger.Warn("stream not cached, skipping", zap.String("stream", s))
		}
	}
	if len(streams) == 0 {
		return nil, errors.New(errors.ErrorTypeNotFound, "cache holds none of the requested streams")
	}

	result := &core.ReadResult{
		RunID:     uuid.NewString(),
		Cache:     r.cache.Name(),
		Streams:   streams,
		Records:   make(map[string]int64, len(streams)),
		StartedAt: time.Now().UTC(),
	}
	for _, s := range streams {
		n, err := r.cache.Count(ctx, s)
		if err != nil {
			return nil, err
		}
		result.Records[s] = n
	}
	result.FinishedAt = result.StartedAt
	return r.write(ctx, StageReplay, result)
}
