// Package jsonl implements a file destination writing one JSON lines file
// per stream, optionally compressed. Every line is the record data plus its
// primary key and extraction time.
package jsonl

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/compression"
	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/base"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/connector/registry"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/json"
	"github.com/leds-conectafapes/ghsync/pkg/metrics"
	"github.com/leds-conectafapes/ghsync/pkg/models"
	"github.com/leds-conectafapes/ghsync/pkg/observability"
)

// Version of the JSON lines destination connector.
const Version = "1.0.0"

const bufferSize = 64 * 1024

func init() {
	_ = registry.RegisterDestination(config.DestinationJSONL, func(cfg *config.Config) (core.Destination, error) {
		return NewJSONLDestination(&cfg.JSONL)
	})
	_ = registry.RegisterConnectorInfo(&registry.ConnectorInfo{
		Name:         config.DestinationJSONL,
		Type:         string(core.ConnectorTypeDestination),
		Description:  "JSON lines files, one per stream, optionally compressed",
		Version:      Version,
		Capabilities: []string{"replace", "append", "gzip", "zstd", "lz4", "s2"},
	})
}

var _ core.Destination = (*JSONLDestination)(nil)

// JSONLDestination writes cached streams to files.
type JSONLDestination struct {
	*base.BaseConnector

	config *config.JSONLDestinationConfig
	codec  compression.Algorithm
	tracer *observability.ConnectorTracer
}

// NewJSONLDestination validates cfg and creates the connector.
func NewJSONLDestination(cfg *config.JSONLDestinationConfig) (*JSONLDestination, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "jsonl destination configuration is required")
	}
	if err := cfg.BaseConfig.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid jsonl destination configuration")
	}
	if cfg.Directory == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "jsonl destination directory is required")
	}
	codec, err := compression.Parse(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid jsonl destination configuration")
	}
	return &JSONLDestination{
		BaseConnector: base.NewBaseConnector(config.DestinationJSONL, core.ConnectorTypeDestination, Version),
		config:        cfg,
		codec:         codec,
		tracer:        observability.NewConnectorTracer(string(core.ConnectorTypeDestination), config.DestinationJSONL),
	}, nil
}

// Initialize creates the output directory.
func (d *JSONLDestination) Initialize(ctx context.Context) error {
	if err := d.BaseConnector.Initialize(ctx, &d.config.BaseConfig); err != nil {
		return err
	}
	if err := os.MkdirAll(d.config.Directory, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create output directory").
			WithDetail("directory", d.config.Directory)
	}
	return nil
}

// Check verifies the output directory is writable.
func (d *JSONLDestination) Check(ctx context.Context) error {
	f, err := os.CreateTemp(d.config.Directory, ".ghsync-check-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePermission, "output directory is not writable").
			WithDetail("directory", d.config.Directory)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Path returns the file a stream is written to.
func (d *JSONLDestination) Path(stream string) string {
	return filepath.Join(d.config.Directory, stream+".jsonl"+d.codec.Extension())
}

// Write exports every stream of result. Append mode adds lines to existing
// files; replace and upsert rewrite them, since the cache already holds
// the newest copy of every record.
func (d *JSONLDestination) Write(ctx context.Context, result *core.ReadResult, opts core.WriteOptions, cache core.CacheReader) (*core.WriteResult, error) {
	if result == nil || cache == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "read result and cache are required")
	}

	mode := opts.Mode
	switch {
	case opts.ForceFullRefresh || mode == "":
		mode = config.WriteModeReplace
	case mode == config.WriteModeAppend, mode == config.WriteModeUpsert, mode == config.WriteModeReplace:
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown write mode %q", mode)
	}
	if mode == config.WriteModeAppend && !d.codec.Appendable() {
		return nil, errors.Newf(errors.ErrorTypeValidation, "%s files cannot be appended to", d.codec)
	}

	out := &core.WriteResult{
		RunID:       result.RunID,
		Destination: d.Name(),
		Mode:        mode,
		StartedAt:   time.Now().UTC(),
	}
	for _, stream := range result.Streams {
		start := time.Now()
		sctx, span := d.tracer.StartSpan(ctx, "write_stream", attribute.String("stream", stream))
		n, err := d.writeStream(sctx, stream, mode == config.WriteModeAppend, cache)
		observability.EndSpan(span, err)
		if err != nil {
			return out, err
		}

		metrics.RecordsLoaded.WithLabelValues(d.Name(), stream, mode).Add(float64(n))
		d.RecordCounter("records_loaded", float64(n))
		out.Add(core.StreamWriteResult{
			Stream:   stream,
			Table:    d.Path(stream),
			Mode:     mode,
			Records:  n,
			Duration: time.Since(start),
		})
		d.GetLogger().Info("stream exported",
			zap.String("stream", stream),
			zap.String("path", d.Path(stream)),
			zap.Int64("records", n))
	}

	out.FinishedAt = time.Now().UTC()
	out.Duration = out.FinishedAt.Sub(out.StartedAt)
	return out, nil
}

// writeStream writes one stream. A rewrite goes to a temporary file renamed
// over the target once complete.
func (d *JSONLDestination) writeStream(ctx context.Context, stream string, appendMode bool, cache core.CacheReader) (int64, error) {
	target := d.Path(stream)
	var (
		f   *os.File
		err error
	)
	if appendMode {
		f, err = os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // G304: path built from configured directory
	} else {
		f, err = os.CreateTemp(d.config.Directory, "."+stream+"-*.tmp")
		if err == nil {
			// CreateTemp uses 0600
			err = f.Chmod(0o644)
		}
	}
	if err != nil {
		if f != nil {
			_ = f.Close()
			if !appendMode {
				_ = os.Remove(f.Name())
			}
		}
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to open output file").WithDetail("stream", stream)
	}
	tmp := f.Name()
	committed := false
	defer func() {
		_ = f.Close()
		if !appendMode && !committed {
			_ = os.Remove(tmp)
		}
	}()

	zw, err := compression.NewWriter(f, d.codec, compression.Default)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create compressor").WithDetail("stream", stream)
	}
	buf := bufio.NewWriterSize(zw, bufferSize)
	enc := json.NewLineEncoder(buf)

	err = cache.Scan(ctx, stream, func(r *models.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.EncodeRecord(r); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to encode record").
				WithDetail("stream", stream).
				WithDetail("primary_key", r.PrimaryKey)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := buf.Flush(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to flush output").WithDetail("stream", stream)
	}
	if err := zw.Close(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to finish compressed stream").WithDetail("stream", stream)
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to close output").WithDetail("stream", stream)
	}

	if !appendMode {
		if err := os.Rename(tmp, target); err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to move output into place").WithDetail("stream", stream)
		}
		committed = true
	}
	d.GetLogger().Debug("stream file written", zap.String("path", target))
	return enc.Lines(), nil
}
