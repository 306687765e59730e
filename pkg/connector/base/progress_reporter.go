package base

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/metrics"
)

// ProgressReporter periodically logs how many records a stream has processed.
type ProgressReporter struct {
	logger           *zap.Logger
	metricsCollector *metrics.Collector

	processedRecords int64
	totalRecords     int64
	startTime        time.Time
	reportInterval   time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewProgressReporter creates a new progress reporter
func NewProgressReporter(logger *zap.Logger, collector *metrics.Collector) *ProgressReporter {
	return &ProgressReporter{
		logger:           logger,
		metricsCollector: collector,
		startTime:        time.Now(),
		reportInterval:   10 * time.Second,
		stopCh:           make(chan struct{}),
	}
}

// SetReportInterval sets the progress reporting interval. Call before Start.
func (pr *ProgressReporter) SetReportInterval(interval time.Duration) {
	pr.reportInterval = interval
}

// Start begins periodic progress reporting
func (pr *ProgressReporter) Start() {
	pr.wg.Add(1)
	go func() {
		defer pr.wg.Done()
		ticker := time.NewTicker(pr.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pr.stopCh:
				return
			case <-ticker.C:
				pr.report("progress update")
			}
		}
	}()
}

// Stop stops progress reporting and logs a final summary. It is safe to call twice.
func (pr *ProgressReporter) Stop() {
	pr.stopOnce.Do(func() {
		close(pr.stopCh)
		pr.wg.Wait()
		pr.report("processing completed")
	})
}

// SetTotal sets the expected number of records, when known
func (pr *ProgressReporter) SetTotal(total int64) {
	atomic.StoreInt64(&pr.totalRecords, total)
}

// IncrementProcessed increments the processed count
func (pr *ProgressReporter) IncrementProcessed(count int64) {
	atomic.AddInt64(&pr.processedRecords, count)
	if pr.metricsCollector != nil {
		pr.metricsCollector.RecordCounter("records_processed", float64(count))
	}
}

// GetProgress returns current progress
func (pr *ProgressReporter) GetProgress() (processed, total int64) {
	return atomic.LoadInt64(&pr.processedRecords), atomic.LoadInt64(&pr.totalRecords)
}

// Throughput returns records per second since start
func (pr *ProgressReporter) Throughput() float64 {
	elapsed := time.Since(pr.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&pr.processedRecords)) / elapsed
}

func (pr *ProgressReporter) report(msg string) {
	processed, total := pr.GetProgress()
	throughput := pr.Throughput()

	fields := []zap.Field{
		zap.Int64("processed", processed),
		zap.Float64("throughput", throughput),
		zap.Duration("elapsed", time.Since(pr.startTime)),
	}
	if total > 0 {
		fields = append(fields,
			zap.Int64("total", total),
			zap.Float64("percentage", float64(processed)/float64(total)*100))
	}
	pr.logger.Info(msg, fields...)

	if pr.metricsCollector != nil {
		pr.metricsCollector.RecordGauge("throughput", throughput)
	}
}
