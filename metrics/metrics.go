// Package metrics collects counters for publish and upload activity and
// renders them as a JSON report or as Prometheus metrics.
//
// A nil *Metrics is valid and records nothing, so wrappers can take one
// optionally.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects counters with atomic updates; safe for concurrent use.
type Metrics struct {
	mu sync.RWMutex

	recordsPublished int64 // Records accepted by the stream
	recordsFailed    int64 // Records rejected inside otherwise successful batches
	batchesPublished int64 // PutRecords calls that returned
	objectsUploaded  int64 // Objects written to the store
	errors           int64 // Calls that returned an error
	corruptCount     int64 // Input lines that could not be decoded

	publishTime time.Duration // Total time spent in publish calls
	startTime   time.Time
}

// NewMetrics creates a new Metrics instance with initialized counters
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordPublished adds n records accepted by the stream.
func (m *Metrics) RecordPublished(n int) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.recordsPublished, int64(n))
}

// RecordFailed adds n records the stream rejected in a batch response.
func (m *Metrics) RecordFailed(n int) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.recordsFailed, int64(n))
}

// RecordBatchPublished increments the published batches counter
func (m *Metrics) RecordBatchPublished() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.batchesPublished, 1)
}

// RecordObjectUploaded increments the uploaded objects counter
func (m *Metrics) RecordObjectUploaded() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.objectsUploaded, 1)
}

// RecordError increments the errors counter
func (m *Metrics) RecordError() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.errors, 1)
}

// RecordCorrupt increments the corrupt lines counter
func (m *Metrics) RecordCorrupt() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.corruptCount, 1)
}

// RecordPublishTime adds the duration of one publish call.
func (m *Metrics) RecordPublishTime(d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishTime += d
}

// Report is a point-in-time snapshot of the counters.
type Report struct {
	StartTime        time.Time     `json:"startTime"`
	EndTime          time.Time     `json:"endTime"`
	RecordsPublished int64         `json:"recordsPublished"`
	RecordsFailed    int64         `json:"recordsFailed"`
	BatchesPublished int64         `json:"batchesPublished"`
	ObjectsUploaded  int64         `json:"objectsUploaded"`
	Errors           int64         `json:"errors"`
	CorruptCount     int64         `json:"corruptCount"`
	PublishTime      time.Duration `json:"publishTime"`
	Duration         time.Duration `json:"duration"`
	Throughput       float64       `json:"throughput"` // Records published per second
}

// GenerateReport snapshots the counters.
func (m *Metrics) GenerateReport() Report {
	if m == nil {
		return Report{}
	}
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	published := atomic.LoadInt64(&m.recordsPublished)

	var throughput float64
	if duration > 0 {
		throughput = float64(published) / duration.Seconds()
	}

	m.mu.RLock()
	publishTime := m.publishTime
	m.mu.RUnlock()

	return Report{
		StartTime:        m.startTime,
		EndTime:          endTime,
		RecordsPublished: published,
		RecordsFailed:    atomic.LoadInt64(&m.recordsFailed),
		BatchesPublished: atomic.LoadInt64(&m.batchesPublished),
		ObjectsUploaded:  atomic.LoadInt64(&m.objectsUploaded),
		Errors:           atomic.LoadInt64(&m.errors),
		CorruptCount:     atomic.LoadInt64(&m.corruptCount),
		PublishTime:      publishTime,
		Duration:         duration,
		Throughput:       throughput,
	}
}

// MarshalJSON renders durations as strings.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		PublishTime string `json:"publishTime"`
		Duration    string `json:"duration"`
	}{
		Alias:       Alias(r),
		PublishTime: r.PublishTime.String(),
		Duration:    r.Duration.String(),
	})
}

// String returns a human-readable summary for console output.
func (r Report) String() string {
	return fmt.Sprintf(
		"Ran for %s\n"+
			"Records published: %d (%d failed) in %d batches\n"+
			"Objects uploaded: %d\n"+
			"Errors: %d, corrupt lines: %d\n"+
			"Throughput: %.2f records/sec",
		r.Duration,
		r.RecordsPublished,
		r.RecordsFailed,
		r.BatchesPublished,
		r.ObjectsUploaded,
		r.Errors,
		r.CorruptCount,
		r.Throughput,
	)
}

// Collector exposes the counters as Prometheus counters under namespace.
// m must not be nil.
func (m *Metrics) Collector(namespace string) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &collector{
		counters: []counter{
			{desc("records_published_total", "Records accepted by the stream."), &m.recordsPublished},
			{desc("records_failed_total", "Records rejected inside batch responses."), &m.recordsFailed},
			{desc("batches_published_total", "PutRecords calls that returned."), &m.batchesPublished},
			{desc("objects_uploaded_total", "Objects written to the store."), &m.objectsUploaded},
			{desc("errors_total", "Calls that returned an error."), &m.errors},
			{desc("corrupt_lines_total", "Input lines that could not be decoded."), &m.corruptCount},
		},
	}
}

type counter struct {
	desc  *prometheus.Desc
	value *int64
}

type collector struct {
	counters []counter
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, ctr := range c.counters {
		ch <- ctr.desc
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, ctr := range c.counters {
		ch <- prometheus.MustNewConstMetric(ctr.desc, prometheus.CounterValue, float64(atomic.LoadInt64(ctr.value)))
	}
}
