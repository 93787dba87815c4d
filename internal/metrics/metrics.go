// Package metrics exposes camera, batch and upload activity to Prometheus.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikeyg42/camwatch/internal/upload"
)

// Metrics holds all application metrics. It implements monitor.Observer,
// batch.Observer and upload.Observer.
type Metrics struct {
	// Batch lifecycle
	BatchesOpened atomic.Uint64
	BatchesClosed atomic.Uint64
	// Opened minus closed. Observer calls for consecutive batches may arrive
	// out of order, so this is a count rather than a flag.
	BatchOpen atomic.Int64

	framesProcessed  *prometheus.CounterVec
	motionFrames     *prometheus.CounterVec
	recordingsActive *prometheus.GaugeVec
	recordings       *prometheus.CounterVec
	recordingLength  *prometheus.HistogramVec
	recorderErrors   *prometheus.CounterVec
	batchFiles       prometheus.Histogram
	uploadedFiles    *prometheus.CounterVec
	uploadDuration   prometheus.Histogram
	classifiers      *classifierCollector

	registry *prometheus.Registry
}

// ClassifierStats is the per-camera detector state exported on each scrape.
type ClassifierStats struct {
	MaxMotionArea     float64
	AverageMotionArea float64
	ProcessingTime    time.Duration
}

var (
	classifierMaxAreaDesc = prometheus.NewDesc("camwatch_classifier_max_motion_area",
		"Largest foreground area seen by the camera's detector", []string{"camera"}, nil)
	classifierAvgAreaDesc = prometheus.NewDesc("camwatch_classifier_avg_motion_area",
		"Average foreground area of motion frames", []string{"camera"}, nil)
	classifierTimeDesc = prometheus.NewDesc("camwatch_classifier_frame_seconds",
		"Time the detector spent on its last frame", []string{"camera"}, nil)
)

// classifierCollector reads detector stats at scrape time. A camera that is
// restarted replaces its previous source.
type classifierCollector struct {
	mu      sync.Mutex
	sources map[string]func() ClassifierStats
}

func (c *classifierCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- classifierMaxAreaDesc
	ch <- classifierAvgAreaDesc
	ch <- classifierTimeDesc
}

func (c *classifierCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for camera, stats := range c.sources {
		s := stats()
		ch <- prometheus.MustNewConstMetric(classifierMaxAreaDesc, prometheus.GaugeValue, s.MaxMotionArea, camera)
		ch <- prometheus.MustNewConstMetric(classifierAvgAreaDesc, prometheus.GaugeValue, s.AverageMotionArea, camera)
		ch <- prometheus.MustNewConstMetric(classifierTimeDesc, prometheus.GaugeValue, s.ProcessingTime.Seconds(), camera)
	}
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry:    prometheus.NewRegistry(),
		classifiers: &classifierCollector{sources: make(map[string]func() ClassifierStats)},
		framesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camwatch_frames_processed_total",
			Help: "Frames classified per camera",
		}, []string{"camera"}),
		motionFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camwatch_motion_frames_total",
			Help: "Frames classified as motion per camera",
		}, []string{"camera"}),
		recordingsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camwatch_recording_active",
			Help: "Recording active (0=inactive, 1=active)",
		}, []string{"camera"}),
		recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camwatch_recordings_total",
			Help: "Recordings started per camera",
		}, []string{"camera"}),
		recordingLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "camwatch_recording_duration_seconds",
			Help:    "Length of finished recordings",
			Buckets: []float64{5, 10, 15, 30, 60, 120, 300, 600},
		}, []string{"camera"}),
		recorderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camwatch_recorder_errors_total",
			Help: "Recorder failures by operation",
		}, []string{"camera", "op"}),
		batchFiles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "camwatch_batch_files",
			Help:    "Files per closed batch",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		uploadedFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camwatch_upload_files_total",
			Help: "Batch files by upload outcome",
		}, []string{"status"}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "camwatch_batch_upload_duration_seconds",
			Help:    "Time to upload one batch",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(
		m.framesProcessed,
		m.motionFrames,
		m.recordingsActive,
		m.recordings,
		m.recordingLength,
		m.recorderErrors,
		m.batchFiles,
		m.uploadedFiles,
		m.uploadDuration,
		m.classifiers,
	)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "camwatch_batches_opened_total",
			Help: "Event batches opened",
		},
		func() float64 { return float64(m.BatchesOpened.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "camwatch_batches_closed_total",
			Help: "Event batches closed and dispatched",
		},
		func() float64 { return float64(m.BatchesClosed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "camwatch_batch_open",
			Help: "Event batches currently open",
		},
		func() float64 { return float64(m.BatchOpen.Load()) },
	))
}

// RegisterClassifier exports the detector stats of one camera. stats is
// called on every scrape.
func (m *Metrics) RegisterClassifier(cameraID string, stats func() ClassifierStats) {
	m.classifiers.mu.Lock()
	m.classifiers.sources[cameraID] = stats
	m.classifiers.mu.Unlock()
}

// StoreStats is implemented by sinks that keep their own counters.
type StoreStats interface {
	GetMetrics() map[string]interface{}
}

// RegisterStore exports every counter a store reports as a gauge named
// camwatch_store_<key>.
func (m *Metrics) RegisterStore(s StoreStats) {
	keys := make([]string, 0)
	for k := range s.GetMetrics() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		key := key
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "camwatch_store_" + key,
				Help: "Remote store " + key,
			},
			func() float64 { return toFloat(s.GetMetrics()[key]) },
		))
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case uint64:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// FrameProcessed counts one classified frame.
func (m *Metrics) FrameProcessed(cameraID string, motion bool) {
	m.framesProcessed.WithLabelValues(cameraID).Inc()
	if motion {
		m.motionFrames.WithLabelValues(cameraID).Inc()
	}
}

// RecordingStarted marks a camera as recording.
func (m *Metrics) RecordingStarted(cameraID string) {
	m.recordings.WithLabelValues(cameraID).Inc()
	m.recordingsActive.WithLabelValues(cameraID).Set(1)
}

// RecordingStopped marks a camera as idle and records the file length.
func (m *Metrics) RecordingStopped(cameraID string, duration time.Duration) {
	m.recordingsActive.WithLabelValues(cameraID).Set(0)
	m.recordingLength.WithLabelValues(cameraID).Observe(duration.Seconds())
}

// RecorderError counts a failed open, write or close.
func (m *Metrics) RecorderError(cameraID string, op string) {
	m.recorderErrors.WithLabelValues(cameraID, op).Inc()
}

// BatchOpened is called when the first recording of an event registers.
func (m *Metrics) BatchOpened(string) {
	m.BatchesOpened.Add(1)
	m.BatchOpen.Add(1)
}

// BatchClosed is called once per batch when its last recording stops.
func (m *Metrics) BatchClosed(_ string, files int) {
	m.BatchesClosed.Add(1)
	m.BatchOpen.Add(-1)
	m.batchFiles.Observe(float64(files))
}

// BatchUploaded records the per-file outcome of a batch upload.
func (m *Metrics) BatchUploaded(report upload.Report) {
	for _, f := range report.Files {
		m.uploadedFiles.WithLabelValues(string(f.Status)).Inc()
	}
	if !report.Finished.IsZero() && !report.Started.IsZero() {
		m.uploadDuration.Observe(report.Finished.Sub(report.Started).Seconds())
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
