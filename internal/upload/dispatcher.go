// Package upload ships closed event batches to remote storage.
//
// Each closed batch is uploaded on its own goroutine. Dispatchers for
// different batches are not coordinated with each other, so uploads of
// consecutive batches may overlap. A failing file is logged and skipped; it
// never aborts the rest of its batch and is not retried here. Local files are
// left in place.
package upload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mikeyg42/camwatch/internal/batch"
	"github.com/mikeyg42/camwatch/internal/recorderlog"
)

// Sink stores one file under key inside container. Metadata is attached to
// the stored object where the sink supports it.
type Sink interface {
	Put(ctx context.Context, container, key, filePath string, metadata map[string]string) error
}

// Catalog records the outcome of a batch upload.
type Catalog interface {
	RecordBatch(ctx context.Context, report Report) error
}

// Observer receives every finished batch report.
type Observer interface {
	BatchUploaded(report Report)
}

// FileStatus is the outcome for one file of a batch.
type FileStatus string

const (
	StatusUploaded  FileStatus = "uploaded"
	StatusSimulated FileStatus = "simulated"
	StatusMissing   FileStatus = "missing"
	StatusFailed    FileStatus = "failed"
)

// FileResult describes what happened to one batch entry.
type FileResult struct {
	Entry  batch.Entry
	Key    string
	Size   int64
	Status FileStatus
	Err    error
}

// Report summarises one batch upload.
type Report struct {
	BatchID   string
	Container string
	Started   time.Time
	Finished  time.Time
	Files     []FileResult
}

// ObjectKey namespaces a recording under its batch id.
func ObjectKey(batchID, filePath string) string {
	return batchID + "/" + filepath.Base(filePath)
}

// ObjectMetadata is the metadata stored with each uploaded recording.
func ObjectMetadata(batchID string, e batch.Entry) map[string]string {
	return map[string]string{
		"batch-id":  batchID,
		"camera-id": e.CameraID,
	}
}

// Count returns how many files ended with status.
func (r Report) Count(status FileStatus) int {
	n := 0
	for _, f := range r.Files {
		if f.Status == status {
			n++
		}
	}
	return n
}

// Dispatcher uploads closed batches.
type Dispatcher struct {
	sink      Sink
	container string
	catalog   Catalog
	observers []Observer
	logger    recorderlog.Logger

	timeout        time.Duration
	simulatedDelay time.Duration
	synchronous    bool

	mu       sync.Mutex
	inflight int
	// closed when inflight drops to zero
	idle chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSink sets the remote sink and container. Without a sink, uploads are
// simulated.
func WithSink(sink Sink, container string) Option {
	return func(d *Dispatcher) {
		d.sink = sink
		d.container = container
	}
}

// WithContainer sets the container name used in keys and logs even when no
// sink is configured.
func WithContainer(container string) Option {
	return func(d *Dispatcher) { d.container = container }
}

// WithCatalog records each finished batch.
func WithCatalog(c Catalog) Option {
	return func(d *Dispatcher) { d.catalog = c }
}

// WithObserver adds a report observer. Observers are called in the order
// they were added.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observers = append(d.observers, o)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l recorderlog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTimeout bounds one batch upload.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithSimulatedDelay sets the per-file pause used when no sink is configured.
func WithSimulatedDelay(delay time.Duration) Option {
	return func(d *Dispatcher) { d.simulatedDelay = delay }
}

// WithSynchronous makes Dispatch run the upload on the caller's goroutine.
func WithSynchronous() Option {
	return func(d *Dispatcher) { d.synchronous = true }
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:         recorderlog.L(),
		timeout:        5 * time.Minute,
		simulatedDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("upload")
	return d
}

// Simulated reports whether uploads are simulated.
func (d *Dispatcher) Simulated() bool {
	return d.sink == nil
}

// Dispatch starts uploading a closed batch and returns without waiting.
// Results that did not close a batch are ignored.
func (d *Dispatcher) Dispatch(res batch.ClosureResult) {
	if !res.Closed || len(res.Entries) == 0 {
		return
	}

	d.begin()
	run := func() {
		defer d.end()

		ctx := context.Background()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		d.Upload(ctx, res.BatchID, res.Entries)
	}

	if d.synchronous {
		run()
		return
	}
	go run()
}

func (d *Dispatcher) begin() {
	d.mu.Lock()
	if d.inflight == 0 {
		d.idle = make(chan struct{})
	}
	d.inflight++
	d.mu.Unlock()
}

func (d *Dispatcher) end() {
	d.mu.Lock()
	d.inflight--
	if d.inflight == 0 {
		close(d.idle)
	}
	d.mu.Unlock()
}

// Wait blocks until no dispatch is in flight or timeout elapses, and reports
// whether everything finished. A timeout of zero or less waits indefinitely.
// Batches dispatched before the count reaches zero extend the wait.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	d.mu.Lock()
	if d.inflight == 0 {
		d.mu.Unlock()
		return true
	}
	idle := d.idle
	d.mu.Unlock()

	if timeout <= 0 {
		<-idle
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-idle:
		return true
	case <-t.C:
		return false
	}
}

// Upload ships every entry of one batch and returns the per-file outcome.
func (d *Dispatcher) Upload(ctx context.Context, batchID string, entries []batch.Entry) Report {
	log := d.logger.With(recorderlog.String("batch_id", batchID))
	log.Info("Uploading batch",
		recorderlog.Int("files", len(entries)),
		recorderlog.Bool("simulated", d.Simulated()))

	report := Report{
		BatchID:   batchID,
		Container: d.container,
		Started:   time.Now(),
		Files:     make([]FileResult, 0, len(entries)),
	}

	for _, e := range entries {
		res := d.uploadOne(ctx, log, batchID, e)
		report.Files = append(report.Files, res)
	}
	report.Finished = time.Now()

	log.Info("Batch upload finished",
		recorderlog.Int("uploaded", report.Count(StatusUploaded)+report.Count(StatusSimulated)),
		recorderlog.Int("missing", report.Count(StatusMissing)),
		recorderlog.Int("failed", report.Count(StatusFailed)),
		recorderlog.Duration("took", report.Finished.Sub(report.Started)))

	if d.catalog != nil {
		if err := d.catalog.RecordBatch(ctx, report); err != nil {
			log.Error("Failed to record batch in catalog", recorderlog.Error(err))
		}
	}
	for _, o := range d.observers {
		o.BatchUploaded(report)
	}
	return report
}

func (d *Dispatcher) uploadOne(ctx context.Context, log recorderlog.Logger, batchID string, e batch.Entry) FileResult {
	res := FileResult{
		Entry: e,
		Key:   ObjectKey(batchID, e.FilePath),
	}

	info, err := os.Stat(e.FilePath)
	if err != nil {
		res.Status = StatusMissing
		res.Err = err
		log.Warn("Recording file missing",
			recorderlog.String("path", e.FilePath),
			recorderlog.Error(err))
		return res
	}
	res.Size = info.Size()

	if d.sink == nil {
		if err := sleepCtx(ctx, d.simulatedDelay); err != nil {
			res.Status = StatusFailed
			res.Err = err
			log.Error("Simulated upload interrupted",
				recorderlog.String("key", res.Key),
				recorderlog.Error(err))
			return res
		}
		res.Status = StatusSimulated
		log.Info("Simulated upload",
			recorderlog.String("container", d.container),
			recorderlog.String("key", res.Key),
			recorderlog.Int64("size", res.Size))
		return res
	}

	if err := d.sink.Put(ctx, d.container, res.Key, e.FilePath, ObjectMetadata(batchID, e)); err != nil {
		res.Status = StatusFailed
		res.Err = err
		log.Error("Upload failed",
			recorderlog.String("container", d.container),
			recorderlog.String("key", res.Key),
			recorderlog.Error(err))
		return res
	}

	res.Status = StatusUploaded
	log.Info("Uploaded",
		recorderlog.String("container", d.container),
		recorderlog.String("key", res.Key),
		recorderlog.Int64("size", res.Size))
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
