// Package monitor runs the per-camera detection loop: read a frame, classify
// it, and start or stop a recording based on how recently motion was seen.
//
// A Monitor owns its source, classifier and recorder outright. The only
// state it shares with other cameras is the batch registry, reached through
// Register on recording start and CloseEntry on recording stop.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/camwatch/internal/recorderlog"
)

const fileTimestampLayout = "2006-01-02_15-04-05"

// Config holds the per-camera settings.
type Config struct {
	CameraID  string
	OutputDir string

	Warmup         time.Duration
	TrailingWindow time.Duration

	// Used when a frame does not report its own size.
	Width     int
	Height    int
	FrameRate float64
	Profile   Profile
}

// Deps are the collaborators a Monitor drives.
type Deps struct {
	Source      Source
	Classifier  Classifier
	NewRecorder RecorderFactory
	Registry    Registry
	Dispatcher  Dispatcher
}

// Monitor is one camera worker.
type Monitor struct {
	cfg  Config
	deps Deps

	logger   recorderlog.Logger
	observer Observer
	now      func() time.Time

	state atomic.Int32

	// session, touched only by the Run goroutine
	openedAt       time.Time
	lastMotion     time.Time
	recorder       Recorder
	currentPath    string
	lastPath       string
	batchID        string
	recordingStart time.Time
	writeFailed    bool
	// set when a recorder failed to open; cleared once motion goes quiet
	abandoned bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l recorderlog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObserver installs an activity observer.
func WithObserver(o Observer) Option {
	return func(m *Monitor) { m.observer = o }
}

// New validates cfg and deps and returns an idle Monitor.
func New(cfg Config, deps Deps, opts ...Option) (*Monitor, error) {
	if cfg.CameraID == "" {
		return nil, fmt.Errorf("camera id is required")
	}
	if deps.Source == nil || deps.Classifier == nil || deps.NewRecorder == nil {
		return nil, fmt.Errorf("camera %s: source, classifier and recorder factory are required", cfg.CameraID)
	}
	if deps.Registry == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("camera %s: registry and dispatcher are required", cfg.CameraID)
	}
	if cfg.TrailingWindow <= 0 {
		return nil, fmt.Errorf("camera %s: trailing window must be positive", cfg.CameraID)
	}
	if cfg.Profile == "" {
		cfg.Profile = ProfileDev
	}

	m := &Monitor{
		cfg:    cfg,
		deps:   deps,
		logger: recorderlog.L(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("monitor").With(recorderlog.String("camera", cfg.CameraID))
	return m, nil
}

// CameraID returns the camera this monitor watches.
func (m *Monitor) CameraID() string {
	return m.cfg.CameraID
}

// State returns the current state. Safe to call from any goroutine.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
}

// Run opens the source and processes frames until ctx is cancelled or the
// source fails. Any recording in progress is finalized through the registry
// before Run returns. Cancellation returns nil; a source failure returns the
// error.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.setState(StateStopped)
	defer func() {
		if cerr := m.deps.Classifier.Close(); cerr != nil {
			m.logger.Warn("Failed to close classifier", recorderlog.Error(cerr))
		}
	}()

	if err := os.MkdirAll(m.cfg.OutputDir, 0o755); err != nil {
		m.logger.Error("Cannot create output directory",
			recorderlog.String("dir", m.cfg.OutputDir),
			recorderlog.Error(err))
		return fmt.Errorf("camera %s: create output dir: %w", m.cfg.CameraID, err)
	}

	m.logger.Info("Initializing camera")
	if err := m.deps.Source.Open(ctx); err != nil {
		m.logger.Error("Cannot open camera", recorderlog.Error(err))
		return fmt.Errorf("camera %s: open source: %w", m.cfg.CameraID, err)
	}
	defer func() {
		if cerr := m.deps.Source.Close(); cerr != nil {
			m.logger.Warn("Failed to release camera", recorderlog.Error(cerr))
		}
	}()

	m.openedAt = m.now()
	m.setState(StateWarmup)
	m.logger.Info("Camera opened, warming up", recorderlog.Duration("warmup", m.cfg.Warmup))

	for {
		if ctx.Err() != nil {
			m.stopRecording("shutdown")
			m.logger.Info("Camera worker stopped")
			return nil
		}

		frame, err := m.deps.Source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.stopRecording("shutdown")
				m.logger.Info("Camera worker stopped")
				return nil
			}
			m.logger.Error("Camera read failed", recorderlog.Error(err))
			m.stopRecording("source failure")
			return fmt.Errorf("camera %s: read frame: %w", m.cfg.CameraID, err)
		}

		m.processFrame(frame)
		if cerr := frame.Close(); cerr != nil {
			m.logger.Debug("Failed to release frame", recorderlog.Error(cerr))
		}
	}
}

// processFrame runs one step of the state machine.
func (m *Monitor) processFrame(frame Frame) {
	motion, err := m.deps.Classifier.Classify(frame)
	if err != nil {
		m.logger.Warn("Classifier failed", recorderlog.Error(err))
		motion = false
	}
	now := m.now()

	if m.observer != nil {
		m.observer.FrameProcessed(m.cfg.CameraID, motion)
	}

	if m.State() == StateWarmup {
		// The classifier has seen the frame; its verdict is not trusted yet.
		if now.Sub(m.openedAt) < m.cfg.Warmup {
			return
		}
		m.setState(StateWatching)
		m.logger.Info("Warmup complete, watching for motion")
	}

	if motion {
		m.lastMotion = now
		if m.State() == StateWatching && !m.abandoned {
			m.startRecording(frame, now)
		}
	}

	if m.abandoned && now.Sub(m.lastMotion) > m.cfg.TrailingWindow {
		m.abandoned = false
	}

	if m.State() != StateRecording {
		return
	}

	if err := m.recorder.Write(frame); err != nil {
		if !m.writeFailed {
			m.logger.Error("Failed to write frame",
				recorderlog.String("path", m.currentPath),
				recorderlog.Error(err))
			m.writeFailed = true
		}
		if m.observer != nil {
			m.observer.RecorderError(m.cfg.CameraID, "write")
		}
	}

	if now.Sub(m.lastMotion) > m.cfg.TrailingWindow {
		m.stopRecording("motion ended")
	}
}

// startRecording opens a new file and registers it with the open batch.
func (m *Monitor) startRecording(frame Frame, now time.Time) {
	path := m.nextPath(now)

	params := RecordingParams{
		Width:     m.cfg.Width,
		Height:    m.cfg.Height,
		FrameRate: m.cfg.FrameRate,
		Profile:   m.cfg.Profile,
	}
	if w, h := frame.Size(); w > 0 && h > 0 {
		params.Width, params.Height = w, h
	}

	rec := m.deps.NewRecorder()
	if err := rec.Open(path, params); err != nil {
		m.logger.Error("Failed to open recorder, skipping this motion interval",
			recorderlog.String("path", path),
			recorderlog.Error(err))
		if m.observer != nil {
			m.observer.RecorderError(m.cfg.CameraID, "open")
		}
		m.abandoned = true
		return
	}

	m.batchID = m.deps.Registry.Register(path, m.cfg.CameraID)
	m.recorder = rec
	m.currentPath = path
	m.lastPath = path
	m.recordingStart = now
	m.writeFailed = false
	m.setState(StateRecording)

	m.logger.Info("Recording started",
		recorderlog.String("path", path),
		recorderlog.String("batch_id", m.batchID),
		recorderlog.Int("width", params.Width),
		recorderlog.Int("height", params.Height))
	if m.observer != nil {
		m.observer.RecordingStarted(m.cfg.CameraID)
	}
}

// stopRecording finalizes the current file and closes its batch entry. It is
// a no-op when nothing is being recorded. If this was the batch's last active
// entry the closed batch is handed to the dispatcher, which returns at once.
func (m *Monitor) stopRecording(reason string) {
	if m.State() != StateRecording {
		return
	}

	if err := m.recorder.Close(); err != nil {
		m.logger.Error("Failed to finalize recording",
			recorderlog.String("path", m.currentPath),
			recorderlog.Error(err))
		if m.observer != nil {
			m.observer.RecorderError(m.cfg.CameraID, "close")
		}
	}

	res := m.deps.Registry.CloseEntry(m.currentPath)
	duration := m.now().Sub(m.recordingStart)

	m.logger.Info("Recording stopped",
		recorderlog.String("path", m.currentPath),
		recorderlog.String("batch_id", m.batchID),
		recorderlog.String("reason", reason),
		recorderlog.Duration("duration", duration))
	if m.observer != nil {
		m.observer.RecordingStopped(m.cfg.CameraID, duration)
	}

	m.recorder = nil
	m.currentPath = ""
	m.batchID = ""
	m.setState(StateWatching)

	if res.Closed {
		m.logger.Info("Event finished, dispatching batch",
			recorderlog.String("batch_id", res.BatchID),
			recorderlog.Int("files", len(res.Entries)))
		m.deps.Dispatcher.Dispatch(res)
	}
}

// nextPath builds cam<ID>_<timestamp>.<ext>, adding a numeric suffix when the
// same camera starts twice within one second.
func (m *Monitor) nextPath(now time.Time) string {
	base := "cam" + m.cfg.CameraID + "_" + now.Format(fileTimestampLayout)
	ext := "." + m.cfg.Profile.Extension()

	path := filepath.Join(m.cfg.OutputDir, base+ext)
	for i := 1; m.pathTaken(path); i++ {
		path = filepath.Join(m.cfg.OutputDir, base+"_"+strconv.Itoa(i)+ext)
	}
	return path
}

func (m *Monitor) pathTaken(path string) bool {
	if path == m.lastPath {
		return true
	}
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
