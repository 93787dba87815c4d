package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mikeyg42/camwatch/internal/batch"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeFrame struct {
	motion bool
	w, h   int
}

func (f *fakeFrame) Size() (int, int) { return f.w, f.h }
func (f *fakeFrame) Close() error     { return nil }

// scriptSource plays back a motion script, one frame per step. When the
// script runs out it cancels the run (or fails, if failAtEnd is set).
type scriptSource struct {
	clock     *fakeClock
	step      time.Duration
	script    []bool
	cancel    context.CancelFunc
	openErr   error
	failAtEnd bool

	idx    int
	opened bool
	closed bool
}

func (s *scriptSource) Open(context.Context) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = true
	return nil
}

func (s *scriptSource) Read(ctx context.Context) (Frame, error) {
	if s.idx >= len(s.script) {
		if s.failAtEnd {
			return nil, errors.New("device unplugged")
		}
		s.cancel()
		return nil, ctx.Err()
	}
	s.clock.Advance(s.step)
	motion := s.script[s.idx]
	s.idx++
	return &fakeFrame{motion: motion, w: 320, h: 240}, nil
}

func (s *scriptSource) Close() error {
	s.closed = true
	return nil
}

type frameClassifier struct {
	err    error
	closed bool
}

func (c *frameClassifier) Classify(f Frame) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return f.(*fakeFrame).motion, nil
}

func (c *frameClassifier) Close() error {
	c.closed = true
	return nil
}

type fakeRecorder struct {
	path     string
	params   RecordingParams
	openErr  error
	writeErr error
	writes   int
	closes   int
}

func (r *fakeRecorder) Open(path string, params RecordingParams) error {
	if r.openErr != nil {
		return r.openErr
	}
	r.path = path
	r.params = params
	return nil
}

func (r *fakeRecorder) Write(Frame) error {
	r.writes++
	return r.writeErr
}

func (r *fakeRecorder) Close() error {
	r.closes++
	return nil
}

type recorderPool struct {
	openErrs []error
	made     []*fakeRecorder
}

func (p *recorderPool) New() Recorder {
	r := &fakeRecorder{}
	if n := len(p.made); n < len(p.openErrs) {
		r.openErr = p.openErrs[n]
	}
	p.made = append(p.made, r)
	return r
}

type collectDispatcher struct {
	mu      sync.Mutex
	results []batch.ClosureResult
}

func (d *collectDispatcher) Dispatch(res batch.ClosureResult) {
	d.mu.Lock()
	d.results = append(d.results, res)
	d.mu.Unlock()
}

func (d *collectDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.results)
}

type harness struct {
	clock      *fakeClock
	registry   *batch.Registry
	dispatcher *collectDispatcher
	recorders  *recorderPool
}

func newHarness() *harness {
	clock := newClock()
	return &harness{
		clock:      clock,
		registry:   batch.NewRegistry(batch.WithClock(clock.Now)),
		dispatcher: &collectDispatcher{},
		recorders:  &recorderPool{},
	}
}

func (h *harness) config(t *testing.T, id string) Config {
	t.Helper()
	return Config{
		CameraID:       id,
		OutputDir:      t.TempDir(),
		Warmup:         0,
		TrailingWindow: 10 * time.Second,
		Width:          640,
		Height:         480,
		FrameRate:      10,
		Profile:        ProfileDev,
	}
}

// watching builds a monitor that is past warmup, for driving processFrame
// directly.
func (h *harness) watching(t *testing.T, cfg Config) *Monitor {
	t.Helper()
	m, err := New(cfg, Deps{
		Source:      &scriptSource{clock: h.clock},
		Classifier:  &frameClassifier{},
		NewRecorder: h.recorders.New,
		Registry:    h.registry,
		Dispatcher:  h.dispatcher,
	}, WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.openedAt = h.clock.Now()
	m.setState(StateWatching)
	return m
}

func (h *harness) run(t *testing.T, cfg Config, script []bool) (*Monitor, *scriptSource, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scriptSource{clock: h.clock, step: time.Second, script: script, cancel: cancel}
	m, err := New(cfg, Deps{
		Source:      src,
		Classifier:  &frameClassifier{},
		NewRecorder: h.recorders.New,
		Registry:    h.registry,
		Dispatcher:  h.dispatcher,
	}, WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m, src, m.Run(ctx)
}

func motionScript(n int, motionAt ...int) []bool {
	s := make([]bool, n)
	for _, i := range motionAt {
		s[i] = true
	}
	return s
}

func TestNewValidatesDependencies(t *testing.T) {
	h := newHarness()
	good := Deps{
		Source:      &scriptSource{},
		Classifier:  &frameClassifier{},
		NewRecorder: h.recorders.New,
		Registry:    h.registry,
		Dispatcher:  h.dispatcher,
	}

	testCases := []struct {
		name   string
		mutate func(*Config, *Deps)
	}{
		{"no camera id", func(c *Config, _ *Deps) { c.CameraID = "" }},
		{"no source", func(_ *Config, d *Deps) { d.Source = nil }},
		{"no registry", func(_ *Config, d *Deps) { d.Registry = nil }},
		{"no dispatcher", func(_ *Config, d *Deps) { d.Dispatcher = nil }},
		{"zero trailing window", func(c *Config, _ *Deps) { c.TrailingWindow = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := h.config(t, "0")
			deps := good
			tc.mutate(&cfg, &deps)
			if _, err := New(cfg, deps); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestWarmupSuppressesMotion(t *testing.T) {
	h := newHarness()
	cfg := h.config(t, "0")
	cfg.Warmup = 10 * time.Second

	// Frames arrive at t=1s..9s, all with motion.
	m, _, err := h.run(t, cfg, motionScript(9, 0, 1, 2, 3, 4, 5, 6, 7, 8))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(h.recorders.made) != 0 {
		t.Fatalf("no recording may start during warmup, got %d", len(h.recorders.made))
	}
	if h.dispatcher.count() != 0 {
		t.Fatal("nothing should be dispatched")
	}
	if m.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", m.State())
	}
}

func TestRecordingStartsOnceWarmupElapses(t *testing.T) {
	h := newHarness()
	cfg := h.config(t, "0")
	cfg.Warmup = 10 * time.Second

	// Frame index 9 arrives at t=10s, the first frame after warmup.
	_, _, err := h.run(t, cfg, motionScript(12, 0, 5, 9))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(h.recorders.made) != 1 {
		t.Fatalf("expected one recording, got %d", len(h.recorders.made))
	}
	rec := h.recorders.made[0]
	if want := "cam0_2024-05-01_12-00-10.avi"; filepath.Base(rec.path) != want {
		t.Fatalf("expected %s, got %s", want, filepath.Base(rec.path))
	}
	// t=10s, 11s, 12s
	if rec.writes != 3 {
		t.Fatalf("expected 3 frames written, got %d", rec.writes)
	}
}

func TestContinuousMotionKeepsRecording(t *testing.T) {
	h := newHarness()
	cfg := h.config(t, "0")

	script := make([]bool, 30)
	for i := range script {
		script[i] = true
	}
	_, _, err := h.run(t, cfg, script)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(h.recorders.made) != 1 {
		t.Fatalf("continuous motion must produce one file, got %d", len(h.recorders.made))
	}
	rec := h.recorders.made[0]
	if rec.writes != 30 {
		t.Fatalf("expected every frame written, got %d", rec.writes)
	}
	if rec.closes != 1 {
		t.Fatalf("shutdown should finalize the file once, got %d closes", rec.closes)
	}
	if h.dispatcher.count() != 1 {
		t.Fatalf("expected one dispatch at shutdown, got %d", h.dispatcher.count())
	}
}

func TestSilenceStopsAfterTrailingWindow(t *testing.T) {
	h := newHarness()
	cfg := h.config(t, "0")

	// Motion only at t=1s; 20 quiet frames follow.
	m, _, err := h.run(t, cfg, motionScript(21, 0))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(h.recorders.made) != 1 {
		t.Fatalf("expected one file, got %d", len(h.recorders.made))
	}
	rec := h.recorders.made[0]
	// Stops on the first frame more than 10s after the last motion: t=12s.
	if rec.writes != 12 {
		t.Fatalf("expected 12 frames written, got %d", rec.writes)
	}
	if rec.closes != 1 {
		t.Fatalf("expected one close, got %d", rec.closes)
	}

	if h.dispatcher.count() != 1 {
		t.Fatalf("expected one batch dispatched, got %d", h.dispatcher.count())
	}
	res := h.dispatcher.results[0]
	if len(res.Entries) != 1 || res.Entries[0].FilePath != rec.path || res.Entries[0].CameraID != "0" {
		t.Fatalf("unexpected batch: %+v", res)
	}
	if res.Entries[0].Active {
		t.Fatal("dispatched entries must be inactive")
	}
	if _, open := h.registry.Current(); open {
		t.Fatal("registry should be empty after dispatch")
	}
	if m.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", m.State())
	}
}

func TestMotionAfterStopStartsNewBatch(t *testing.T) {
	h := newHarness()
	cfg := h.config(t, "0")

	// Motion at t=1s and again at t=20s.
	_, _, err := h.run(t, cfg, motionScript(35, 0, 19))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(h.recorders.made) != 2 {
		t.Fatalf("expected two files, got %d", len(h.recorders.made))
	}
	if h.dispatcher.count() != 2 {
		t.Fatalf("expected two batches, got %d", h.dispatcher.count())
	}
	if h.dispatcher.results[0].BatchID == h.dispatcher.results[1].BatchID {
		t.Fatal("separate events must get separate batch ids")
	}
}

func TestOverlappingCamerasShareOneBatch(t *testing.T) {
	h := newHarness()
	a := h.watching(t, h.config(t, "0"))
	b := h.watching(t, h.config(t, "2"))

	// A sees motion at t=0 only; B at t=3 only.
	a.processFrame(&fakeFrame{motion: true})
	for tick := 1; tick <= 14; tick++ {
		h.clock.Advance(time.Second)
		a.processFrame(&fakeFrame{})
		b.processFrame(&fakeFrame{motion: tick == 3})

		if tick == 11 {
			if a.State() != StateWatching {
				t.Fatalf("A should have stopped at t=11s, state %s", a.State())
			}
			if h.dispatcher.count() != 0 {
				t.Fatal("batch must stay open while B records")
			}
		}
	}

	if b.State() != StateWatching {
		t.Fatalf("B should have stopped, state %s", b.State())
	}
	if h.dispatcher.count() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", h.dispatcher.count())
	}
	res := h.dispatcher.results[0]
	if len(res.Entries) != 2 {
		t.Fatalf("expected both files in one batch, got %d", len(res.Entries))
	}
	if res.Entries[0].CameraID != "0" || res.Entries[1].CameraID != "2" {
		t.Fatalf("unexpected entry order: %+v", res.Entries)
	}
	for _, e := range res.Entries {
		if e.BatchID != res.BatchID {
			t.Fatalf("entry %s carries batch %s, want %s", e.FilePath, e.BatchID, res.BatchID)
		}
	}
}

func TestStopRecordingIsIdempotent(t *testing.T) {
	h := newHarness()
	m := h.watching(t, h.config(t, "4"))

	m.processFrame(&fakeFrame{motion: true})
	if m.State() != StateRecording {
		t.Fatalf("expected recording, got %s", m.State())
	}

	m.stopRecording("test")
	m.stopRecording("test")

	if h.recorders.made[0].closes != 1 {
		t.Fatalf("recorder closed %d times", h.recorders.made[0].closes)
	}
	if h.dispatcher.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", h.dispatcher.count())
	}
}

func TestStopWithoutRecordingIsNoop(t *testing.T) {
	h := newHarness()
	m := h.watching(t, h.config(t, "0"))

	m.stopRecording("test")
	if h.dispatcher.count() != 0 {
		t.Fatal("no batch should be dispatched")
	}
	if m.State() != StateWatching {
		t.Fatalf("state changed to %s", m.State())
	}
}

func TestRecorderOpenFailureSkipsInterval(t *testing.T) {
	h := newHarness()
	h.recorders.openErrs = []error{errors.New("codec unavailable")}
	m := h.watching(t, h.config(t, "0"))

	// Motion keeps going for 5s after the failed open; no retry.
	for tick := 0; tick < 5; tick++ {
		m.processFrame(&fakeFrame{motion: true})
		h.clock.Advance(time.Second)
	}
	if len(h.recorders.made) != 1 {
		t.Fatalf("open must not be retried within the interval, got %d attempts", len(h.recorders.made))
	}
	if m.State() != StateWatching {
		t.Fatalf("expected watching, got %s", m.State())
	}
	if _, open := h.registry.Current(); open {
		t.Fatal("failed open must not register an entry")
	}

	// 11s of quiet ends the interval.
	for tick := 0; tick < 11; tick++ {
		h.clock.Advance(time.Second)
		m.processFrame(&fakeFrame{})
	}
	m.processFrame(&fakeFrame{motion: true})
	if m.State() != StateRecording {
		t.Fatalf("next interval should record, got %s", m.State())
	}
	if h.dispatcher.count() != 0 {
		t.Fatal("nothing should be dispatched yet")
	}
}

func TestWriteErrorsDoNotStopRecording(t *testing.T) {
	h := newHarness()
	m := h.watching(t, h.config(t, "0"))

	m.processFrame(&fakeFrame{motion: true})
	h.recorders.made[0].writeErr = errors.New("disk full")
	for tick := 0; tick < 3; tick++ {
		h.clock.Advance(time.Second)
		m.processFrame(&fakeFrame{motion: true})
	}
	if m.State() != StateRecording {
		t.Fatalf("expected recording, got %s", m.State())
	}
	if h.recorders.made[0].writes != 4 {
		t.Fatalf("expected 4 write attempts, got %d", h.recorders.made[0].writes)
	}
}

func TestClassifierErrorCountsAsNoMotion(t *testing.T) {
	h := newHarness()
	cfg := h.config(t, "0")
	m, err := New(cfg, Deps{
		Source:      &scriptSource{clock: h.clock},
		Classifier:  &frameClassifier{err: errors.New("bad frame")},
		NewRecorder: h.recorders.New,
		Registry:    h.registry,
		Dispatcher:  h.dispatcher,
	}, WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.setState(StateWatching)

	m.processFrame(&fakeFrame{motion: true})
	if len(h.recorders.made) != 0 {
		t.Fatal("classifier errors must not start a recording")
	}
}

func TestRecordingParams(t *testing.T) {
	testCases := []struct {
		name          string
		profile       Profile
		frame         *fakeFrame
		wantExt       string
		wantW, wantH  int
	}{
		{"dev uses frame size", ProfileDev, &fakeFrame{motion: true, w: 320, h: 240}, ".avi", 320, 240},
		{"prod falls back to config", ProfileProd, &fakeFrame{motion: true}, ".mkv", 640, 480},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			cfg := h.config(t, "2")
			cfg.Profile = tc.profile
			m := h.watching(t, cfg)

			m.processFrame(tc.frame)
			rec := h.recorders.made[0]
			if filepath.Ext(rec.path) != tc.wantExt {
				t.Fatalf("expected %s, got %s", tc.wantExt, rec.path)
			}
			if rec.params.Width != tc.wantW || rec.params.Height != tc.wantH {
				t.Fatalf("expected %dx%d, got %dx%d", tc.wantW, tc.wantH, rec.params.Width, rec.params.Height)
			}
			if rec.params.FrameRate != 10 || rec.params.Profile != tc.profile {
				t.Fatalf("unexpected params %+v", rec.params)
			}
		})
	}
}

func TestNextPathAvoidsCollisions(t *testing.T) {
	h := newHarness()
	cfg := h.config(t, "0")
	m := h.watching(t, cfg)

	first := m.nextPath(epoch)
	if filepath.Base(first) != "cam0_2024-05-01_12-00-00.avi" {
		t.Fatalf("unexpected name %s", first)
	}

	if err := os.WriteFile(first, nil, 0o644); err != nil {
		t.Fatalf("Failed to create %s: %v", first, err)
	}
	second := m.nextPath(epoch)
	if filepath.Base(second) != "cam0_2024-05-01_12-00-00_1.avi" {
		t.Fatalf("unexpected name %s", second)
	}

	m.lastPath = second
	if third := m.nextPath(epoch); filepath.Base(third) != "cam0_2024-05-01_12-00-00_2.avi" {
		t.Fatalf("unexpected name %s", third)
	}
}

func TestShutdownFinalizesRecording(t *testing.T) {
	h := newHarness()
	cfg := h.config(t, "0")

	m, src, err := h.run(t, cfg, motionScript(3, 0, 1, 2))
	if err != nil {
		t.Fatalf("cancellation should not be an error: %v", err)
	}
	if !src.closed {
		t.Fatal("source should be released")
	}
	if h.recorders.made[0].closes != 1 {
		t.Fatal("recording should be finalized on shutdown")
	}
	if h.dispatcher.count() != 1 {
		t.Fatalf("expected the batch to close on shutdown, got %d", h.dispatcher.count())
	}
	if m.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", m.State())
	}
}

func TestSourceFailureEndsRun(t *testing.T) {
	h := newHarness()
	cfg := h.config(t, "0")

	ctx := context.Background()
	src := &scriptSource{clock: h.clock, step: time.Second, script: motionScript(2, 0), failAtEnd: true}
	cls := &frameClassifier{}
	m, err := New(cfg, Deps{
		Source:      src,
		Classifier:  cls,
		NewRecorder: h.recorders.New,
		Registry:    h.registry,
		Dispatcher:  h.dispatcher,
	}, WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := m.Run(ctx); err == nil {
		t.Fatal("expected read failure to end the run with an error")
	}
	if h.recorders.made[0].closes != 1 || h.dispatcher.count() != 1 {
		t.Fatal("in-progress recording should be finalized")
	}
	if !src.closed || !cls.closed {
		t.Fatal("source and classifier should be released")
	}
}

func TestSourceOpenFailure(t *testing.T) {
	h := newHarness()
	cfg := h.config(t, "6")

	src := &scriptSource{clock: h.clock, openErr: errors.New("no such device")}
	cls := &frameClassifier{}
	m, err := New(cfg, Deps{
		Source:      src,
		Classifier:  cls,
		NewRecorder: h.recorders.New,
		Registry:    h.registry,
		Dispatcher:  h.dispatcher,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected open error")
	}
	if src.idx != 0 {
		t.Fatal("no frames should be read")
	}
	if !cls.closed {
		t.Fatal("classifier should be released")
	}
	if m.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", m.State())
	}
}
