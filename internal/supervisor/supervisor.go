// Package supervisor owns the camera workers: one goroutine per camera for
// the life of the process, started and stopped independently.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/mikeyg42/camwatch/internal/recorderlog"
)

var (
	// ErrNotStarted is returned by StartCamera before Start.
	ErrNotStarted = errors.New("supervisor not started")
	// ErrUnknownCamera is returned for an id that is not in the camera list.
	ErrUnknownCamera = errors.New("camera not configured")
	// ErrNotRunning is returned when stopping a camera with no live worker.
	ErrNotRunning = errors.New("camera not running")
)

// Worker is a camera loop that runs until its context is cancelled or it
// fails on its own.
type Worker interface {
	Run(ctx context.Context) error
}

// Factory builds the worker for one camera.
type Factory func(cameraID string) (Worker, error)

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor starts and stops camera workers.
type Supervisor struct {
	cameras []string
	factory Factory
	logger  recorderlog.Logger

	mu        sync.Mutex
	ctx       context.Context
	cancelAll context.CancelFunc
	workers   map[string]*worker
	// ids whose worker is being built outside the lock
	starting map[string]struct{}
	wg       sync.WaitGroup
}

// New returns a supervisor for the given cameras.
func New(cameras []string, factory Factory, logger recorderlog.Logger) (*Supervisor, error) {
	if len(cameras) == 0 {
		return nil, fmt.Errorf("no cameras configured")
	}
	if factory == nil {
		return nil, fmt.Errorf("worker factory is required")
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Supervisor{
		cameras: append([]string(nil), cameras...),
		factory: factory,
		logger:  logger.Named("supervisor"),
		workers:  make(map[string]*worker),
		starting: make(map[string]struct{}),
	}, nil
}

// Start launches a worker for every configured camera. A camera whose worker
// cannot be built is logged and skipped; the others still start. The
// returned error joins every such failure.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancelAll = context.WithCancel(ctx)
	s.mu.Unlock()

	var errs []error
	for _, id := range s.cameras {
		if err := s.StartCamera(id); err != nil {
			s.logger.Error("Failed to start camera", recorderlog.String("camera", id), recorderlog.Error(err))
			errs = append(errs, err)
		}
	}
	s.logger.Info("Camera workers started",
		recorderlog.Strings("running", s.Running()),
		recorderlog.Int("configured", len(s.cameras)))
	return errors.Join(errs...)
}

// StartCamera launches the worker for one configured camera. Starting a
// camera that is already running or starting is a no-op.
func (s *Supervisor) StartCamera(id string) error {
	if !slices.Contains(s.cameras, id) {
		return fmt.Errorf("%w: %s", ErrUnknownCamera, id)
	}

	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if err := s.ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	_, running := s.workers[id]
	_, pending := s.starting[id]
	if running || pending {
		s.mu.Unlock()
		return nil
	}
	s.starting[id] = struct{}{}
	s.wg.Add(1)
	parent := s.ctx
	s.mu.Unlock()

	// Building a worker opens device resources; keep it outside the lock.
	w, err := s.factory(id)

	s.mu.Lock()
	delete(s.starting, id)
	if err != nil {
		s.mu.Unlock()
		s.wg.Done()
		return fmt.Errorf("camera %s: %w", id, err)
	}
	ctx, cancel := context.WithCancel(parent)
	entry := &worker{cancel: cancel, done: make(chan struct{})}
	s.workers[id] = entry
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(entry.done)
		defer cancel()

		log := s.logger.With(recorderlog.String("camera", id))
		log.Info("Camera worker starting")
		if err := w.Run(ctx); err != nil {
			log.Error("Camera worker exited", recorderlog.Error(err))
		} else {
			log.Info("Camera worker exited")
		}

		s.mu.Lock()
		if s.workers[id] == entry {
			delete(s.workers, id)
		}
		s.mu.Unlock()
	}()
	return nil
}

// StopCamera cancels one camera worker and waits for it to finalize.
func (s *Supervisor) StopCamera(id string) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	w.cancel()
	<-w.done
	return nil
}

// Stop cancels every worker, including any still being built, and waits for
// all of them to exit. Cameras cannot be started again afterwards.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.cancelAll != nil {
		s.cancelAll()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("All camera workers stopped")
}

// Run starts all workers and blocks until ctx is cancelled and every worker
// has exited. Workers that stop on their own do not end Run.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.logger.Warn("Some cameras did not start", recorderlog.Error(err))
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Running returns the ids of cameras with a live worker, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
