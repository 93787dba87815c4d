package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/mikeyg42/camwatch/internal/batch"
)

// ErrSourceClosed is returned by a Source whose stream has ended.
var ErrSourceClosed = errors.New("source closed")

// Frame is one decoded video frame. The monitor closes every frame it reads
// once the classifier and recorder are done with it.
type Frame interface {
	Size() (width, height int)
	Close() error
}

// Source produces frames for one camera.
type Source interface {
	Open(ctx context.Context) error
	// Read blocks until the next frame is available.
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Classifier reports whether a frame shows motion. Implementations keep
// per-camera state (a background model) and must not be shared.
type Classifier interface {
	Classify(frame Frame) (bool, error)
	Close() error
}

// Recorder writes one media file.
type Recorder interface {
	Open(path string, params RecordingParams) error
	Write(frame Frame) error
	Close() error
}

// RecorderFactory returns a fresh, unopened Recorder.
type RecorderFactory func() Recorder

// Registry is the part of batch.Registry a monitor uses.
type Registry interface {
	Register(filePath, cameraID string) string
	CloseEntry(filePath string) batch.ClosureResult
}

// Dispatcher receives closed batches. Dispatch must not block.
type Dispatcher interface {
	Dispatch(res batch.ClosureResult)
}

// Observer receives per-camera activity, typically for metrics.
type Observer interface {
	FrameProcessed(cameraID string, motion bool)
	RecordingStarted(cameraID string)
	RecordingStopped(cameraID string, duration time.Duration)
	RecorderError(cameraID string, op string)
}

// Profile selects the container and encoder used for recordings.
type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileProd Profile = "prod"
)

// Extension returns the file extension, without dot, for the profile.
func (p Profile) Extension() string {
	if p == ProfileProd {
		return "mkv"
	}
	return "avi"
}

// RecordingParams describes the file a Recorder should produce.
type RecordingParams struct {
	Width     int
	Height    int
	FrameRate float64
	Profile   Profile
}

// State is the monitor's position in its detection cycle.
type State int32

const (
	StateIdle State = iota
	StateWarmup
	StateWatching
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWarmup:
		return "warmup"
	case StateWatching:
		return "watching"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
