package encoder

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// DevFourCC is the codec used for dev-profile .avi recordings.
const DevFourCC = "XVID"

// ProdCodec is the codec name handed to the writer together with the
// GStreamer pipeline.
const ProdCodec = "H264"

// Config contains the recording encoder configuration
type Config struct {
	// Video parameters (required)
	Width     int
	Height    int
	FrameRate float64

	// H.264 element and caps used by the prod pipeline
	Encoder string // hardware encoder element, e.g. "v4l2h264enc"
	Level   string // "3.1"
	Profile string // "baseline", "main", "high"
	Muxer   string // container element, e.g. "matroskamux"
}

// DefaultConfig returns the Raspberry Pi hardware encoder settings.
func DefaultConfig() Config {
	return Config{
		Width:     640,
		Height:    480,
		FrameRate: 10,
		Encoder:   "v4l2h264enc",
		Level:     "3.1",
		Profile:   "high",
		Muxer:     "matroskamux",
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return NewEncoderError(ErrCodeInvalidConfig, fmt.Sprintf("invalid resolution: %dx%d", c.Width, c.Height), true)
	}
	if c.FrameRate <= 0 || c.FrameRate > 120 {
		return NewEncoderError(ErrCodeInvalidConfig, fmt.Sprintf("invalid framerate: %g", c.FrameRate), true)
	}
	switch c.Profile {
	case "", "baseline", "main", "high":
	default:
		return NewEncoderError(ErrCodeInvalidConfig, fmt.Sprintf("invalid h264 profile: %q", c.Profile), true)
	}
	return nil
}

// CapsFrameRate returns the frame rate as the integer numerator used in
// GStreamer caps. Rates below one round up to one.
func (c *Config) CapsFrameRate() int {
	return max(1, int(math.Round(c.FrameRate)))
}

// Stats tracks per-recording writer statistics
type Stats struct {
	framesIn      atomic.Uint64
	droppedFrames atomic.Uint64
	started       atomic.Value // stores time.Time
}

func (s *Stats) IncrementFramesIn()      { s.framesIn.Add(1) }
func (s *Stats) IncrementDroppedFrames() { s.droppedFrames.Add(1) }
func (s *Stats) MarkStarted(t time.Time) { s.started.Store(t) }

// Reset clears all statistics
func (s *Stats) Reset() {
	s.framesIn.Store(0)
	s.droppedFrames.Store(0)
	s.started.Store(time.Time{})
}

// Snapshot returns a copy of current stats
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		FramesIn:      s.framesIn.Load(),
		DroppedFrames: s.droppedFrames.Load(),
	}
	if v := s.started.Load(); v != nil {
		snap.Started = v.(time.Time)
	}
	return snap
}

// StatsSnapshot is a point-in-time copy of stats
type StatsSnapshot struct {
	FramesIn      uint64
	DroppedFrames uint64
	Started       time.Time
}

// CalculateFPS calculates the achieved frame rate over duration
func (s *StatsSnapshot) CalculateFPS(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	return float64(s.FramesIn) / duration.Seconds()
}

// CalculateDropRate calculates frame drop percentage
func (s *StatsSnapshot) CalculateDropRate() float64 {
	total := s.FramesIn + s.DroppedFrames
	if total == 0 {
		return 0
	}
	return float64(s.DroppedFrames) / float64(total) * 100
}

// EncoderError represents an encoder-specific error
type EncoderError struct {
	Code    int
	Message string
	Fatal   bool
}

func (e *EncoderError) Error() string {
	severity := "recoverable"
	if e.Fatal {
		severity = "fatal"
	}
	return fmt.Sprintf("[%s] encoder error %d: %s", severity, e.Code, e.Message)
}

// NewEncoderError creates a new encoder error
func NewEncoderError(code int, message string, fatal bool) *EncoderError {
	return &EncoderError{
		Code:    code,
		Message: message,
		Fatal:   fatal,
	}
}

// Common error codes
const (
	ErrCodeWriterOpen = 1001 + iota
	ErrCodeInvalidConfig
	ErrCodeWriteFailed
)
