package video

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/camwatch/internal/encoder"
	"github.com/mikeyg42/camwatch/internal/monitor"
	"github.com/mikeyg42/camwatch/internal/recorderlog"
)

var errNotRecording = errors.New("recorder is not open")

// matFrame is any frame that exposes its gocv image.
type matFrame interface {
	Mat() gocv.Mat
}

// Recorder writes frames to one file through an OpenCV VideoWriter. The dev
// profile produces XVID .avi files; prod hands frames to a GStreamer H.264
// pipeline muxed into Matroska.
type Recorder struct {
	logger recorderlog.Logger

	mu          sync.Mutex
	isRecording bool
	currentFile string
	writer      *gocv.VideoWriter
	stats       encoder.Stats
}

// NewRecorder returns an unopened recorder.
func NewRecorder(logger recorderlog.Logger) *Recorder {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Recorder{logger: logger.Named("video-recorder")}
}

// Factory adapts NewRecorder to monitor.RecorderFactory.
func Factory(logger recorderlog.Logger) monitor.RecorderFactory {
	return func() monitor.Recorder { return NewRecorder(logger) }
}

type writerTarget struct {
	name  string
	api   gocv.VideoCaptureAPI
	codec string
}

// targetFor decides what the VideoWriter is opened with for a profile.
func targetFor(path string, params monitor.RecordingParams, cfg *encoder.Config) writerTarget {
	if params.Profile == monitor.ProfileProd {
		return writerTarget{name: cfg.Pipeline(path), api: gocv.VideoCaptureGstreamer, codec: encoder.ProdCodec}
	}
	return writerTarget{name: path, api: gocv.VideoCaptureAny, codec: encoder.DevFourCC}
}

// Open creates the output file.
func (r *Recorder) Open(path string, params monitor.RecordingParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRecording {
		return fmt.Errorf("recorder already writing %s", r.currentFile)
	}

	cfg := encoder.DefaultConfig()
	cfg.Width = params.Width
	cfg.Height = params.Height
	cfg.FrameRate = params.FrameRate
	if err := cfg.Validate(); err != nil {
		return err
	}

	target := targetFor(path, params, &cfg)
	var (
		writer *gocv.VideoWriter
		err    error
	)
	if target.api == gocv.VideoCaptureGstreamer {
		writer, err = gocv.VideoWriterFileWithAPI(target.name, target.api, target.codec, cfg.FrameRate, cfg.Width, cfg.Height, true)
	} else {
		writer, err = gocv.VideoWriterFile(target.name, target.codec, cfg.FrameRate, cfg.Width, cfg.Height, true)
	}
	if err != nil {
		return encoder.NewEncoderError(encoder.ErrCodeWriterOpen, fmt.Sprintf("open %s: %v", path, err), false)
	}
	if !writer.IsOpened() {
		writer.Close()
		return encoder.NewEncoderError(encoder.ErrCodeWriterOpen, fmt.Sprintf("writer for %s did not open", path), false)
	}

	r.writer = writer
	r.currentFile = path
	r.isRecording = true
	r.stats.Reset()
	r.stats.MarkStarted(time.Now())

	r.logger.Debug("Writer opened",
		recorderlog.String("path", path),
		recorderlog.String("codec", target.codec),
		recorderlog.Int("width", cfg.Width),
		recorderlog.Int("height", cfg.Height))
	return nil
}

// Write appends one frame.
func (r *Recorder) Write(frame monitor.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRecording {
		return errNotRecording
	}
	mf, ok := frame.(matFrame)
	if !ok {
		r.stats.IncrementDroppedFrames()
		return fmt.Errorf("unsupported frame type %T", frame)
	}
	if err := r.writer.Write(mf.Mat()); err != nil {
		r.stats.IncrementDroppedFrames()
		return encoder.NewEncoderError(encoder.ErrCodeWriteFailed, err.Error(), false)
	}
	r.stats.IncrementFramesIn()
	return nil
}

// Close finalizes the file. Closing an unopened recorder is a no-op.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRecording {
		return nil
	}
	r.isRecording = false

	err := r.writer.Close()
	r.writer = nil
	if err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	snap := r.stats.Snapshot()
	info, err := os.Stat(r.currentFile)
	if err != nil {
		return fmt.Errorf("failed to verify recording file: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("recording %s is empty", r.currentFile)
	}

	r.logger.Info("Saved recording",
		recorderlog.String("path", r.currentFile),
		recorderlog.Int64("bytes", info.Size()),
		recorderlog.Uint64("frames", snap.FramesIn),
		recorderlog.Uint64("dropped", snap.DroppedFrames),
		recorderlog.Float64("drop_rate", snap.CalculateDropRate()),
		recorderlog.Float64("fps", snap.CalculateFPS(time.Since(snap.Started))))
	return nil
}
