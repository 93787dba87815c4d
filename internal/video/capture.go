package video

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/camwatch/internal/monitor"
	"github.com/mikeyg42/camwatch/internal/recorderlog"
)

// ErrReadFailed is returned when the device yields no frame.
var ErrReadFailed = errors.New("failed to read frame from camera")

// CaptureConfig describes how to open a V4L2 device.
type CaptureConfig struct {
	DeviceIndex int
	Width       int
	Height      int
	FrameRate   float64
}

// CaptureSource reads frames from a local camera.
type CaptureSource struct {
	config CaptureConfig
	logger recorderlog.Logger

	mu     sync.Mutex
	webcam *gocv.VideoCapture
}

// NewCaptureSource returns an unopened source for the given device.
func NewCaptureSource(config CaptureConfig, logger recorderlog.Logger) *CaptureSource {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &CaptureSource{
		config: config,
		logger: logger.Named("capture").With(recorderlog.Int("device", config.DeviceIndex)),
	}
}

// Open opens the device through V4L2 and requests MJPG at the configured
// size and rate. The driver may not honor every setting; what it settled on
// is logged.
func (c *CaptureSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.webcam != nil {
		return nil
	}

	webcam, err := gocv.VideoCaptureDeviceWithAPI(c.config.DeviceIndex, gocv.VideoCaptureV4L2)
	if err != nil {
		return fmt.Errorf("failed to open camera %d: %w", c.config.DeviceIndex, err)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return fmt.Errorf("camera %d did not open", c.config.DeviceIndex)
	}

	webcam.Set(gocv.VideoCaptureFOURCC, webcam.ToCodec("MJPG"))
	if c.config.Width > 0 && c.config.Height > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(c.config.Width))
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(c.config.Height))
	}
	if c.config.FrameRate > 0 {
		webcam.Set(gocv.VideoCaptureFPS, c.config.FrameRate)
	}

	c.logger.Info("Camera configured",
		recorderlog.Float64("width", webcam.Get(gocv.VideoCaptureFrameWidth)),
		recorderlog.Float64("height", webcam.Get(gocv.VideoCaptureFrameHeight)),
		recorderlog.Float64("fps", webcam.Get(gocv.VideoCaptureFPS)))

	c.webcam = webcam
	return nil
}

// Read blocks on the device for the next frame.
func (c *CaptureSource) Read(ctx context.Context) (monitor.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	webcam := c.webcam
	c.mu.Unlock()
	if webcam == nil {
		return nil, monitor.ErrSourceClosed
	}

	mat := gocv.NewMat()
	if ok := webcam.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, ErrReadFailed
	}
	return NewFrame(mat), nil
}

// Close releases the device. It is safe to call more than once.
func (c *CaptureSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.webcam == nil {
		return nil
	}
	err := c.webcam.Close()
	c.webcam = nil
	return err
}
