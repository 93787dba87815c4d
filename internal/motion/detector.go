package motion

import (
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/camwatch/internal/monitor"
)

// Config tunes the background-subtraction pipeline.
type Config struct {
	MinimumArea  int // contour area, in pixels of the resized frame
	ResizeWidth  int
	ResizeHeight int
	BlurSize     int
	ErodeSize    int
	DilationSize int
	Dilations    int
	History      int
	VarThreshold float64
}

// DefaultConfig returns the detector settings used for every camera.
func DefaultConfig() Config {
	return Config{
		MinimumArea:  500,
		ResizeWidth:  320,
		ResizeHeight: 240,
		BlurSize:     7,
		ErodeSize:    3,
		DilationSize: 5,
		Dilations:    2,
		History:      500,
		VarThreshold: 50,
	}
}

// Validate checks the detector configuration.
func (c *Config) Validate() error {
	if c.MinimumArea <= 0 {
		return fmt.Errorf("minimum area must be positive, got %d", c.MinimumArea)
	}
	if c.ResizeWidth <= 0 || c.ResizeHeight <= 0 {
		return fmt.Errorf("invalid resize target %dx%d", c.ResizeWidth, c.ResizeHeight)
	}
	if c.BlurSize <= 0 || c.BlurSize%2 == 0 {
		return fmt.Errorf("blur size must be a positive odd number, got %d", c.BlurSize)
	}
	if c.ErodeSize <= 0 || c.DilationSize <= 0 {
		return fmt.Errorf("morphology kernels must be positive")
	}
	if c.History <= 0 {
		return fmt.Errorf("history must be positive, got %d", c.History)
	}
	return nil
}

type matFrame interface {
	Mat() gocv.Mat
}

// Detector classifies frames of a single camera using MOG2 background
// subtraction. It keeps a background model, so each camera needs its own.
type Detector struct {
	config Config
	mog2   *gocv.BackgroundSubtractorMOG2

	mu     sync.Mutex
	erode  gocv.Mat
	dilate gocv.Mat
	stats  MotionStats
}

// MotionStats summarizes what a detector has seen.
type MotionStats struct {
	FramesProcessed   int64
	MotionFrames      int64
	AverageMotionArea float64
	MaxMotionArea     float64
	// time spent on the most recent frame
	ProcessingTime time.Duration
}

// NewDetector builds a detector with its own background model.
func NewDetector(config Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid motion config: %w", err)
	}
	if config.Dilations <= 0 {
		config.Dilations = 1
	}

	mog2 := gocv.NewBackgroundSubtractorMOG2WithParams(config.History, config.VarThreshold, false)
	return &Detector{
		config: config,
		mog2:   &mog2,
		erode:  gocv.GetStructuringElement(gocv.MorphRect, image.Pt(config.ErodeSize, config.ErodeSize)),
		dilate: gocv.GetStructuringElement(gocv.MorphRect, image.Pt(config.DilationSize, config.DilationSize)),
	}, nil
}

// Classify feeds the frame to the background model and reports whether any
// foreground region reaches the minimum area. Every frame updates the model,
// including those whose verdict the caller discards.
func (d *Detector) Classify(frame monitor.Frame) (bool, error) {
	mf, ok := frame.(matFrame)
	if !ok {
		return false, fmt.Errorf("unsupported frame type %T", frame)
	}
	src := mf.Mat()
	if src.Empty() {
		return false, fmt.Errorf("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mog2 == nil {
		return false, fmt.Errorf("detector closed")
	}

	start := time.Now()
	defer func() { d.stats.ProcessingTime = time.Since(start) }()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(d.config.ResizeWidth, d.config.ResizeHeight), 0, 0, gocv.InterpolationLinear)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(resized, &blurred, image.Pt(d.config.BlurSize, d.config.BlurSize), 0, 0, gocv.BorderDefault)

	fgMask := gocv.NewMat()
	defer fgMask.Close()
	d.mog2.Apply(blurred, &fgMask)

	cleaned := gocv.NewMat()
	defer cleaned.Close()
	gocv.Erode(fgMask, &cleaned, d.erode)
	for i := 0; i < d.config.Dilations; i++ {
		gocv.Dilate(cleaned, &cleaned, d.dilate)
	}

	contours := gocv.FindContours(cleaned, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var totalArea, largest float64
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		totalArea += area
		if area > largest {
			largest = area
		}
	}
	motion := largest >= float64(d.config.MinimumArea)

	d.stats.FramesProcessed++
	if motion {
		d.stats.MotionFrames++
		d.stats.AverageMotionArea = (d.stats.AverageMotionArea*float64(d.stats.MotionFrames-1) + totalArea) / float64(d.stats.MotionFrames)
		if totalArea > d.stats.MaxMotionArea {
			d.stats.MaxMotionArea = totalArea
		}
	}
	return motion, nil
}

// GetStats returns a copy of the detector statistics.
func (d *Detector) GetStats() MotionStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close releases the background model and kernels.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mog2 == nil {
		return nil
	}
	if err := d.mog2.Close(); err != nil {
		return fmt.Errorf("error closing background model: %w", err)
	}
	d.mog2 = nil
	d.erode.Close()
	d.dilate.Close()
	return nil
}
