package video

import "gocv.io/x/gocv"

// Frame is a captured image owned by whoever holds it until Close.
type Frame struct {
	mat gocv.Mat
}

// NewFrame takes ownership of mat.
func NewFrame(mat gocv.Mat) *Frame {
	return &Frame{mat: mat}
}

// Mat returns the underlying image. It is only valid until Close.
func (f *Frame) Mat() gocv.Mat {
	return f.mat
}

// Size reports the frame dimensions in pixels.
func (f *Frame) Size() (int, int) {
	if f.mat.Empty() {
		return 0, 0
	}
	return f.mat.Cols(), f.mat.Rows()
}

// Close releases the image memory.
func (f *Frame) Close() error {
	return f.mat.Close()
}
