package encoder

import (
	"fmt"
	"strings"
)

// Pipeline renders the GStreamer description the prod writer opens. Frames
// pushed by the writer enter through appsrc as BGR and leave as H.264 in a
// Matroska file at path.
func (c *Config) Pipeline(path string) string {
	def := DefaultConfig()
	enc := orDefault(c.Encoder, def.Encoder)
	level := orDefault(c.Level, def.Level)
	profile := orDefault(c.Profile, def.Profile)
	mux := orDefault(c.Muxer, def.Muxer)

	elements := []string{
		"appsrc",
		"videoconvert",
		fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1",
			c.Width, c.Height, c.CapsFrameRate()),
		enc,
		fmt.Sprintf("video/x-h264,level=(string)%s,profile=%s", level, profile),
		"h264parse",
		mux,
		"filesink location=" + path,
	}
	return strings.Join(elements, " ! ")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
