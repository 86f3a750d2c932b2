package media

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ProbeResult is the parsed output of ffprobe for one input file.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat holds container-level metadata.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream holds one stream's metadata.
type ProbeStream struct {
	Index      int    `json:"index"`
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
	NbFrames   string `json:"nb_frames"`
	Duration   string `json:"duration"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// parseProbeOutput decodes ffprobe JSON output.
func parseProbeOutput(data []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing probe output: %w", err)
	}
	return &result, nil
}

// VideoStream returns the first video stream, or nil if none exists.
func (r *ProbeResult) VideoStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" {
			return &r.Streams[i]
		}
	}
	return nil
}

// HasAudio reports whether the input carries at least one audio stream.
func (r *ProbeResult) HasAudio() bool {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "audio" {
			return true
		}
	}
	return false
}

// Duration returns the container duration in seconds, or 0 if unknown.
func (r *ProbeResult) Duration() float64 {
	d, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil {
		return 0
	}
	return d
}

// SizeBytes returns the container size in bytes, or 0 if unknown.
func (r *ProbeResult) SizeBytes() int64 {
	n, err := strconv.ParseInt(r.Format.Size, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// FPS returns the video frame rate, parsing the "num/den" rational form.
// Returns 0 when there is no video stream or the rate is malformed.
func (r *ProbeResult) FPS() float64 {
	v := r.VideoStream()
	if v == nil {
		return 0
	}
	return parseRational(v.RFrameRate)
}

// FrameCount returns the number of video frames. When the stream does not
// report nb_frames it is estimated from duration and frame rate.
func (r *ProbeResult) FrameCount() int {
	v := r.VideoStream()
	if v == nil {
		return 0
	}
	if n, err := strconv.Atoi(v.NbFrames); err == nil && n > 0 {
		return n
	}
	fps := r.FPS()
	dur := r.Duration()
	if fps <= 0 || dur <= 0 {
		return 0
	}
	return int(math.Round(fps * dur))
}

// Dimensions returns the video width and height rounded down to the nearest
// even values, as required by yuv420p encoders.
func (r *ProbeResult) Dimensions() (width, height int) {
	v := r.VideoStream()
	if v == nil {
		return 0, 0
	}
	return v.Width &^ 1, v.Height &^ 1
}

// parseRational parses ffprobe rational strings like "30000/1001" or "25/1".
func parseRational(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	if !found {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
