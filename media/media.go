// Package media defines the frame and sample types that flow through the
// Refract decode pipeline, from the demuxer/decoder session to the
// presentation scheduler.
package media

// Output format constants. Audio is always converted to interleaved stereo
// float samples at a fixed rate; video to 8-bit RGBA or BGRA at the
// decoder's native size.
const (
	OutputSampleRate = 48000
	OutputChannels   = 2
)

// Buffer capacities shared by the decode worker (producer) and the
// presentation scheduler (consumer). The frame queue absorbs decode jitter;
// the sample ring holds 2 seconds of stereo audio at the output rate.
const (
	FrameQueueCapacity = 8
	AudioRingCapacity  = 2 * OutputSampleRate * OutputChannels
)

// PixelFormat selects the byte order of converted video frames.
type PixelFormat int

const (
	PixelFormatRGBA PixelFormat = iota
	PixelFormatBGRA
)

func (f PixelFormat) String() string {
	if f == PixelFormatBGRA {
		return "bgra"
	}
	return "rgba"
}

// VideoInfo describes the video track of an open session.
type VideoInfo struct {
	Width       int
	Height      int
	FPS         float64
	Duration    float64
	TotalFrames int64
	PixelFormat PixelFormat
	IsLive      bool
	CodecName   string
}

// AudioInfo describes the audio track of an open session. Source fields
// reflect the container; output fields reflect the converted samples handed
// to the host.
type AudioInfo struct {
	SourceRate     int
	SourceChannels int
	OutputRate     int
	OutputChannels int
	CodecName      string
}

// VideoPayload is a single converted video frame produced by the decoder.
// Data is tightly packed (Stride == Width*4) and only valid until the next
// decode call; consumers copy it into their own storage.
type VideoPayload struct {
	Data   []byte
	Width  int
	Height int
	Stride int
	PTS    float64
}

// AudioPayload is a chunk of converted audio produced by the decoder:
// interleaved stereo float samples at OutputSampleRate. Samples is only
// valid until the next decode call.
type AudioPayload struct {
	Samples []float32
	PTS     float64
}
