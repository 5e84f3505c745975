// Package decode drives libavformat/libavcodec through go-astiav to turn a
// media source into converted output payloads: tightly packed RGBA (or
// BGRA) video frames and interleaved stereo float audio at the fixed output
// rate. A Session owns every FFmpeg context it allocates and frees them all
// on Close.
//
// Sessions are not safe for concurrent use; the player's decode worker is
// the sole caller of Next and the player serializes Seek/Close against it.
package decode

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/refract/media"
)

// Sentinel errors for open-time failures, mapped to host error codes by the
// player. errors.Is works through the wrapped open errors.
var (
	ErrOpenFailed      = errors.New("decode: open failed")
	ErrNoStreams       = errors.New("decode: no video or audio streams found")
	ErrCodecNotFound   = errors.New("decode: video codec not found")
	ErrCodecOpenFailed = errors.New("decode: could not open video codec")
)

// avTimeBase is the scale of container-level timestamps (AV_TIME_BASE):
// microseconds per second.
const avTimeBase = 1_000_000

// defaultFrameDuration is assumed when the container reports no usable
// average frame rate.
const defaultFrameDuration = 1.0 / 30.0

// Config carries per-open settings.
type Config struct {
	// Options are format options merged over the network defaults,
	// equivalent to an FFmpeg key=value option string.
	Options map[string]string
	// PixelFormat selects RGBA or BGRA output.
	PixelFormat media.PixelFormat
	// HWAccel is accepted as a hint and currently ignored.
	HWAccel bool
}

// Session is an open demuxer with at most one video and one audio decode
// path. At least one of the two exists.
type Session struct {
	log *slog.Logger

	fc  *astiav.FormatContext
	ioc *astiav.IOContext
	pkt *astiav.Packet

	video *videoPath
	audio *audioPath

	isLive   bool
	duration float64
	format   media.PixelFormat
	opened   bool

	drainVideo bool
	drainAudio bool
}

type videoPath struct {
	stream    *astiav.Stream
	cc        *astiav.CodecContext
	codecName string
	sws       *astiav.SoftwareScaleContext
	frame     *astiav.Frame
	converted *astiav.Frame
	timeBase  float64
	frameDur  float64
	fps       float64
	width     int
	height    int
	payload   media.VideoPayload
}

type audioPath struct {
	stream    *astiav.Stream
	cc        *astiav.CodecContext
	codecName string
	swr       *astiav.SoftwareResampleContext
	frame     *astiav.Frame
	converted *astiav.Frame
	timeBase  float64
	payload   media.AudioPayload
}

// Open opens the given URL and prepares the decode paths. Default format
// options enable streamed network reconnect with a 5 second backoff cap;
// HLS URLs additionally restrict the protocol whitelist. Caller options are
// merged on top of the defaults.
func Open(url string, cfg Config, log *slog.Logger) (*Session, error) {
	return open(url, nil, cfg, log)
}

// OpenReader opens a session over a raw byte stream via custom AVIO, used
// for pulled ingest (e.g. SRT). Reader-backed sessions are treated as live:
// the container cannot report a duration and seeking is undefined.
func OpenReader(r io.Reader, cfg Config, log *slog.Logger) (*Session, error) {
	return open("", r, cfg, log)
}

func open(url string, r io.Reader, cfg Config, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		log:    log.With("component", "decoder"),
		format: cfg.PixelFormat,
	}

	s.fc = astiav.AllocFormatContext()
	if s.fc == nil {
		return nil, fmt.Errorf("%w: allocating format context", ErrOpenFailed)
	}

	if r != nil {
		ioc, err := astiav.AllocIOContext(4096, false, r.Read, nil, nil)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: allocating io context: %v", ErrOpenFailed, err)
		}
		s.ioc = ioc
		s.fc.SetPb(ioc)
	}

	opts := formatOptions(url, cfg.Options)
	err := s.fc.OpenInput(url, nil, opts)
	opts.Free()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	s.opened = true

	if err := s.fc.FindStreamInfo(nil); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: could not find stream info: %v", ErrOpenFailed, err)
	}

	s.isLive = r != nil || s.fc.Duration() == astiav.NoPtsValue
	if !s.isLive {
		s.duration = float64(s.fc.Duration()) / avTimeBase
	}

	var videoStream, audioStream *astiav.Stream
	for _, st := range s.fc.Streams() {
		switch st.CodecParameters().MediaType() {
		case astiav.MediaTypeVideo:
			if videoStream == nil {
				videoStream = st
			}
		case astiav.MediaTypeAudio:
			if audioStream == nil {
				audioStream = st
			}
		}
	}

	if videoStream == nil && audioStream == nil {
		s.Close()
		return nil, ErrNoStreams
	}

	if videoStream != nil {
		if err := s.openVideo(videoStream); err != nil {
			s.Close()
			return nil, err
		}
		s.log.Info("video stream opened",
			"codec", s.video.codecName,
			"size", fmt.Sprintf("%dx%d", s.video.width, s.video.height),
			"fps", s.video.fps,
		)
	}

	if audioStream != nil {
		// A broken audio decoder is not fatal: the session continues with
		// video only, matching open semantics for secondary streams.
		if err := s.openAudio(audioStream); err != nil {
			s.log.Warn("audio stream unavailable", "error", err)
		} else {
			s.log.Info("audio stream opened",
				"codec", s.audio.codecName,
				"rate", s.audio.cc.SampleRate(),
				"channels", s.audio.cc.ChannelLayout().Channels(),
			)
		}
	}

	if s.video == nil && s.audio == nil {
		s.Close()
		return nil, fmt.Errorf("%w: no decodable streams", ErrNoStreams)
	}

	s.pkt = astiav.AllocPacket()
	s.log.Info("media opened", "live", s.isLive, "duration", s.duration)
	return s, nil
}

// formatOptions builds the option dictionary for avformat_open_input:
// streamed reconnect defaults, the HLS protocol whitelist, then caller
// overrides.
func formatOptions(url string, extra map[string]string) *astiav.Dictionary {
	d := astiav.NewDictionary()
	flags := astiav.NewDictionaryFlags()
	d.Set("reconnect", "1", flags)
	d.Set("reconnect_streamed", "1", flags)
	d.Set("reconnect_delay_max", "5", flags)
	if strings.Contains(url, "m3u8") {
		d.Set("protocol_whitelist", "file,http,https,tcp,tls,crypto", flags)
	}
	for k, v := range extra {
		d.Set(k, v, flags)
	}
	return d
}

func (s *Session) openVideo(st *astiav.Stream) error {
	codec := astiav.FindDecoder(st.CodecParameters().CodecID())
	if codec == nil {
		return ErrCodecNotFound
	}

	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return fmt.Errorf("%w: allocating codec context", ErrCodecOpenFailed)
	}
	if err := st.CodecParameters().ToCodecContext(cc); err != nil {
		cc.Free()
		return fmt.Errorf("%w: %v", ErrCodecOpenFailed, err)
	}
	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return fmt.Errorf("%w: %v", ErrCodecOpenFailed, err)
	}

	dstFmt := astiav.PixelFormatRgba
	if s.format == media.PixelFormatBGRA {
		dstFmt = astiav.PixelFormatBgra
	}

	sws, err := astiav.CreateSoftwareScaleContext(
		cc.Width(), cc.Height(), cc.PixelFormat(),
		cc.Width(), cc.Height(), dstFmt,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		cc.Free()
		return fmt.Errorf("%w: creating scale context: %v", ErrCodecOpenFailed, err)
	}

	fps := st.AvgFrameRate().Float64()
	frameDur := 0.0
	if fps > 0 {
		frameDur = 1 / fps
	}
	if frameDur <= 0 || frameDur > 1 {
		frameDur = defaultFrameDuration
	}

	s.video = &videoPath{
		stream:    st,
		cc:        cc,
		codecName: codec.Name(),
		sws:       sws,
		frame:     astiav.AllocFrame(),
		converted: astiav.AllocFrame(),
		timeBase:  st.TimeBase().Float64(),
		frameDur:  frameDur,
		fps:       fps,
		width:     cc.Width(),
		height:    cc.Height(),
	}
	return nil
}

func (s *Session) openAudio(st *astiav.Stream) error {
	codec := astiav.FindDecoder(st.CodecParameters().CodecID())
	if codec == nil {
		return errors.New("audio codec not found")
	}

	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return errors.New("allocating audio codec context")
	}
	if err := st.CodecParameters().ToCodecContext(cc); err != nil {
		cc.Free()
		return fmt.Errorf("configuring audio codec: %w", err)
	}
	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return fmt.Errorf("opening audio codec: %w", err)
	}

	s.audio = &audioPath{
		stream:    st,
		cc:        cc,
		codecName: codec.Name(),
		swr:       astiav.AllocSoftwareResampleContext(),
		frame:     astiav.AllocFrame(),
		converted: astiav.AllocFrame(),
		timeBase:  st.TimeBase().Float64(),
	}
	return nil
}

// HasVideo reports whether a video decode path exists.
func (s *Session) HasVideo() bool { return s.video != nil }

// HasAudio reports whether an audio decode path exists.
func (s *Session) HasAudio() bool { return s.audio != nil }

// IsLive reports whether the source has no known duration.
func (s *Session) IsLive() bool { return s.isLive }

// Duration returns the total duration in seconds, 0 for live sources.
func (s *Session) Duration() float64 { return s.duration }

// FrameDuration returns the expected video frame interval in seconds.
func (s *Session) FrameDuration() float64 {
	if s.video == nil {
		return defaultFrameDuration
	}
	return s.video.frameDur
}

// VideoInfo describes the video track; ok is false for audio-only sources.
func (s *Session) VideoInfo() (media.VideoInfo, bool) {
	if s.video == nil {
		return media.VideoInfo{}, false
	}
	return media.VideoInfo{
		Width:       s.video.width,
		Height:      s.video.height,
		FPS:         s.video.fps,
		Duration:    s.duration,
		TotalFrames: s.video.stream.NbFrames(),
		PixelFormat: s.format,
		IsLive:      s.isLive,
		CodecName:   s.video.codecName,
	}, true
}

// AudioInfo describes the audio track; ok is false when absent.
func (s *Session) AudioInfo() (media.AudioInfo, bool) {
	if s.audio == nil {
		return media.AudioInfo{}, false
	}
	return media.AudioInfo{
		SourceRate:     s.audio.cc.SampleRate(),
		SourceChannels: s.audio.cc.ChannelLayout().Channels(),
		OutputRate:     media.OutputSampleRate,
		OutputChannels: media.OutputChannels,
		CodecName:      s.audio.codecName,
	}, true
}
