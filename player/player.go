// Package player implements the playback engine: a state machine wrapping a
// decode session, a background decode worker feeding a bounded frame queue
// and audio ring, and a wall-clock driven presentation scheduler with
// distinct VOD and live policies.
//
// Exactly two mutexes guard a session. The state lock covers the state
// machine, the playback clock, and the playback parameters; the queue lock
// covers the frame queue, the sample ring, and the display frame. When both
// are held, state is acquired before queue.
package player

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/refract/buffer"
	"github.com/zsiec/refract/clock"
	"github.com/zsiec/refract/decode"
	"github.com/zsiec/refract/media"
)

// State is the player lifecycle state.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateReady
	StatePlaying
	StatePaused
	StateStopped
	StateEndOfFile
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateEndOfFile:
		return "end-of-file"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Playback speed bounds.
const (
	minSpeed = 0.25
	maxSpeed = 4.0
)

// Source is the decode session consumed by the player's worker. It is
// implemented by *decode.Session; tests substitute synthetic sources.
type Source interface {
	HasVideo() bool
	HasAudio() bool
	VideoInfo() (media.VideoInfo, bool)
	AudioInfo() (media.AudioInfo, bool)
	IsLive() bool
	Duration() float64
	FrameDuration() float64

	// Next returns the next converted payload: either a
	// *media.VideoPayload or a *media.AudioPayload. io.EOF ends the
	// segment; other errors are fatal to the worker.
	Next() (any, error)
	Seek(seconds float64) error
	Close() error
}

// VideoFrameFunc is an optional best-effort callback invoked from the
// decode worker for every converted video frame. It must not block; the
// data slice is only valid for the duration of the call.
type VideoFrameFunc func(data []byte, width, height, stride int, pts float64)

// AudioFunc is the audio counterpart: samples are interleaved stereo f32 at
// the output rate, valid only for the duration of the call.
type AudioFunc func(samples []float32, sampleCount, channels int, pts float64)

type openFunc func(url string, cfg decode.Config, log *slog.Logger) (Source, error)
type openReaderFunc func(r io.Reader, cfg decode.Config, log *slog.Logger) (Source, error)

// displayFrame is the single RGBA buffer most recently promoted from the
// queue and visible to the host. Guarded by the queue lock.
type displayFrame struct {
	data   []byte
	width  int
	height int
	stride int
	pts    float64
	ready  bool
}

func (d *displayFrame) copyFrom(e *buffer.FrameEntry) {
	need := e.Height * e.Stride
	if cap(d.data) < need {
		d.data = make([]byte, need)
	}
	d.data = d.data[:need]
	copy(d.data, e.Data[:need])
	d.width = e.Width
	d.height = e.Height
	d.stride = e.Stride
	d.pts = e.PTS
	d.ready = true
}

// Player is one playback session. Create with New; a zero Player is not
// usable. All methods are safe to call from the host's presentation and
// audio threads concurrently with the decode worker.
type Player struct {
	log        *slog.Logger
	openFn     openFunc
	openReader openReaderFunc
	now        func() time.Time

	// stateMu guards everything below through the callbacks.
	stateMu    sync.Mutex
	state      State
	lastCode   Code
	lastMsg    string
	clk        *clock.Clock
	firstFrame bool
	speed      float64
	volume     float64
	loop       bool
	videoPTS   float64
	audioPTS   float64
	pixFmt     media.PixelFormat
	hwAccel    bool
	live       bool
	duration   float64
	src        Source
	stopCh     chan struct{}
	workerDone chan struct{}
	onVideo    VideoFrameFunc
	onAudio    AudioFunc

	// queueMu guards the three below. Acquired after stateMu when both
	// are held.
	queueMu sync.Mutex
	frames  *buffer.FrameQueue
	ring    *buffer.SampleRing
	display displayFrame

	stats statCounters
}

// Option configures a Player at construction.
type Option func(*Player)

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(log *slog.Logger) Option {
	return func(p *Player) { p.log = log }
}

// New creates an idle player.
func New(opts ...Option) *Player {
	p := &Player{
		state:  StateIdle,
		speed:  1.0,
		volume: 1.0,
		pixFmt: media.PixelFormatRGBA,
		now:    time.Now,
		frames: buffer.NewFrameQueue(media.FrameQueueCapacity),
		ring:   buffer.NewSampleRing(media.AudioRingCapacity),
	}
	p.openFn = func(url string, cfg decode.Config, log *slog.Logger) (Source, error) {
		return decode.Open(url, cfg, log)
	}
	p.openReader = func(r io.Reader, cfg decode.Config, log *slog.Logger) (Source, error) {
		return decode.OpenReader(r, cfg, log)
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "player")
	p.clk = clock.New(p.now)
	return p
}

// Open opens a direct media URL. Any previously open session is closed
// first. On success the player is Ready.
func (p *Player) Open(url string) error {
	return p.OpenWithOptions(url, nil)
}

// OpenWithOptions opens a direct media URL with extra format options
// (key=value pairs passed through to the demuxer).
func (p *Player) OpenWithOptions(url string, options map[string]string) error {
	if url == "" {
		return newError(CodeInvalidParameter, "empty url")
	}
	return p.openSession(func(cfg decode.Config) (Source, error) {
		cfg.Options = options
		return p.openFn(url, cfg, p.log)
	})
}

// OpenReader opens a session over a raw byte stream (e.g. a pulled SRT
// feed). The resulting session is live and non-seekable.
func (p *Player) OpenReader(r io.Reader) error {
	if r == nil {
		return newError(CodeInvalidParameter, "nil reader")
	}
	return p.openSession(func(cfg decode.Config) (Source, error) {
		return p.openReader(r, cfg, p.log)
	})
}

func (p *Player) openSession(open func(decode.Config) (Source, error)) error {
	p.Close()

	p.stateMu.Lock()
	p.state = StateOpening
	cfg := decode.Config{PixelFormat: p.pixFmt, HWAccel: p.hwAccel}
	p.stateMu.Unlock()

	src, err := open(cfg)
	if err != nil {
		perr := newError(openCode(err), err.Error())
		p.stateMu.Lock()
		p.state = StateError
		p.lastCode = perr.Code
		p.lastMsg = perr.Message
		p.stateMu.Unlock()
		p.log.Error("open failed", "error", err)
		return perr
	}

	p.stateMu.Lock()
	p.src = src
	p.live = src.IsLive()
	p.duration = src.Duration()
	p.firstFrame = false
	p.videoPTS = 0
	p.audioPTS = 0
	p.clk.Anchor(0)
	p.state = StateReady
	p.lastCode = CodeOK
	p.lastMsg = ""
	p.startWorkerLocked()
	p.stateMu.Unlock()

	p.log.Info("media opened", "live", src.IsLive(), "duration", src.Duration())
	return nil
}

// openCode maps decode open errors onto host codes.
func openCode(err error) Code {
	switch {
	case errors.Is(err, decode.ErrCodecNotFound):
		return CodeCodecNotFound
	case errors.Is(err, decode.ErrCodecOpenFailed):
		return CodeCodecOpenFailed
	case errors.Is(err, decode.ErrNoStreams):
		return CodeNoVideoStream
	default:
		return CodeOpenFailed
	}
}

// Close stops the decode worker, tears down the session, and clears all
// buffers. Idempotent and safe from any state.
func (p *Player) Close() error {
	p.stateMu.Lock()
	src := p.src
	stop, done := p.stopCh, p.workerDone
	p.src = nil
	p.stopCh = nil
	p.workerDone = nil
	p.state = StateIdle
	p.lastCode = CodeOK
	p.lastMsg = ""
	p.firstFrame = false
	p.videoPTS = 0
	p.audioPTS = 0
	p.live = false
	p.duration = 0
	p.clk.Anchor(0)
	p.stateMu.Unlock()

	p.joinWorker(stop, done)
	if src != nil {
		src.Close()
	}

	p.queueMu.Lock()
	p.frames = buffer.NewFrameQueue(media.FrameQueueCapacity)
	p.ring.Clear()
	p.display = displayFrame{}
	p.queueMu.Unlock()
	return nil
}

// Play starts or resumes playback. Valid from Ready, Paused, and Stopped;
// a no-op while already Playing; NotReady otherwise.
func (p *Player) Play() error {
	p.stateMu.Lock()
	switch p.state {
	case StatePlaying:
		p.stateMu.Unlock()
		return nil
	case StateReady, StatePaused, StateStopped:
	default:
		p.stateMu.Unlock()
		return newError(CodeNotReady, "cannot play from state "+p.state.String())
	}
	p.clk.Anchor(p.clk.Current())
	p.state = StatePlaying
	if !p.workerAliveLocked() {
		p.startWorkerLocked()
	}
	p.stateMu.Unlock()
	p.log.Info("playback started")
	return nil
}

// Pause freezes the presentation clock. Idempotent; a no-op outside
// Playing.
func (p *Player) Pause() error {
	p.stateMu.Lock()
	if p.state == StatePlaying {
		p.clk.SetCurrent(p.clk.Time(p.speed, true))
		p.state = StatePaused
	}
	p.stateMu.Unlock()
	return nil
}

// Stop halts playback, rewinds VOD sources to the start, and clears all
// buffered data. Position is 0 afterwards.
func (p *Player) Stop() error {
	p.stateMu.Lock()
	if p.src == nil {
		p.stateMu.Unlock()
		return newError(CodeInvalidPlayer, "no open media")
	}
	src := p.src
	live := p.live
	stop, done := p.stopCh, p.workerDone
	p.stopCh = nil
	p.workerDone = nil
	p.stateMu.Unlock()

	p.joinWorker(stop, done)
	if !live {
		if err := src.Seek(0); err != nil {
			p.log.Warn("rewind failed", "error", err)
		}
	}

	p.stateMu.Lock()
	p.clk.Anchor(0)
	p.firstFrame = false
	p.videoPTS = 0
	p.audioPTS = 0
	p.state = StateStopped
	p.queueMu.Lock()
	p.frames.Clear()
	p.ring.Clear()
	p.display.ready = false
	p.queueMu.Unlock()
	p.stateMu.Unlock()
	return nil
}

// Seek repositions a VOD source. The state is unchanged; the clock is
// re-anchored to the requested position. Live sources fail with SeekFailed
// and no side effects.
func (p *Player) Seek(seconds float64) error {
	p.stateMu.Lock()
	if p.src == nil {
		p.stateMu.Unlock()
		return newError(CodeInvalidPlayer, "no open media")
	}
	if p.live {
		p.stateMu.Unlock()
		return newError(CodeSeekFailed, "cannot seek a live stream")
	}
	if seconds < 0 {
		seconds = 0
	}
	if p.duration > 0 && seconds > p.duration {
		seconds = p.duration
	}
	src := p.src
	prior := p.state
	stop, done := p.stopCh, p.workerDone
	p.stopCh = nil
	p.workerDone = nil
	p.stateMu.Unlock()

	p.joinWorker(stop, done)

	err := src.Seek(seconds)

	p.stateMu.Lock()
	p.clk.Anchor(seconds)
	p.firstFrame = false
	p.videoPTS = seconds
	p.audioPTS = seconds
	p.queueMu.Lock()
	p.frames.Clear()
	p.ring.Clear()
	p.display.ready = false
	p.queueMu.Unlock()
	if err != nil {
		p.lastCode = CodeSeekFailed
		p.lastMsg = truncate(err.Error())
	}
	if prior == StatePlaying {
		p.startWorkerLocked()
	}
	p.stateMu.Unlock()

	if err != nil {
		return newError(CodeSeekFailed, err.Error())
	}
	return nil
}

// State returns the current lifecycle state.
func (p *Player) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// LastError returns the last error code and its bounded message.
func (p *Player) LastError() (Code, string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.lastCode, p.lastMsg
}

// Position returns the current presentation time in seconds: clock-derived
// while Playing, frozen otherwise, 0 when no media is open.
func (p *Player) Position() float64 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.src == nil {
		return 0
	}
	return p.clk.Time(p.speed, p.state == StatePlaying)
}

// VideoPTS returns the presentation timestamp of the most recently
// promoted video frame.
func (p *Player) VideoPTS() float64 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.videoPTS
}

// AudioPTS returns the presentation timestamp of the most recently decoded
// audio frame.
func (p *Player) AudioPTS() float64 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.audioPTS
}

// Duration returns the media duration in seconds, 0 for live sources or
// when nothing is open.
func (p *Player) Duration() float64 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.duration
}

// IsLive reports whether the open source has no known duration.
func (p *Player) IsLive() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.live
}

// VideoInfo describes the open video track.
func (p *Player) VideoInfo() (media.VideoInfo, bool) {
	p.stateMu.Lock()
	src := p.src
	p.stateMu.Unlock()
	if src == nil {
		return media.VideoInfo{}, false
	}
	return src.VideoInfo()
}

// AudioInfo describes the open audio track.
func (p *Player) AudioInfo() (media.AudioInfo, bool) {
	p.stateMu.Lock()
	src := p.src
	p.stateMu.Unlock()
	if src == nil {
		return media.AudioInfo{}, false
	}
	return src.AudioInfo()
}

// SetLoop enables restart-on-EOF for VOD sources.
func (p *Player) SetLoop(loop bool) {
	p.stateMu.Lock()
	p.loop = loop
	p.stateMu.Unlock()
}

// Loop reports the loop setting.
func (p *Player) Loop() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.loop
}

// SetSpeed sets the playback rate, clamped to [0.25, 4]. Changing speed
// while playing re-anchors the clock so position stays continuous.
func (p *Player) SetSpeed(speed float64) {
	if speed < minSpeed {
		speed = minSpeed
	}
	if speed > maxSpeed {
		speed = maxSpeed
	}
	p.stateMu.Lock()
	if p.state == StatePlaying {
		p.clk.Anchor(p.clk.Time(p.speed, true))
	}
	p.speed = speed
	p.stateMu.Unlock()
}

// Speed returns the playback rate.
func (p *Player) Speed() float64 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.speed
}

// SetVolume stores the host mix volume, clamped to [0, 1]. Samples in the
// ring are never scaled; the host applies this value when mixing.
func (p *Player) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	p.stateMu.Lock()
	p.volume = volume
	p.stateMu.Unlock()
}

// Volume returns the stored mix volume.
func (p *Player) Volume() float64 {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.volume
}

// SetPixelFormat selects RGBA or BGRA output. Takes effect on the next
// Open.
func (p *Player) SetPixelFormat(f media.PixelFormat) {
	p.stateMu.Lock()
	p.pixFmt = f
	p.stateMu.Unlock()
}

// SetHardwareAccel records the hardware decode hint. Currently a no-op.
func (p *Player) SetHardwareAccel(enabled bool) {
	p.stateMu.Lock()
	p.hwAccel = enabled
	p.stateMu.Unlock()
}

// SetVideoFrameCallback installs the per-frame callback, invoked from the
// decode worker. Pass nil to remove.
func (p *Player) SetVideoFrameCallback(fn VideoFrameFunc) {
	p.stateMu.Lock()
	p.onVideo = fn
	p.stateMu.Unlock()
}

// SetAudioCallback installs the audio callback, invoked from the decode
// worker. Pass nil to remove.
func (p *Player) SetAudioCallback(fn AudioFunc) {
	p.stateMu.Lock()
	p.onAudio = fn
	p.stateMu.Unlock()
}

func truncate(msg string) string {
	if len(msg) > maxErrorMessage {
		return msg[:maxErrorMessage]
	}
	return msg
}
