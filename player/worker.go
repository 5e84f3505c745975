package player

import (
	"errors"
	"io"
	"time"

	"github.com/zsiec/refract/media"
)

// Worker pacing and policy constants.
const (
	// idleSleep is the wait between state polls while not Playing.
	idleSleep = 10 * time.Millisecond
	// backpressureSleep is the VOD wait when the frame queue and sample
	// ring are both near full.
	backpressureSleep = 5 * time.Millisecond
	// joinTimeout bounds how long close/seek wait for the worker to exit.
	joinTimeout = 2 * time.Second
	// maxLateness is the VOD catch-up bound: frames older than the clock
	// by more than this are dropped at the source.
	maxLateness = 0.5
	// ringBackpressureFill is the ring fill fraction above which a VOD
	// worker throttles (together with a near-full frame queue).
	ringBackpressureFill = 0.75
)

// startWorkerLocked launches the decode worker for the current source.
// Caller holds the state lock and has verified p.src is non-nil.
func (p *Player) startWorkerLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	p.stopCh = stop
	p.workerDone = done
	go p.decodeLoop(p.src, stop, done)
}

// workerAliveLocked reports whether a worker goroutine is still running.
// Caller holds the state lock.
func (p *Player) workerAliveLocked() bool {
	if p.workerDone == nil {
		return false
	}
	select {
	case <-p.workerDone:
		return false
	default:
		return true
	}
}

// joinWorker signals the worker to stop and waits for it with a safety
// timeout. Called without either lock held; the worker needs the state
// lock to finish its current iteration.
func (p *Player) joinWorker(stop chan struct{}, done chan struct{}) {
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(joinTimeout):
		p.log.Warn("decode worker did not stop in time")
	}
}

// decodeLoop is the worker: the sole writer to the frame queue and the
// sample ring. It observes the stop channel at the top of every iteration
// and never holds the state lock across a blocking demuxer read.
func (p *Player) decodeLoop(src Source, stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		p.stateMu.Lock()
		if p.workerDone != nil {
			// Only clear if no replacement worker has been installed.
			select {
			case <-stop:
			default:
				p.stopCh = nil
				p.workerDone = nil
			}
		}
		p.stateMu.Unlock()
		close(done)
	}()

	live := src.IsLive()

	for {
		select {
		case <-stop:
			return
		default:
		}

		p.stateMu.Lock()
		playing := p.state == StatePlaying
		loop := p.loop
		p.stateMu.Unlock()

		if !playing {
			if !sleepOrStop(stop, idleSleep) {
				return
			}
			continue
		}

		// Live sources never throttle: stale data is overwritten instead.
		if !live && p.backpressured(src) {
			if !sleepOrStop(stop, backpressureSleep) {
				return
			}
			continue
		}

		payload, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if loop && !live {
					if serr := src.Seek(0); serr != nil {
						p.fail(CodeSeekFailed, serr.Error())
						return
					}
					p.resetAfterWrap()
					continue
				}
				p.transitionEndOfFile(src.Duration())
				return
			}
			p.fail(CodeDecodeFailed, err.Error())
			return
		}
		p.stats.packetsRead.Add(1)

		switch v := payload.(type) {
		case *media.VideoPayload:
			if !p.handleVideo(v, live, stop) {
				return
			}
		case *media.AudioPayload:
			p.handleAudio(v, live)
		}
	}
}

// backpressured reports whether a VOD worker should throttle: the frame
// queue is within one slot of full and the ring is at least 3/4 full. A
// missing stream counts as permanently full so the present one governs.
func (p *Player) backpressured(src Source) bool {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	videoFull := !src.HasVideo() || p.frames.Len() >= p.frames.Cap()-1
	audioFull := !src.HasAudio() || p.ring.FillFraction() >= ringBackpressureFill
	return videoFull && audioFull
}

// handleVideo anchors the clock on the segment's first frame, applies the
// VOD catch-up drop rule, and enqueues the frame. A full VOD queue blocks
// until the scheduler makes room; live queues overwrite instead. Returns
// false when the stop channel fired while waiting.
func (p *Player) handleVideo(v *media.VideoPayload, live bool, stop <-chan struct{}) bool {
	p.stateMu.Lock()
	if !p.firstFrame {
		// First decoded frame after open/seek/loop wrap anchors the
		// timeline to the media's actual start position.
		p.clk.Anchor(v.PTS)
		p.firstFrame = true
	}
	now := p.clk.Time(p.speed, p.state == StatePlaying)
	cb := p.onVideo
	p.stateMu.Unlock()

	if !live && v.PTS < now-maxLateness {
		p.stats.framesDropped.Add(1)
		return true
	}

	for {
		p.queueMu.Lock()
		pushed := p.frames.Push(v, live)
		depth := p.frames.Len()
		p.queueMu.Unlock()
		if pushed {
			p.stats.framesDecoded.Add(1)
			p.stats.queueDepth.Store(int32(depth))
			p.stats.lastVideoPTS.Store(int64(v.PTS * 1e6))
			break
		}
		if !sleepOrStop(stop, backpressureSleep) {
			return false
		}
	}

	if cb != nil {
		cb(v.Data, v.Width, v.Height, v.Stride, v.PTS)
	}
	return true
}

func (p *Player) handleAudio(a *media.AudioPayload, live bool) {
	p.stateMu.Lock()
	p.audioPTS = a.PTS
	cb := p.onAudio
	p.stateMu.Unlock()

	p.queueMu.Lock()
	written := p.ring.Write(a.Samples, live)
	p.queueMu.Unlock()

	p.stats.audioSamples.Add(int64(written))
	p.stats.lastAudioPTS.Store(int64(a.PTS * 1e6))

	if cb != nil {
		cb(a.Samples, len(a.Samples)/media.OutputChannels, media.OutputChannels, a.PTS)
	}
}

// resetAfterWrap restarts the timeline for a loop iteration: queues are
// cleared and the clock re-anchored before any new frame becomes visible.
func (p *Player) resetAfterWrap() {
	p.stateMu.Lock()
	p.clk.Anchor(0)
	p.firstFrame = false
	p.videoPTS = 0
	p.audioPTS = 0
	p.queueMu.Lock()
	p.frames.Clear()
	p.ring.Clear()
	p.display.ready = false
	p.queueMu.Unlock()
	p.stateMu.Unlock()
	p.stats.loopWraps.Add(1)
	p.log.Debug("looping to start")
}

func (p *Player) transitionEndOfFile(duration float64) {
	p.stateMu.Lock()
	if p.state == StatePlaying {
		if duration > 0 {
			p.clk.SetCurrent(duration)
		} else {
			p.clk.SetCurrent(p.clk.Time(p.speed, true))
		}
		p.state = StateEndOfFile
	}
	p.stateMu.Unlock()
	p.log.Info("end of file")
}

func (p *Player) fail(code Code, msg string) {
	p.stateMu.Lock()
	p.state = StateError
	p.lastCode = code
	p.lastMsg = truncate(msg)
	p.stateMu.Unlock()
	p.log.Error("decode worker failed", "code", code, "error", msg)
}

// sleepOrStop waits for d, returning false if the stop channel fires first.
func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
