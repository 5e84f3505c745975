package player

import (
	"io"
	"testing"
	"time"

	"github.com/zsiec/refract/media"
)

func TestUpdate_VODPromotesDueFrameOnce(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, wall)
	src, ch := newChanSource(false)
	openFake(t, p, src)

	ch <- videoPayload(0)
	ch <- videoPayload(1.0)
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, time.Second, "frames decoded", func() bool {
		return p.DebugStats().FramesDecoded >= 2
	})

	// First frame anchored the clock to its PTS: it is due immediately.
	if n := p.Update(0.016); n != 1 {
		t.Fatalf("Update = %d, want 1", n)
	}
	f, ok := p.GetVideoFrame()
	if !ok {
		t.Fatal("no display frame after promotion")
	}
	if f.PTS != 0 {
		t.Fatalf("promoted PTS = %v, want 0", f.PTS)
	}
	if f.Width != 4 || f.Height != 2 || f.Stride != 16 {
		t.Fatalf("frame geometry = %dx%d stride %d", f.Width, f.Height, f.Stride)
	}

	// The ready flag clears on read: no double consumption.
	if _, ok := p.GetVideoFrame(); ok {
		t.Fatal("same frame consumed twice")
	}

	// The second frame is a second in the future: not promoted yet.
	if n := p.Update(0.016); n != 0 {
		t.Fatalf("early Update = %d, want 0", n)
	}

	wall.advance(time.Second)
	if n := p.Update(0.016); n != 1 {
		t.Fatalf("due Update = %d, want 1", n)
	}
	if f, ok := p.GetVideoFrame(); !ok || f.PTS != 1.0 {
		t.Fatalf("second promotion = %+v ok=%v, want PTS 1.0", f, ok)
	}

	// Nothing left: no duplicate promotions.
	if n := p.Update(0.016); n != 0 {
		t.Fatalf("drained Update = %d, want 0", n)
	}
}

func TestUpdate_NotPlayingReturnsZero(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, nil)
	src, ch := newChanSource(false)
	openFake(t, p, src)
	ch <- videoPayload(0)

	if n := p.Update(0.016); n != 0 {
		t.Fatalf("Update while ready = %d, want 0", n)
	}
}

func TestUpdate_LivePromotesNewest(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, wall)
	src, ch := newChanSource(true)
	openFake(t, p, src)

	for i := 0; i < 5; i++ {
		ch <- videoPayload(float64(i))
	}
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, time.Second, "frames decoded", func() bool {
		return p.DebugStats().FramesDecoded >= 5
	})

	// Live policy drains the queue and keeps only the newest frame, even
	// though its PTS is far in the future of the clock.
	if n := p.Update(0.016); n != 1 {
		t.Fatalf("Update = %d, want 1", n)
	}
	f, ok := p.GetVideoFrame()
	if !ok || f.PTS != 4 {
		t.Fatalf("promoted PTS = %v ok=%v, want 4", f.PTS, ok)
	}
	if n := p.Update(0.016); n != 0 {
		t.Fatal("queue not fully drained by live promotion")
	}
}

func TestWorker_DropsLateVODFrames(t *testing.T) {
	t.Parallel()
	wall := newFakeWall()
	p := newTestPlayer(t, wall)
	src, ch := newChanSource(false)
	openFake(t, p, src)

	ch <- videoPayload(0)
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, time.Second, "anchor frame decoded", func() bool {
		return p.DebugStats().FramesDecoded >= 1
	})

	// Two seconds elapse; a frame at PTS 1.0 is more than 500ms behind
	// the clock and must be dropped at the source.
	wall.advance(2 * time.Second)
	ch <- videoPayload(1.0)
	waitFor(t, time.Second, "late frame dropped", func() bool {
		return p.DebugStats().FramesDropped >= 1
	})
	if got := p.DebugStats().FramesDecoded; got != 1 {
		t.Fatalf("FramesDecoded = %d, want 1 (late frame must not enqueue)", got)
	}

	// A frame near the clock is kept.
	ch <- videoPayload(1.9)
	waitFor(t, time.Second, "recent frame enqueued", func() bool {
		return p.DebugStats().FramesDecoded >= 2
	})
}

func TestWorker_EOFTransitionsToEndOfFile(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, nil)
	src, ch := newChanSource(false)
	openFake(t, p, src)

	ch <- io.EOF
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, time.Second, "end of file", func() bool {
		return p.State() == StateEndOfFile
	})
	if got := p.Position(); got != src.duration {
		t.Fatalf("Position at EOF = %v, want %v", got, src.duration)
	}
}

func TestWorker_LoopWrapsInsteadOfEOF(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, nil)

	// Scripted source: every even call returns EOF, every odd call one
	// frame, so each wrap decodes exactly one frame.
	var calls int
	src := &fakeSource{hasVideo: true, hasAudio: false, duration: 2}
	src.next = func() (any, error) {
		calls++
		if calls%2 == 0 {
			return nil, io.EOF
		}
		time.Sleep(time.Millisecond)
		return videoPayload(0), nil
	}
	openFake(t, p, src)

	p.SetLoop(true)
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, 2*time.Second, "two loop wraps", func() bool {
		return p.DebugStats().LoopWraps >= 2
	})
	if got := p.State(); got != StatePlaying {
		t.Fatalf("state = %v, want playing while looping", got)
	}
	if src.seekCount() < 2 {
		t.Fatalf("source rewinds = %d, want >= 2", src.seekCount())
	}
}

func TestWorker_DecodeErrorSetsErrorState(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, nil)
	src, ch := newChanSource(false)
	openFake(t, p, src)

	ch <- io.ErrUnexpectedEOF
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, time.Second, "error state", func() bool {
		return p.State() == StateError
	})
	code, msg := p.LastError()
	if code != CodeDecodeFailed || msg == "" {
		t.Fatalf("LastError = %d %q, want DecodeFailed with message", code, msg)
	}
}

func TestWorker_VODBackpressureThrottles(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, nil)
	src, ch := newChanSource(false)
	openFake(t, p, src)

	// Fill the ring past 3/4 and enqueue more frames than the queue
	// accepts: the worker must stop pulling once both are near full.
	ch <- audioPayload(0, media.AudioRingCapacity)
	for i := 0; i < 20; i++ {
		ch <- videoPayload(float64(i) / 30)
	}
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}

	limit := int64(media.FrameQueueCapacity - 1)
	waitFor(t, time.Second, "queue to fill", func() bool {
		return p.DebugStats().FramesDecoded >= limit
	})
	time.Sleep(50 * time.Millisecond)
	if got := p.DebugStats().FramesDecoded; got != limit {
		t.Fatalf("FramesDecoded = %d, want throttled at %d", got, limit)
	}

	// Draining the ring releases the backpressure.
	drain := make([]float32, media.AudioRingCapacity/2)
	p.ReadAudio(drain)
	waitFor(t, time.Second, "decoding to resume", func() bool {
		return p.DebugStats().FramesDecoded > limit
	})
}

func TestWorker_LiveNeverThrottles(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, nil)
	src, ch := newChanSource(true)
	openFake(t, p, src)

	ch <- audioPayload(0, media.AudioRingCapacity)
	for i := 0; i < 20; i++ {
		ch <- videoPayload(float64(i))
	}
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}

	// All 20 frames decode; the queue overwrites its oldest entries.
	waitFor(t, time.Second, "all frames decoded", func() bool {
		return p.DebugStats().FramesDecoded >= 20
	})
	if got := p.DebugStats().QueueDepth; got > media.FrameQueueCapacity {
		t.Fatalf("QueueDepth = %d exceeds capacity", got)
	}

	// The newest frame wins promotion.
	if n := p.Update(0.016); n != 1 {
		t.Fatal("no frame promoted")
	}
	if f, ok := p.GetVideoFrame(); !ok || f.PTS != 19 {
		t.Fatalf("promoted PTS = %v ok=%v, want 19", f.PTS, ok)
	}
}

func TestReadAudio_DeliversDecodedSamples(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, nil)
	src, ch := newChanSource(false)
	openFake(t, p, src)

	samples := &media.AudioPayload{Samples: []float32{1, 2, 3, 4}, PTS: 0}
	ch <- samples
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, time.Second, "samples buffered", func() bool {
		return p.DebugStats().AudioSamples >= 4
	})

	dst := make([]float32, 8)
	n := p.ReadAudio(dst)
	if n != 4 {
		t.Fatalf("ReadAudio = %d, want 4", n)
	}
	for i := 0; i < 4; i++ {
		if dst[i] != float32(i+1) {
			t.Fatalf("dst[%d] = %v, want %v", i, dst[i], float32(i+1))
		}
	}
}

func TestCallbacks_FireFromWorker(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, nil)
	src, ch := newChanSource(false)
	openFake(t, p, src)

	videoSeen := make(chan float64, 1)
	audioSeen := make(chan int, 1)
	p.SetVideoFrameCallback(func(data []byte, w, h, stride int, pts float64) {
		select {
		case videoSeen <- pts:
		default:
		}
	})
	p.SetAudioCallback(func(samples []float32, n, ch int, pts float64) {
		if n > 0 {
			select {
			case audioSeen <- n:
			default:
			}
		}
	})

	ch <- videoPayload(0.5)
	ch <- audioPayload(0.5, 6)
	if err := p.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}

	select {
	case pts := <-videoSeen:
		if pts != 0.5 {
			t.Fatalf("video callback PTS = %v, want 0.5", pts)
		}
	case <-time.After(time.Second):
		t.Fatal("video callback never fired")
	}
	select {
	case n := <-audioSeen:
		if n != 3 {
			t.Fatalf("audio callback sample count = %d, want 3", n)
		}
	case <-time.After(time.Second):
		t.Fatal("audio callback never fired")
	}
}
