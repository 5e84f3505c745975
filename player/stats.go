package player

import "sync/atomic"

// statCounters are the worker- and scheduler-side counters backing
// DebugStats. Written with atomics so snapshots never contend with the
// decode hot path.
type statCounters struct {
	packetsRead    atomic.Int64
	framesDecoded  atomic.Int64
	framesDropped  atomic.Int64
	framesPromoted atomic.Int64
	audioSamples   atomic.Int64
	loopWraps      atomic.Int64
	queueDepth     atomic.Int32
	lastVideoPTS   atomic.Int64
	lastAudioPTS   atomic.Int64
}

// DebugStats is a point-in-time snapshot of pipeline health, suitable for
// logging or a host debug overlay. PTS values are in microseconds.
type DebugStats struct {
	PacketsRead    int64
	FramesDecoded  int64
	FramesDropped  int64
	FramesPromoted int64
	AudioSamples   int64
	LoopWraps      int64
	QueueDepth     int
	RingAvailable  int
	LastVideoPTSUs int64
	LastAudioPTSUs int64
}

// DebugStats returns the current counters plus the ring fill level.
func (p *Player) DebugStats() DebugStats {
	p.queueMu.Lock()
	ringAvail := p.ring.Available()
	p.queueMu.Unlock()

	return DebugStats{
		PacketsRead:    p.stats.packetsRead.Load(),
		FramesDecoded:  p.stats.framesDecoded.Load(),
		FramesDropped:  p.stats.framesDropped.Load(),
		FramesPromoted: p.stats.framesPromoted.Load(),
		AudioSamples:   p.stats.audioSamples.Load(),
		LoopWraps:      p.stats.loopWraps.Load(),
		QueueDepth:     int(p.stats.queueDepth.Load()),
		RingAvailable:  ringAvail,
		LastVideoPTSUs: p.stats.lastVideoPTS.Load(),
		LastAudioPTSUs: p.stats.lastAudioPTS.Load(),
	}
}
