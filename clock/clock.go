// Package clock implements the wall-clock anchored playback timeline used
// for A/V presentation scheduling. A Clock pairs a monotonic wall-clock
// anchor with the media PTS observed at that anchor; while playing, the
// current presentation time is startPTS + elapsed*speed.
//
// The Clock does not lock; the owning player guards it with its state lock.
package clock

import "time"

// Clock is the playback timeline. The zero value is not usable; call New.
type Clock struct {
	now        func() time.Time
	anchor     time.Time
	startPTS   float64
	currentPTS float64
}

// New creates a clock reading wall time from now. Passing nil uses
// time.Now. Tests inject a fake clock here.
func New(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Anchor re-anchors the timeline: the given media PTS corresponds to this
// instant. Called on play, on the first decoded frame after open/seek/loop
// wrap, and at seek completion.
func (c *Clock) Anchor(pts float64) {
	c.anchor = c.now()
	c.startPTS = pts
	c.currentPTS = pts
}

// Time returns the current presentation time: the anchored formula while
// playing, the frozen current PTS otherwise.
func (c *Clock) Time(speed float64, playing bool) float64 {
	if !playing {
		return c.currentPTS
	}
	return c.startPTS + c.now().Sub(c.anchor).Seconds()*speed
}

// SetCurrent freezes the timeline at the given PTS. Used when pausing, at
// end of file, or whenever a promoted frame advances the session position.
func (c *Clock) SetCurrent(pts float64) {
	c.currentPTS = pts
}

// Current returns the frozen PTS last recorded by SetCurrent or Anchor.
func (c *Clock) Current() float64 {
	return c.currentPTS
}

// StartPTS returns the media time at the anchor.
func (c *Clock) StartPTS() float64 {
	return c.startPTS
}
