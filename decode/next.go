package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/refract/media"
)

// Next reads packets and drives the decoders until one converted payload is
// available, returning either a *media.VideoPayload or a *media.AudioPayload.
// Payload buffers are reused between calls; consumers copy before the next
// call. EOF is reported as io.EOF. Per-frame decode errors are swallowed
// (the packet is skipped); demuxer read errors surface to the caller.
func (s *Session) Next() (any, error) {
	for {
		// Drain decoded frames left over from the previous packet before
		// reading a new one; one packet can produce several frames.
		if s.drainVideo {
			p, err := s.receiveVideo()
			switch {
			case err == nil:
				return p, nil
			case errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof):
				s.drainVideo = false
			default:
				s.log.Debug("video frame skipped", "error", err)
				s.drainVideo = false
			}
			continue
		}
		if s.drainAudio {
			p, err := s.receiveAudio()
			switch {
			case err == nil:
				return p, nil
			case errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof):
				s.drainAudio = false
			default:
				s.log.Debug("audio frame skipped", "error", err)
				s.drainAudio = false
			}
			continue
		}

		s.pkt.Unref()
		if err := s.fc.ReadFrame(s.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("decode: reading packet: %w", err)
		}

		switch {
		case s.video != nil && s.pkt.StreamIndex() == s.video.stream.Index():
			if err := s.video.cc.SendPacket(s.pkt); err != nil {
				s.log.Debug("video packet rejected", "error", err)
				continue
			}
			s.drainVideo = true
		case s.audio != nil && s.pkt.StreamIndex() == s.audio.stream.Index():
			if err := s.audio.cc.SendPacket(s.pkt); err != nil {
				s.log.Debug("audio packet rejected", "error", err)
				continue
			}
			s.drainAudio = true
		}
	}
}

func (s *Session) receiveVideo() (*media.VideoPayload, error) {
	v := s.video
	if err := v.cc.ReceiveFrame(v.frame); err != nil {
		return nil, err
	}
	defer v.frame.Unref()

	pts := s.framePTS(v.frame.Pts(), v.timeBase)

	if err := v.sws.ScaleFrame(v.frame, v.converted); err != nil {
		return nil, fmt.Errorf("scaling frame: %w", err)
	}
	b, err := v.converted.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("reading converted frame: %w", err)
	}
	need := v.width * v.height * 4
	if len(b) < need {
		return nil, fmt.Errorf("converted frame too short: %d < %d", len(b), need)
	}
	if cap(v.payload.Data) < need {
		v.payload.Data = make([]byte, need)
	}
	v.payload.Data = v.payload.Data[:need]
	copy(v.payload.Data, b[:need])

	v.payload.Width = v.width
	v.payload.Height = v.height
	v.payload.Stride = v.width * 4
	v.payload.PTS = pts
	return &v.payload, nil
}

func (s *Session) receiveAudio() (*media.AudioPayload, error) {
	a := s.audio
	if err := a.cc.ReceiveFrame(a.frame); err != nil {
		return nil, err
	}
	defer a.frame.Unref()

	pts := s.framePTS(a.frame.Pts(), a.timeBase)

	a.converted.Unref()
	a.converted.SetChannelLayout(astiav.ChannelLayoutStereo)
	a.converted.SetSampleFormat(astiav.SampleFormatFlt)
	a.converted.SetSampleRate(media.OutputSampleRate)
	if err := a.swr.ConvertFrame(a.frame, a.converted); err != nil {
		return nil, fmt.Errorf("resampling frame: %w", err)
	}

	n := a.converted.NbSamples() * media.OutputChannels
	if n == 0 {
		// The resampler buffered everything; treat as needing more input.
		return nil, astiav.ErrEagain
	}
	b, err := a.converted.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("reading converted samples: %w", err)
	}

	a.payload.Samples = samplesFromBytes(a.payload.Samples, b, n)
	a.payload.PTS = pts
	return &a.payload, nil
}

// framePTS derives the presentation timestamp in seconds: the frame's own
// PTS when present, the packet DTS as a best-effort fallback, else 0.
func (s *Session) framePTS(framePTS int64, timeBase float64) float64 {
	if framePTS != astiav.NoPtsValue {
		return float64(framePTS) * timeBase
	}
	if dts := s.pkt.Dts(); dts != astiav.NoPtsValue {
		return float64(dts) * timeBase
	}
	return 0
}

// samplesFromBytes decodes n little-endian f32 samples from b into dst,
// reusing dst's storage when possible.
func samplesFromBytes(dst []float32, b []byte, n int) []float32 {
	if len(b) < n*4 {
		n = len(b) / 4
	}
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return dst
}

// Seek repositions the demuxer to the given time and flushes both decoders.
// The caller clears its queues and re-anchors its clock afterwards.
func (s *Session) Seek(seconds float64) error {
	if s.isLive {
		return errors.New("decode: cannot seek a live source")
	}
	ts := int64(seconds * avTimeBase)
	if err := s.fc.SeekFrame(-1, ts, astiav.NewSeekFlags(astiav.SeekFlagBackward)); err != nil {
		return fmt.Errorf("decode: seek: %w", err)
	}
	if s.video != nil {
		s.video.cc.FlushBuffers()
	}
	if s.audio != nil {
		s.audio.cc.FlushBuffers()
	}
	s.drainVideo = false
	s.drainAudio = false
	s.pkt.Unref()
	return nil
}

// Close frees every FFmpeg context owned by the session. Safe to call more
// than once and on partially opened sessions.
func (s *Session) Close() error {
	if s.pkt != nil {
		s.pkt.Free()
		s.pkt = nil
	}
	if s.video != nil {
		s.video.frame.Free()
		s.video.converted.Free()
		s.video.sws.Free()
		s.video.cc.Free()
		s.video = nil
	}
	if s.audio != nil {
		s.audio.frame.Free()
		s.audio.converted.Free()
		s.audio.swr.Free()
		s.audio.cc.Free()
		s.audio = nil
	}
	if s.fc != nil {
		if s.opened {
			s.fc.CloseInput()
		}
		s.fc.Free()
		s.fc = nil
	}
	if s.ioc != nil {
		s.ioc.Free()
		s.ioc = nil
	}
	return nil
}
