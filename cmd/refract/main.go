// Command refract is a headless demo host for the playback engine: it
// opens a source, plays it, ticks the presentation scheduler the way a
// render loop would, drains audio the way an audio callback would, and
// logs pipeline stats. Useful for soak-testing sources without a GPU or an
// audio device.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	srtingest "github.com/zsiec/refract/ingest/srt"
	"github.com/zsiec/refract/media"
	"github.com/zsiec/refract/player"
	"github.com/zsiec/refract/resolve"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	url := envOr("REFRACT_URL", "")
	if len(os.Args) > 1 {
		url = os.Args[1]
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "usage: refract <url>   (or set REFRACT_URL)")
		os.Exit(2)
	}

	tickHz, _ := strconv.Atoi(envOr("TICK_HZ", "60"))
	if tickHz <= 0 {
		tickHz = 60
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("refract starting", "version", version, "url", url, "tick_hz", tickHz)

	// A page URL goes through the resolver subprocess first; the engine
	// itself only opens direct URLs.
	if resolver := envOr("REFRACT_RESOLVER", ""); resolver != "" {
		res, err := resolve.NewCommand(resolver, nil).Resolve(ctx, url)
		if err != nil {
			slog.Error("resolve failed", "error", err)
			os.Exit(1)
		}
		url = res.DirectURL
	}

	p := player.New()
	defer p.Close()

	if strings.HasPrefix(url, "srt-pull://") {
		// Pull the feed over an SRT socket and demux it through the
		// player's reader path.
		caller := srtingest.NewCaller(nil)
		feed, err := caller.Pull(ctx, srtingest.PullRequest{
			Address:  strings.TrimPrefix(url, "srt-pull://"),
			StreamID: envOr("SRT_STREAM_ID", ""),
		})
		if err != nil {
			slog.Error("SRT pull failed", "error", err)
			os.Exit(1)
		}
		defer feed.Close()
		if err := p.OpenReader(feed); err != nil {
			slog.Error("open failed", "error", err)
			os.Exit(1)
		}
	} else {
		if err := p.Open(url); err != nil {
			slog.Error("open failed", "error", err)
			os.Exit(1)
		}
	}

	if vi, ok := p.VideoInfo(); ok {
		slog.Info("video", "codec", vi.CodecName,
			"size", fmt.Sprintf("%dx%d", vi.Width, vi.Height),
			"fps", vi.FPS, "live", vi.IsLive)
	}
	if ai, ok := p.AudioInfo(); ok {
		slog.Info("audio", "codec", ai.CodecName,
			"source_rate", ai.SourceRate, "source_channels", ai.SourceChannels,
			"output_rate", ai.OutputRate)
	}

	if err := p.Play(); err != nil {
		slog.Error("play failed", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Presentation loop: tick the scheduler and consume display frames
	// like a render loop uploading textures.
	g.Go(func() error {
		tick := time.NewTicker(time.Second / time.Duration(tickHz))
		defer tick.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-tick.C:
				dt := now.Sub(last).Seconds()
				last = now
				p.Update(dt)
				if f, ok := p.GetVideoFrame(); ok {
					slog.Debug("frame", "pts", f.PTS, "size",
						fmt.Sprintf("%dx%d", f.Width, f.Height))
				}
				switch p.State() {
				case player.StateEndOfFile:
					slog.Info("playback finished", "position", p.Position())
					cancel()
					return nil
				case player.StateError:
					code, msg := p.LastError()
					return fmt.Errorf("playback error %d: %s", code, msg)
				}
			}
		}
	})

	// Audio loop: drain 10 ms chunks like a device callback would.
	g.Go(func() error {
		const chunk = media.OutputSampleRate / 100 * media.OutputChannels
		buf := make([]float32, chunk)
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				p.ReadAudio(buf)
			}
		}
	})

	// Stats loop.
	g.Go(func() error {
		tick := time.NewTicker(5 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				s := p.DebugStats()
				slog.Info("pipeline",
					"position", fmt.Sprintf("%.2f", p.Position()),
					"state", p.State(),
					"packets", s.PacketsRead,
					"decoded", s.FramesDecoded,
					"promoted", s.FramesPromoted,
					"dropped", s.FramesDropped,
					"queue", s.QueueDepth,
					"ring", s.RingAvailable,
				)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("player error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
