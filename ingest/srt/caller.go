// Package srt pulls live MPEG-TS feeds from remote SRT listeners. A pulled
// feed is exposed as an io.Reader suitable for player.OpenReader, which
// demuxes it through the decode session's custom IO path.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// srtReadBufferSize fits several MPEG-TS packets per socket read.
const srtReadBufferSize = 1316 * 8

// dialTimeout bounds how long Pull waits for the remote listener.
const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address  string
	StreamID string
}

// FeedStats captures connection-level metrics for a pulled feed.
type FeedStats struct {
	BytesReceived int64
	ReadCount     int64
	UptimeMs      int64
}

// Feed is an active pulled stream. Read it (or hand it to the player) to
// consume the MPEG-TS bytes; Close tears the connection down.
type Feed struct {
	conn      *srtgo.Conn
	pr        *io.PipeReader
	pw        *io.PipeWriter
	cancel    context.CancelFunc
	startedAt time.Time

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	closeOnce     sync.Once
}

// Read implements io.Reader over the pulled byte stream.
func (f *Feed) Read(p []byte) (int, error) {
	return f.pr.Read(p)
}

// Stats returns a snapshot of feed metrics.
func (f *Feed) Stats() FeedStats {
	return FeedStats{
		BytesReceived: f.bytesReceived.Load(),
		ReadCount:     f.readCount.Load(),
		UptimeMs:      time.Since(f.startedAt).Milliseconds(),
	}
}

// Close stops the pull and releases the connection. Safe to call more than
// once.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		f.conn.Close()
		f.pr.Close()
	})
	return nil
}

// Caller dials remote SRT listeners and streams their data into feeds.
type Caller struct {
	log *slog.Logger

	mu    sync.Mutex
	pulls map[string]*Feed
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:   log.With("component", "srt-caller"),
		pulls: make(map[string]*Feed),
	}
}

// Pull dials the remote SRT listener synchronously (with a timeout) and
// starts streaming in the background on success. One pull per address.
func (c *Caller) Pull(ctx context.Context, req PullRequest) (*Feed, error) {
	if req.Address == "" {
		return nil, errors.New("srt: address is required")
	}

	c.mu.Lock()
	if _, exists := c.pulls[req.Address]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("srt: pull already active for %q", req.Address)
	}
	c.mu.Unlock()

	c.log.Info("dialing", "address", req.Address, "stream_id", req.StreamID)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if req.StreamID != "" {
		cfg.StreamID = req.StreamID
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt: dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		// Drain the dial result in the background and close any leaked
		// connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("srt: dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) (*Feed, error) {
	pullCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	f := &Feed{
		conn:      conn,
		pr:        pr,
		pw:        pw,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	c.mu.Lock()
	if _, exists := c.pulls[req.Address]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return nil, fmt.Errorf("srt: pull already active for %q", req.Address)
	}
	c.pulls[req.Address] = f
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address)

	go func() {
		defer func() {
			conn.Close()
			pw.Close()
			stats := f.Stats()
			c.mu.Lock()
			delete(c.pulls, req.Address)
			c.mu.Unlock()
			c.log.Info("pull ended", "address", req.Address,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()

		buf := make([]byte, srtReadBufferSize)
		for {
			if pullCtx.Err() != nil {
				return
			}
			n, err := conn.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					c.log.Debug("read error", "address", req.Address, "error", err)
				}
				return
			}
			f.bytesReceived.Add(int64(n))
			f.readCount.Add(1)
			if _, err := pw.Write(buf[:n]); err != nil {
				c.log.Debug("pipe write error", "address", req.Address, "error", err)
				return
			}
		}
	}()

	return f, nil
}

// Stop cancels the active pull for an address.
func (c *Caller) Stop(address string) error {
	c.mu.Lock()
	f, ok := c.pulls[address]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("srt: no active pull for %q", address)
	}
	return f.Close()
}

// ActivePulls lists the addresses currently being pulled.
func (c *Caller) ActivePulls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.pulls))
	for addr := range c.pulls {
		out = append(out, addr)
	}
	return out
}
