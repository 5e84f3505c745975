// Package resolve translates third-party page URLs into direct media URLs
// plus basic metadata by invoking an external resolver subprocess (yt-dlp
// or compatible). The playback engine itself accepts only direct URLs; the
// host runs a resolver first when it has a page URL.
package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Resolution is the resolver's answer: a URL the demuxer can open directly
// and whatever metadata the resolver reported.
type Resolution struct {
	DirectURL string  `json:"url"`
	Title     string  `json:"title"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Format    string  `json:"format"`
	Duration  float64 `json:"duration"`
	IsLive    bool    `json:"is_live"`
}

// Resolver turns a page URL into a playable Resolution.
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (Resolution, error)
}

// ErrNoDirectURL indicates the subprocess produced output with no usable
// media URL.
var ErrNoDirectURL = errors.New("resolve: resolver returned no direct url")

// Command invokes an external program that prints a single JSON object on
// stdout, in the shape yt-dlp emits with --dump-json.
type Command struct {
	log *slog.Logger

	// Program is the resolver binary, e.g. "yt-dlp".
	Program string
	// Args are prepended before the page URL. Defaults to yt-dlp's
	// single-line JSON mode when empty.
	Args []string
	// Timeout bounds the subprocess run. Defaults to 30 seconds.
	Timeout time.Duration
}

// NewCommand creates a subprocess resolver. If log is nil, slog.Default()
// is used.
func NewCommand(program string, log *slog.Logger) *Command {
	if log == nil {
		log = slog.Default()
	}
	return &Command{
		log:     log.With("component", "resolver"),
		Program: program,
		Args:    []string{"--no-warnings", "--dump-json", "--format", "best"},
		Timeout: 30 * time.Second,
	}
}

// Resolve runs the subprocess and parses its JSON output.
func (c *Command) Resolve(ctx context.Context, pageURL string) (Resolution, error) {
	if pageURL == "" {
		return Resolution{}, errors.New("resolve: empty url")
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base := c.Args
	if len(base) == 0 {
		base = []string{"--no-warnings", "--dump-json", "--format", "best"}
	}
	args := append(append([]string{}, base...), pageURL)
	cmd := exec.CommandContext(ctx, c.Program, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.log.Info("resolving", "url", pageURL, "program", c.Program)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Resolution{}, fmt.Errorf("resolve: %s: %s", c.Program, firstLine(msg))
		}
		return Resolution{}, fmt.Errorf("resolve: running %s: %w", c.Program, err)
	}

	res, err := Parse(stdout.Bytes())
	if err != nil {
		return Resolution{}, err
	}
	c.log.Info("resolved", "title", res.Title, "live", res.IsLive,
		"size", fmt.Sprintf("%dx%d", res.Width, res.Height))
	return res, nil
}

// Parse decodes one resolver JSON object. Exposed separately so hosts with
// their own process management can reuse the format handling.
func Parse(out []byte) (Resolution, error) {
	out = bytes.TrimSpace(out)
	// Playlist-mode resolvers emit one object per line; the first entry
	// is the one to play.
	if i := bytes.IndexByte(out, '\n'); i > 0 {
		out = out[:i]
	}
	var res Resolution
	if err := json.Unmarshal(out, &res); err != nil {
		return Resolution{}, fmt.Errorf("resolve: parsing resolver output: %w", err)
	}
	if res.DirectURL == "" {
		return Resolution{}, ErrNoDirectURL
	}
	return res, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
