package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"streamgate/internal/stream"
)

// Kind classifies resolution failures. Unsupported is terminal for the
// session; everything else is retryable with backoff.
type Kind string

const (
	KindUnsupported Kind = "unsupported"
	KindUnavailable Kind = "unavailable"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindUnknown     Kind = "unknown"
)

// Error is a classified resolution failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("resolve: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("resolve: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Terminal reports whether the failure should move the session straight
// to Failed instead of being retried.
func (e *Error) Terminal() bool { return e.Kind == KindUnsupported }

// KindOf extracts the classification from err, or KindUnknown.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// Result is a successful resolution: a playable media URL plus the
// metadata the session records.
type Result struct {
	MediaURL string
	Title    string
}

// Resolver turns a platform URL into a playable media URL. The real
// implementation shells out to yt-dlp; tests swap in fakes.
type Resolver interface {
	Resolve(ctx context.Context, sourceURL string, platform stream.Platform) (Result, error)
}

// YTDLP resolves stream URLs by invoking the yt-dlp binary, the way the
// capture pipeline has always done. Calls are bounded by Timeout.
type YTDLP struct {
	Bin     string
	Timeout time.Duration
	Log     *slog.Logger
}

// NewYTDLP returns a yt-dlp backed resolver. bin defaults to "yt-dlp",
// timeout to 30s.
func NewYTDLP(bin string, timeout time.Duration, log *slog.Logger) *YTDLP {
	if bin == "" {
		bin = "yt-dlp"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &YTDLP{Bin: bin, Timeout: timeout, Log: log}
}

// Resolve implements Resolver. YouTube sources are checked for liveness
// first (a VOD page resolves fine but is not a live stream); all
// platforms then go through URL extraction. For "other" sources the
// original URL is used directly when extraction fails, since those are
// frequently already raw HLS/RTMP URLs.
func (y *YTDLP) Resolve(ctx context.Context, sourceURL string, platform stream.Platform) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, y.Timeout)
	defer cancel()

	res := Result{}

	if platform == stream.PlatformYouTube {
		live, title, err := y.probeLiveness(ctx, sourceURL)
		if err != nil {
			return Result{}, err
		}
		if !live {
			return Result{}, &Error{Kind: KindUnavailable, Msg: "stream is not live"}
		}
		res.Title = title
	}

	out, stderr, err := y.run(ctx, "-g", "--no-warnings", sourceURL)
	if err != nil {
		if platform == stream.PlatformOther {
			y.Log.Warn("url extraction failed for generic source, using original url",
				slog.String("url", sourceURL), slog.String("stderr", firstLine(stderr)))
			res.MediaURL = sourceURL
			if res.Title == "" {
				res.Title = "Livestream"
			}
			return res, nil
		}
		return Result{}, classify(ctx, stderr, err)
	}

	res.MediaURL = firstLine(out)
	if res.MediaURL == "" {
		return Result{}, &Error{Kind: KindUnknown, Msg: "yt-dlp returned no url"}
	}
	if res.Title == "" {
		// Best effort; a missing title never fails resolution.
		if _, title, err := y.probeLiveness(ctx, sourceURL); err == nil && title != "" {
			res.Title = title
		}
	}
	return res, nil
}

// probeLiveness runs a metadata-only yt-dlp invocation printing the
// is_live flag and the title, one per line.
func (y *YTDLP) probeLiveness(ctx context.Context, sourceURL string) (live bool, title string, err error) {
	out, stderr, err := y.run(ctx, "--skip-download", "--no-warnings", "--print", "is_live", "--print", "title", sourceURL)
	if err != nil {
		return false, "", classify(ctx, stderr, err)
	}
	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	live = strings.TrimSpace(lines[0]) == "True"
	if len(lines) > 1 {
		title = strings.TrimSpace(lines[1])
	}
	return live, title, nil
}

func (y *YTDLP) run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, y.Bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// classify maps a yt-dlp failure to the resolution error taxonomy.
func classify(ctx context.Context, stderr string, err error) *Error {
	msg := firstLine(stderr)
	if ctx.Err() != nil {
		return &Error{Kind: KindTimeout, Msg: msg, Err: err}
	}

	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "unsupported url"):
		return &Error{Kind: KindUnsupported, Msg: msg, Err: err}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate-limit") || strings.Contains(lower, "rate limit"):
		return &Error{Kind: KindRateLimited, Msg: msg, Err: err}
	case strings.Contains(lower, "not currently live"),
		strings.Contains(lower, "offline"),
		strings.Contains(lower, "this live event"),
		strings.Contains(lower, "video unavailable"):
		return &Error{Kind: KindUnavailable, Msg: msg, Err: err}
	default:
		return &Error{Kind: KindUnknown, Msg: msg, Err: err}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
