package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cjeanneret/picamgo/internal/debug"
)

// VideoTools are the rpicam-apps video binaries, newest name first.
var VideoTools = []string{"rpicam-vid", "libcamera-vid"}

var (
	// ErrStreamUnsupported is returned by StreamMJPEG when the backend
	// cannot keep a capture process running.
	ErrStreamUnsupported = errors.New("mjpeg streaming not supported")
	// ErrStreamEnded is returned when the stream process exits on its own.
	ErrStreamEnded = errors.New("mjpeg stream ended")
)

// maxJPEGBytes bounds a single frame read from a stream.
const maxJPEGBytes = 16 << 20

// StreamOptions tunes an MJPEG stream.
type StreamOptions struct {
	Size    Size    // encoded frame size
	FPS     float64 // requested frame rate
	Quality int     // JPEG quality, 0 keeps the tool default
}

// JPEGFrame is one encoded frame of a stream.
type JPEGFrame struct {
	Data      []byte
	Sequence  uint64
	Timestamp time.Time
}

// MJPEGStreamer is implemented by backends that can deliver JPEG frames
// from one long-running capture rather than one capture per frame.
type MJPEGStreamer interface {
	// StreamMJPEG calls fn for every frame until ctx is done or fn returns
	// an error, which is then returned unchanged. The camera must be
	// started.
	StreamMJPEG(ctx context.Context, opts StreamOptions, fn func(JPEGFrame) error) error
}

// StreamRunner is a Runner that can also start a command and hand back
// its stdout while it runs. Closing the reader stops the command.
type StreamRunner interface {
	Runner
	Start(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
}

var _ MJPEGStreamer = (*RPiCam)(nil)

// StreamMJPEG runs the video tool with the MJPEG codec on stdout and splits
// the output into frames.
func (c *RPiCam) StreamMJPEG(ctx context.Context, opts StreamOptions, fn func(JPEGFrame) error) error {
	cfg, err := c.running()
	if err != nil {
		return err
	}
	sr, ok := c.runner.(StreamRunner)
	if !ok {
		return ErrStreamUnsupported
	}
	tool, err := resolveFrom(sr, VideoTools, c.videoTool)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamUnsupported, err)
	}

	size := opts.Size
	if size.Width <= 0 || size.Height <= 0 {
		size = cfg.Size
	}
	args := []string{
		"--nopreview",
		"--camera", strconv.Itoa(c.info.Index),
		"--timeout", "0",
		"--width", strconv.Itoa(size.Width),
		"--height", strconv.Itoa(size.Height),
		"--codec", "mjpeg",
	}
	if opts.FPS > 0 {
		args = append(args, "--framerate", strconv.FormatFloat(opts.FPS, 'f', -1, 64))
	}
	if opts.Quality > 0 {
		args = append(args, "--quality", strconv.Itoa(opts.Quality))
	}
	args = append(args, "--output", "-")

	rc, err := sr.Start(ctx, tool, args...)
	if err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	defer rc.Close()
	debug.Verbose("rpicam: streaming %s mjpeg from %s", size, tool)

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 256<<10), maxJPEGBytes)
	sc.Split(splitJPEG)
	for sc.Scan() {
		f := JPEGFrame{
			Data:      bytes.Clone(sc.Bytes()),
			Sequence:  c.seq.Add(1),
			Timestamp: time.Now(),
		}
		debug.Frame(f.Sequence, len(f.Data))
		if err := fn(f); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return ErrStreamEnded
}

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// splitJPEG is a bufio.SplitFunc returning whole JPEG images from
// concatenated MJPEG output. Bytes before a start marker are dropped.
// Entropy-coded data escapes 0xff, so the first end marker closes the image.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xff, it may begin the next marker
		if n := len(data); n > 0 && data[n-1] == 0xff {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}

// resolveFrom returns the first of candidates (or override) found by r.
func resolveFrom(r Runner, candidates []string, override string) (string, error) {
	if override != "" {
		candidates = []string{override}
	}
	for _, name := range candidates {
		if path, err := r.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("none of %v found in PATH", candidates)
}
