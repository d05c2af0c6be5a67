package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/picamgo/internal/debug"
	"github.com/cjeanneret/picamgo/internal/imaging"
)

const (
	defaultTimeout = 10 * time.Second
	defaultSettle  = 500 * time.Millisecond
)

// RPiCam drives a Raspberry Pi camera through the rpicam-apps still tool
// (libcamera-still on older images). Each capture is one invocation of the
// tool, so the sensor is only held while a capture runs.
type RPiCam struct {
	lifecycle
	runner    Runner
	tool      string
	videoTool string
	info      Info
	timeout   time.Duration
	settle    time.Duration
	quality   int
	seq       atomic.Uint64
}

// OpenRPiCam locates the still tool and the camera at opts.Index.
func OpenRPiCam(ctx context.Context, opts Options) (*RPiCam, error) {
	r := opts.Runner
	if r == nil {
		r = ExecRunner{}
	}
	tool, err := ResolveTool(r, opts.Tool)
	if err != nil {
		return nil, err
	}
	cams, err := List(ctx, r, tool)
	if err != nil {
		return nil, err
	}

	var info *Info
	for i := range cams {
		if cams[i].Index == opts.Index {
			info = &cams[i]
			break
		}
	}
	if info == nil {
		return nil, fmt.Errorf("%w: index %d (%d camera(s) detected)", ErrNoCamera, opts.Index, len(cams))
	}
	debug.Info("Camera %s", info)

	c := &RPiCam{
		runner:    r,
		tool:      tool,
		videoTool: opts.VideoTool,
		info:      *info,
		timeout:   opts.Timeout,
		settle:    opts.Settle,
		quality:   opts.Quality,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.settle <= 0 {
		c.settle = defaultSettle
	}
	return c, nil
}

func (c *RPiCam) Info() Info { return c.info }

func (c *RPiCam) GenerateConfiguration(role Role) Configuration {
	return DefaultConfiguration(role, c.info.MaxSize)
}

func (c *RPiCam) Configure(cfg Configuration) (Configuration, Status, error) {
	return c.configure(cfg, c.info.MaxSize)
}

func (c *RPiCam) Start(ctx context.Context) error {
	cfg, err := c.start()
	if err != nil {
		return err
	}
	debug.Verbose("rpicam: started %s with %s", c.info.Model, cfg)
	return nil
}

// CaptureFile lets the tool encode JPEG, PNG and BMP itself. Other
// extensions are captured to memory and encoded here.
func (c *RPiCam) CaptureFile(ctx context.Context, path string) error {
	cfg, err := c.running()
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	encoding := ""
	switch ext {
	case ".jpg", ".jpeg":
		encoding = "jpg"
	case ".png":
		encoding = "png"
	case ".bmp":
		encoding = "bmp"
	}
	if encoding == "" {
		if !imaging.SupportedExt(ext) {
			return fmt.Errorf("%w: %q", imaging.ErrUnsupportedExt, ext)
		}
		frame, err := c.CaptureArray(ctx)
		if err != nil {
			return err
		}
		img, err := frame.Image()
		if err != nil {
			return err
		}
		_, err = imaging.Save(path, img, c.quality)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(c.baseArgs(cfg), "--encoding", encoding, "--output", path)
	if encoding == "jpg" && c.quality > 0 {
		args = append(args, "--quality", strconv.Itoa(c.quality))
	}
	if _, err := c.runner.Run(ctx, c.tool, args...); err != nil {
		return fmt.Errorf("capture file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("capture file: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("capture file: %s is empty", path)
	}
	debug.Frame(c.seq.Add(1), int(info.Size()))
	return nil
}

// CaptureArray reads one raw frame from the tool's stdout. YUV420 is
// requested as-is; packed formats are captured as 24-bit RGB (R, G, B in
// memory, i.e. BGR888) and repacked when another layout was configured.
func (c *RPiCam) CaptureArray(ctx context.Context) (*imaging.Frame, error) {
	cfg, err := c.running()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	encoding, raw := "rgb", imaging.BGR888
	if cfg.Format == imaging.YUV420 {
		encoding, raw = "yuv420", imaging.YUV420
	}
	args := append(c.baseArgs(cfg), "--encoding", encoding, "--output", "-")
	out, err := c.runner.Run(ctx, c.tool, args...)
	if err != nil {
		return nil, fmt.Errorf("capture array: %w", err)
	}

	frame, err := frameFromOutput(out, raw, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("capture array: %w", err)
	}
	if raw != cfg.Format {
		img, err := frame.Image()
		if err != nil {
			return nil, err
		}
		if frame, err = imaging.Pack(img, cfg.Format, 0); err != nil {
			return nil, err
		}
	}
	frame.Sequence = c.seq.Add(1)
	frame.Timestamp = time.Now()
	debug.Frame(frame.Sequence, frame.BytesUsed())
	return frame, nil
}

func (c *RPiCam) Stop() error {
	return c.stop()
}

func (c *RPiCam) Close() error {
	if c.close() {
		debug.Verbose("rpicam: released camera %d", c.info.Index)
	}
	return nil
}

func (c *RPiCam) baseArgs(cfg Configuration) []string {
	return []string{
		"--nopreview",
		"--camera", strconv.Itoa(c.info.Index),
		"--timeout", strconv.FormatInt(c.settle.Milliseconds(), 10),
		"--width", strconv.Itoa(cfg.Size.Width),
		"--height", strconv.Itoa(cfg.Size.Height),
	}
}

// frameFromOutput wraps raw tool output, deriving the row stride from the
// buffer length since the tool pads rows to its own alignment.
func frameFromOutput(out []byte, format imaging.PixelFormat, size Size) (*imaging.Frame, error) {
	if size.Height <= 0 || len(out) == 0 {
		return nil, fmt.Errorf("%w: empty output", imaging.ErrShortBuffer)
	}
	var stride int
	if format.Planar() {
		stride = 2 * len(out) / (3 * size.Height)
		stride &^= 1
	} else {
		stride = len(out) / size.Height
	}
	f := &imaging.Frame{
		Data:   out,
		Width:  size.Width,
		Height: size.Height,
		Stride: stride,
		Format: format,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
