package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"time"

	"github.com/cjeanneret/picamgo/internal/debug"
	"github.com/cjeanneret/picamgo/internal/hw/camera"
	"github.com/cjeanneret/picamgo/internal/imaging"
	"github.com/cjeanneret/picamgo/internal/journal"
)

// PreviewFrame is one JPEG-encoded preview image.
type PreviewFrame struct {
	JPEG     []byte
	Sequence uint64
	Width    int
	Height   int
	Captured time.Time
}

// FrameSink receives preview frames. Publish must not block.
type FrameSink interface {
	Publish(f PreviewFrame)
}

// Preview replaces a desktop preview window: frames are handed to a
// FrameSink, streamed as MJPEG when the camera supports it and otherwise
// captured at a fixed interval.
type Preview struct {
	device  *Device
	sink    FrameSink
	journal Recorder
}

// NewPreview creates a preview loop on device. sink and rec may be nil;
// without a sink frames are only logged.
func NewPreview(device *Device, sink FrameSink, rec Recorder) *Preview {
	return &Preview{device: device, sink: sink, journal: rec}
}

// PreviewParams tunes one run of the preview loop.
type PreviewParams struct {
	Size      camera.Size         // capture resolution
	Format    imaging.PixelFormat // capture pixel format
	MaxSize   camera.Size         // published frames are scaled to fit within MaxSize
	Quality   int                 // JPEG quality of published frames
	Interval  time.Duration       // delay between two captures
	MaxFrames int                 // stop after this many frames (0 = unlimited)
	Duration  time.Duration       // stop after this long (0 = until ctx is done)
	// SnapshotPath, when set, receives the last published frame once the
	// loop ends.
	SnapshotPath string
}

// PreviewStats summarises a preview run.
type PreviewStats struct {
	Frames       int           `json:"frames"`
	LastSequence uint64        `json:"last_sequence"`
	Bytes        int64         `json:"bytes"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// Run captures frames until ctx is done, Duration elapses or MaxFrames
// frames were published. Those three endings are not errors.
func (p *Preview) Run(ctx context.Context, params PreviewParams) (stats PreviewStats, err error) {
	started := time.Now()

	if params.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Duration)
		defer cancel()
	}

	debug.Section("Preview")
	cam, release, err := p.device.acquire(ctx)
	if err != nil {
		return stats, fmt.Errorf("open camera: %w", err)
	}
	defer release()

	cfg, _, err := configure(cam, params.Size, params.Format)
	if err != nil {
		return stats, fmt.Errorf("configure camera: %w", err)
	}
	if err := cam.Start(ctx); err != nil {
		return stats, fmt.Errorf("start camera: %w", err)
	}
	defer func() {
		if err := cam.Stop(); err != nil {
			debug.Error(err)
		}
	}()
	debug.Info("Preview running at %s every %v", cfg.Size, params.Interval)

	var last PreviewFrame
	defer func() {
		stats.Elapsed = time.Since(started)
		debug.Info("Preview stopped after %d frame(s)", stats.Frames)
		if params.SnapshotPath != "" && last.JPEG != nil {
			p.snapshot(context.WithoutCancel(ctx), params.SnapshotPath, last, cfg.Format)
		}
	}()

	publish := func(pf PreviewFrame) (stop bool) {
		if p.sink != nil {
			p.sink.Publish(pf)
		}
		last = pf
		stats.Frames++
		stats.LastSequence = pf.Sequence
		stats.Bytes += int64(len(pf.JPEG))
		debug.Live("Preview frame %d: %dx%d, %d bytes", pf.Sequence, pf.Width, pf.Height, len(pf.JPEG))
		return params.MaxFrames > 0 && stats.Frames >= params.MaxFrames
	}

	if s, ok := cam.(camera.MJPEGStreamer); ok {
		err := p.stream(ctx, s, cfg.Size, params, publish)
		if !errors.Is(err, camera.ErrStreamUnsupported) {
			return stats, err
		}
		debug.Verbose("preview: %v, polling instead", err)
	}

	ticker := time.NewTicker(max(params.Interval, time.Millisecond))
	defer ticker.Stop()
	for {
		frame, err := cam.CaptureArray(ctx)
		if err != nil {
			if done(ctx) {
				return stats, nil
			}
			return stats, fmt.Errorf("capture preview frame: %w", err)
		}
		pf, err := encodePreview(frame, params.MaxSize, params.Quality)
		if err != nil {
			return stats, err
		}
		if publish(pf) {
			return stats, nil
		}
		select {
		case <-ctx.Done():
			return stats, nil
		case <-ticker.C:
		}
	}
}

var errEnoughFrames = errors.New("frame limit reached")

// stream publishes frames encoded by the camera itself at the preview size,
// so no per-frame capture process or local JPEG encoding is needed.
func (p *Preview) stream(ctx context.Context, s camera.MJPEGStreamer, size camera.Size, params PreviewParams, publish func(PreviewFrame) bool) error {
	if params.MaxSize.Width > 0 && params.MaxSize.Height > 0 {
		size.Width, size.Height = imaging.FitWithin(size.Width, size.Height, params.MaxSize.Width, params.MaxSize.Height)
	}
	opts := camera.StreamOptions{Size: size, Quality: params.Quality}
	if params.Interval > 0 {
		opts.FPS = float64(time.Second) / float64(params.Interval)
	}
	err := s.StreamMJPEG(ctx, opts, func(f camera.JPEGFrame) error {
		stop := publish(PreviewFrame{
			JPEG:     f.Data,
			Sequence: f.Sequence,
			Width:    size.Width,
			Height:   size.Height,
			Captured: f.Timestamp,
		})
		if stop {
			return errEnoughFrames
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errEnoughFrames), done(ctx):
		return nil
	case errors.Is(err, camera.ErrStreamUnsupported):
		return err
	default:
		return fmt.Errorf("preview stream: %w", err)
	}
}

// done reports whether ctx ended by cancellation or deadline.
func done(ctx context.Context) bool {
	err := ctx.Err()
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// encodePreview converts frame, scales it to fit maxSize and encodes it as
// JPEG.
func encodePreview(frame *imaging.Frame, maxSize camera.Size, quality int) (PreviewFrame, error) {
	img, err := frame.Image()
	if err != nil {
		return PreviewFrame{}, fmt.Errorf("convert preview frame: %w", err)
	}
	w, h := frame.Width, frame.Height
	if maxSize.Width > 0 && maxSize.Height > 0 {
		w, h = imaging.FitWithin(w, h, maxSize.Width, maxSize.Height)
		img = imaging.Scale(img, w, h)
	}
	if quality < 1 || quality > 100 {
		quality = imaging.DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return PreviewFrame{}, fmt.Errorf("encode preview frame: %w", err)
	}
	return PreviewFrame{
		JPEG:     buf.Bytes(),
		Sequence: frame.Sequence,
		Width:    w,
		Height:   h,
		Captured: frame.Timestamp,
	}, nil
}

func (p *Preview) snapshot(ctx context.Context, path string, f PreviewFrame, format imaging.PixelFormat) {
	if err := ensureDir(path); err != nil {
		debug.Error(err)
		return
	}
	if err := os.WriteFile(path, f.JPEG, 0o644); err != nil {
		debug.Error(fmt.Errorf("write preview snapshot: %w", err))
		return
	}
	debug.Saved("preview", path, int64(len(f.JPEG)))
	if p.journal == nil {
		return
	}
	_, err := p.journal.Record(ctx, journal.Entry{
		Kind:   journal.KindPreview,
		Path:   path,
		Width:  f.Width,
		Height: f.Height,
		Format: string(format),
		Bytes:  int64(len(f.JPEG)),
	})
	if err != nil {
		debug.Error(err)
	}
}
