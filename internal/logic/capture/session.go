package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/picamgo/internal/debug"
	"github.com/cjeanneret/picamgo/internal/hw/camera"
	"github.com/cjeanneret/picamgo/internal/hw/indicator"
	"github.com/cjeanneret/picamgo/internal/imaging"
	"github.com/cjeanneret/picamgo/internal/journal"
)

// Recorder stores capture records. *journal.Journal implements it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) (journal.Entry, error)
}

// Session runs the still sequence: open, configure, start, warm up,
// capture to file, capture to memory, encode, stop and close.
type Session struct {
	device  *Device
	led     *indicator.LED
	journal Recorder
}

// NewSession creates a session on device. led and rec may be nil.
func NewSession(device *Device, led *indicator.LED, rec Recorder) *Session {
	return &Session{device: device, led: led, journal: rec}
}

// Plan describes one run of the still sequence.
type Plan struct {
	Size      camera.Size
	Format    imaging.PixelFormat
	Warmup    time.Duration // wait after start so auto-exposure settles
	FilePath  string        // frame captured and encoded by the camera stack
	ArrayPath string        // frame captured to memory and encoded here
	Quality   int           // JPEG quality for ArrayPath
}

// Result reports what a session produced.
type Result struct {
	SessionID  string               `json:"session_id"`
	Camera     camera.Info          `json:"camera"`
	Config     camera.Configuration `json:"config"`
	Status     string               `json:"status"`
	FilePath   string               `json:"file_path"`
	FileBytes  int64                `json:"file_bytes"`
	ArrayPath  string               `json:"array_path"`
	ArrayBytes int64                `json:"array_bytes"`
	Width      int                  `json:"width"`
	Height     int                  `json:"height"`
	Format     imaging.PixelFormat  `json:"format"`
	Sequence   uint64               `json:"sequence"`
	BytesUsed  int                  `json:"bytes_used"`
	Luma       imaging.Stats        `json:"luma"`
	Elapsed    time.Duration        `json:"elapsed_ns"`
}

// Run executes p. The camera is closed on every path, including errors and
// cancellation.
func (s *Session) Run(ctx context.Context, p Plan) (*Result, error) {
	if p.FilePath == "" || p.ArrayPath == "" {
		return nil, fmt.Errorf("plan needs both output paths")
	}
	started := time.Now()
	res := &Result{SessionID: uuid.NewString()}

	debug.Section("Still capture")
	debug.Step(1, "Open camera")
	cam, release, err := s.device.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("open camera: %w", err)
	}
	defer release()
	res.Camera = cam.Info()

	debug.Step(2, "Configure")
	cfg, status, err := configure(cam, p.Size, p.Format)
	if err != nil {
		return nil, fmt.Errorf("configure camera: %w", err)
	}
	res.Config, res.Status = cfg, status.String()

	debug.Step(3, "Start")
	if err := cam.Start(ctx); err != nil {
		return nil, fmt.Errorf("start camera: %w", err)
	}
	defer func() {
		if err := cam.Stop(); err != nil {
			debug.Error(err)
		}
	}()
	if err := s.led.On(); err != nil {
		debug.Error(err)
	}
	defer s.led.Off()

	if p.Warmup > 0 {
		debug.Live("Warming up for %v", p.Warmup)
		if err := wait(ctx, p.Warmup); err != nil {
			return nil, err
		}
	}

	debug.Step(4, "Capture to file")
	if err := ensureDir(p.FilePath); err != nil {
		return nil, err
	}
	if err := cam.CaptureFile(ctx, p.FilePath); err != nil {
		return nil, fmt.Errorf("capture %s: %w", p.FilePath, err)
	}
	fi, err := os.Stat(p.FilePath)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", p.FilePath, err)
	}
	res.FilePath, res.FileBytes = p.FilePath, fi.Size()
	debug.Saved("file", p.FilePath, fi.Size())
	s.record(ctx, journal.Entry{
		SessionID: res.SessionID,
		Kind:      journal.KindFile,
		Path:      p.FilePath,
		Width:     cfg.Size.Width,
		Height:    cfg.Size.Height,
		Format:    string(cfg.Format),
		Bytes:     fi.Size(),
	})

	debug.Step(5, "Capture to memory")
	frame, err := cam.CaptureArray(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture array: %w", err)
	}
	res.Width, res.Height, res.Format = frame.Width, frame.Height, frame.Format
	res.Sequence, res.BytesUsed = frame.Sequence, frame.BytesUsed()

	debug.Step(6, "Convert and save")
	img, err := frame.Image()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	res.Luma = imaging.LumaStats(img)
	debug.Verbose("Luma mean=%.1f stddev=%.1f over %d samples", res.Luma.Mean, res.Luma.StdDev, res.Luma.Samples)
	if err := ensureDir(p.ArrayPath); err != nil {
		return nil, err
	}
	n, err := imaging.Save(p.ArrayPath, img, p.Quality)
	if err != nil {
		return nil, err
	}
	res.ArrayPath, res.ArrayBytes = p.ArrayPath, n
	debug.Saved("array", p.ArrayPath, n)
	s.record(ctx, journal.Entry{
		SessionID:  res.SessionID,
		Kind:       journal.KindArray,
		Path:       p.ArrayPath,
		Width:      frame.Width,
		Height:     frame.Height,
		Format:     string(frame.Format),
		Bytes:      n,
		MeanLuma:   res.Luma.Mean,
		StdDevLuma: res.Luma.StdDev,
	})

	debug.Step(7, "Stop and close")
	res.Elapsed = time.Since(started)
	debug.Summary("Capture complete")
	debug.Value("Session", res.SessionID)
	debug.Value("Elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// record writes e to the journal. A journal failure does not fail the
// capture, the files are already on disk.
func (s *Session) record(ctx context.Context, e journal.Entry) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Record(ctx, e); err != nil {
		debug.Error(err)
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
