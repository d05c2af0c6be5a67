package camera

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/picamgo/internal/debug"
	"github.com/cjeanneret/picamgo/internal/imaging"
)

// Mock is a camera without hardware. Every frame is the two-colour test
// pattern at the configured size and pixel format, so the whole capture
// path can run on a development machine.
type Mock struct {
	lifecycle
	info       Info
	quality    int
	frameDelay time.Duration
	seq        atomic.Uint64
	pattern    *imaging.Frame
}

// NewMock creates a mock camera. opts.Settle is used as the simulated
// exposure time of each capture.
func NewMock(opts Options) *Mock {
	debug.Info("Using MOCK camera (development mode)")
	return &Mock{
		info: Info{
			Index:   opts.Index,
			Model:   "mock",
			ID:      fmt.Sprintf("mock%d", opts.Index),
			MaxSize: Size{4608, 2592},
			Modes: []Mode{
				{Format: "SRGGB10_CSI2P", Size: Size{1536, 864}, FPS: 120},
				{Format: "SRGGB10_CSI2P", Size: Size{4608, 2592}, FPS: 14},
			},
		},
		quality:    opts.Quality,
		frameDelay: opts.Settle,
	}
}

func (m *Mock) Info() Info { return m.info }

func (m *Mock) GenerateConfiguration(role Role) Configuration {
	return DefaultConfiguration(role, m.info.MaxSize)
}

func (m *Mock) Configure(cfg Configuration) (Configuration, Status, error) {
	applied, status, err := m.configure(cfg, m.info.MaxSize)
	if err != nil {
		return applied, status, err
	}
	frame, err := imaging.Pack(imaging.TestPattern(applied.Size.Width, applied.Size.Height), applied.Format, 0)
	if err != nil {
		return applied, Invalid, err
	}
	m.pattern = frame
	return applied, status, nil
}

func (m *Mock) Start(ctx context.Context) error {
	cfg, err := m.start()
	if err != nil {
		return err
	}
	debug.Verbose("mock: started with %s", cfg)
	return nil
}

func (m *Mock) CaptureFile(ctx context.Context, path string) error {
	frame, err := m.CaptureArray(ctx)
	if err != nil {
		return err
	}
	img, err := frame.Image()
	if err != nil {
		return err
	}
	if _, err := imaging.Save(path, img, m.quality); err != nil {
		return fmt.Errorf("capture file: %w", err)
	}
	return nil
}

func (m *Mock) CaptureArray(ctx context.Context) (*imaging.Frame, error) {
	if _, err := m.running(); err != nil {
		return nil, err
	}
	if m.frameDelay > 0 {
		t := time.NewTimer(m.frameDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame := *m.pattern
	frame.Data = append([]byte(nil), m.pattern.Data...)
	frame.Sequence = m.seq.Add(1)
	frame.Timestamp = time.Now()
	debug.Frame(frame.Sequence, frame.BytesUsed())
	return &frame, nil
}

// Image returns the pattern currently served, mostly for tests.
func (m *Mock) Image() (image.Image, error) {
	if m.pattern == nil {
		return nil, ErrNotConfigured
	}
	return m.pattern.Image()
}

func (m *Mock) Stop() error {
	return m.stop()
}

func (m *Mock) Close() error {
	if m.close() {
		debug.Verbose("mock: closed")
	}
	return nil
}
