package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/picamgo/internal/hw/camera"
	"github.com/cjeanneret/picamgo/internal/hw/gpio"
	"github.com/cjeanneret/picamgo/internal/hw/indicator"
	"github.com/cjeanneret/picamgo/internal/imaging"
	"github.com/cjeanneret/picamgo/internal/journal"
)

// memJournal records entries in memory.
type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
	err     error
}

func (m *memJournal) Record(ctx context.Context, e journal.Entry) (journal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return e, m.err
	}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memJournal) kinds() []journal.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []journal.Kind
	for _, e := range m.entries {
		out = append(out, e.Kind)
	}
	return out
}

// trackedCamera counts Close calls and can fail CaptureArray.
type trackedCamera struct {
	*camera.Mock
	closes     atomic.Int32
	captureErr error
}

func (c *trackedCamera) CaptureArray(ctx context.Context) (*imaging.Frame, error) {
	if c.captureErr != nil {
		return nil, c.captureErr
	}
	return c.Mock.CaptureArray(ctx)
}

func (c *trackedCamera) Close() error {
	c.closes.Add(1)
	return c.Mock.Close()
}

func newTracked() *trackedCamera {
	return &trackedCamera{Mock: camera.NewMock(camera.Options{})}
}

func deviceFor(cam camera.Camera) *Device {
	return NewDevice(func(ctx context.Context) (camera.Camera, error) { return cam, nil })
}

func testPlan(dir string, format imaging.PixelFormat) Plan {
	return Plan{
		Size:      camera.Size{Width: 320, Height: 240},
		Format:    format,
		FilePath:  filepath.Join(dir, "test.jpg"),
		ArrayPath: filepath.Join(dir, "out", "picam.jpg"),
		Quality:   85,
	}
}

// ---------- Session ----------

func TestSessionRun_WritesBothFiles(t *testing.T) {
	dir := t.TempDir()
	cam := newTracked()
	drv := gpio.NewMockDriver()
	led := indicator.NewLED(drv, 17)
	rec := &memJournal{}

	res, err := NewSession(deviceFor(cam), led, rec).Run(context.Background(), testPlan(dir, imaging.BGR888))
	require.NoError(t, err)

	for _, path := range []string{res.FilePath, res.ArrayPath} {
		fi, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, fi.Size(), int64(0), "%s is empty", path)
	}
	img, format, err := imaging.Load(res.ArrayPath)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, image.Rect(0, 0, 320, 240), img.Bounds())

	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "mock", res.Camera.Model)
	assert.Equal(t, "valid", res.Status)
	assert.Equal(t, imaging.BGR888, res.Format)
	assert.Equal(t, 320*240*3, res.BytesUsed)
	assert.Greater(t, res.Luma.Mean, 0.0)

	assert.Equal(t, []journal.Kind{journal.KindFile, journal.KindArray}, rec.kinds())
	assert.Equal(t, res.SessionID, rec.entries[1].SessionID)
	assert.Equal(t, res.ArrayBytes, rec.entries[1].Bytes)

	assert.EqualValues(t, 1, cam.closes.Load(), "camera must be closed exactly once")
	assert.Equal(t, gpio.Low, drv.PinLevel(17), "LED must be off after the session")
	assert.GreaterOrEqual(t, drv.Writes(), 3, "LED should have been switched on")
}

func TestSessionRun_EveryFormat(t *testing.T) {
	for _, format := range imaging.Formats {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			res, err := NewSession(deviceFor(newTracked()), nil, nil).Run(context.Background(), testPlan(dir, format))
			require.NoError(t, err)
			img, _, err := imaging.Load(res.ArrayPath)
			require.NoError(t, err)
			assert.Equal(t, 320, img.Bounds().Dx())
			assert.Equal(t, 240, img.Bounds().Dy())
		})
	}
}

func TestSessionRun_ClosesCameraOnCaptureError(t *testing.T) {
	cam := newTracked()
	boom := errors.New("dequeue failed")
	cam.captureErr = boom
	dev := deviceFor(cam)

	_, err := NewSession(dev, nil, nil).Run(context.Background(), testPlan(t.TempDir(), imaging.BGR888))
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, cam.closes.Load())
	assert.False(t, dev.Busy())
}

func TestSessionRun_InvalidFormat(t *testing.T) {
	cam := newTracked()
	_, err := NewSession(deviceFor(cam), nil, nil).Run(context.Background(), testPlan(t.TempDir(), "NV21"))
	assert.ErrorIs(t, err, camera.ErrInvalidConfiguration)
	assert.EqualValues(t, 1, cam.closes.Load())
}

func TestSessionRun_CancelledDuringWarmup(t *testing.T) {
	cam := newTracked()
	dev := deviceFor(cam)
	plan := testPlan(t.TempDir(), imaging.BGR888)
	plan.Warmup = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewSession(dev, nil, nil).Run(ctx, plan)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, cam.closes.Load())
	assert.False(t, dev.Busy())
	assert.NoFileExists(t, plan.FilePath)
}

func TestSessionRun_Busy(t *testing.T) {
	dev := deviceFor(newTracked())
	dev.busy.Store(true)
	_, err := NewSession(dev, nil, nil).Run(context.Background(), testPlan(t.TempDir(), imaging.BGR888))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSessionRun_OpenError(t *testing.T) {
	dev := NewDevice(func(ctx context.Context) (camera.Camera, error) { return nil, camera.ErrNoCamera })
	_, err := NewSession(dev, nil, nil).Run(context.Background(), testPlan(t.TempDir(), imaging.BGR888))
	assert.ErrorIs(t, err, camera.ErrNoCamera)
	assert.False(t, dev.Busy(), "a failed open must release the device")
}

func TestSessionRun_JournalFailureIsNotFatal(t *testing.T) {
	rec := &memJournal{err: errors.New("disk full")}
	_, err := NewSession(deviceFor(newTracked()), nil, rec).Run(context.Background(), testPlan(t.TempDir(), imaging.BGR888))
	assert.NoError(t, err)
}

func TestSessionRun_MissingPaths(t *testing.T) {
	_, err := NewSession(deviceFor(newTracked()), nil, nil).Run(context.Background(), Plan{})
	assert.Error(t, err)
}

// ---------- Preview ----------

// collectSink stores published frames and optionally calls onFrame.
type collectSink struct {
	mu      sync.Mutex
	frames  []PreviewFrame
	onFrame func(n int)
}

func (s *collectSink) Publish(f PreviewFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	n := len(s.frames)
	s.mu.Unlock()
	if s.onFrame != nil {
		s.onFrame(n)
	}
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func decodeJPEGConfig(data []byte) (image.Config, error) {
	return jpeg.DecodeConfig(bytes.NewReader(data))
}

func previewParams() PreviewParams {
	return PreviewParams{
		Size:     camera.Size{Width: 320, Height: 240},
		Format:   imaging.XBGR8888,
		MaxSize:  camera.Size{Width: 160, Height: 160},
		Interval: time.Millisecond,
	}
}

func TestPreviewRun_MaxFrames(t *testing.T) {
	cam := newTracked()
	sink := &collectSink{}
	params := previewParams()
	params.MaxFrames = 3

	stats, err := NewPreview(deviceFor(cam), sink, nil).Run(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Frames)
	require.Equal(t, 3, sink.count())

	for i, f := range sink.frames {
		assert.Equal(t, 160, f.Width)
		assert.Equal(t, 120, f.Height)
		if i > 0 {
			assert.Greater(t, f.Sequence, sink.frames[i-1].Sequence)
		}
		cfg, err := decodeJPEGConfig(f.JPEG)
		require.NoError(t, err)
		assert.Equal(t, 160, cfg.Width)
	}
	assert.Equal(t, sink.frames[2].Sequence, stats.LastSequence)
	assert.EqualValues(t, 1, cam.closes.Load())
}

func TestPreviewRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &collectSink{onFrame: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	cam := newTracked()
	dev := deviceFor(cam)

	stats, err := NewPreview(dev, sink, nil).Run(ctx, previewParams())
	require.NoError(t, err, "cancellation ends the loop cleanly")
	assert.Equal(t, 2, stats.Frames)
	assert.EqualValues(t, 1, cam.closes.Load())
	assert.False(t, dev.Busy())
}

func TestPreviewRun_Duration(t *testing.T) {
	params := previewParams()
	params.Duration = 30 * time.Millisecond
	params.Interval = 5 * time.Millisecond

	start := time.Now()
	stats, err := NewPreview(deviceFor(newTracked()), nil, nil).Run(context.Background(), params)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Frames, 1)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPreviewRun_CaptureErrorIsReturned(t *testing.T) {
	cam := newTracked()
	cam.captureErr = errors.New("timeout waiting for frame")
	_, err := NewPreview(deviceFor(cam), nil, nil).Run(context.Background(), previewParams())
	assert.ErrorIs(t, err, cam.captureErr)
	assert.EqualValues(t, 1, cam.closes.Load())
}

func TestPreviewRun_Snapshot(t *testing.T) {
	rec := &memJournal{}
	params := previewParams()
	params.MaxFrames = 2
	params.SnapshotPath = filepath.Join(t.TempDir(), "preview.jpg")

	_, err := NewPreview(deviceFor(newTracked()), nil, rec).Run(context.Background(), params)
	require.NoError(t, err)
	assert.FileExists(t, params.SnapshotPath)
	assert.Equal(t, []journal.Kind{journal.KindPreview}, rec.kinds())
}

func TestPreviewAndSessionShareDevice(t *testing.T) {
	cam := newTracked()
	dev := deviceFor(cam)
	started := make(chan struct{})
	sink := &collectSink{onFrame: func(n int) {
		if n == 1 {
			close(started)
		}
	}}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := NewPreview(dev, sink, nil).Run(ctx, previewParams())
		errc <- err
	}()

	<-started
	_, err := NewSession(dev, nil, nil).Run(context.Background(), testPlan(t.TempDir(), imaging.BGR888))
	assert.ErrorIs(t, err, ErrBusy)

	cancel()
	require.NoError(t, <-errc)
}

// streamingCamera serves jpegs through StreamMJPEG, or err when set.
type streamingCamera struct {
	*trackedCamera
	jpegs [][]byte
	err   error
	opts  camera.StreamOptions
}

func (c *streamingCamera) StreamMJPEG(ctx context.Context, opts camera.StreamOptions, fn func(camera.JPEGFrame) error) error {
	c.opts = opts
	if c.err != nil {
		return c.err
	}
	for i, data := range c.jpegs {
		if err := fn(camera.JPEGFrame{Data: data, Sequence: uint64(i + 1), Timestamp: time.Now()}); err != nil {
			return err
		}
	}
	return camera.ErrStreamEnded
}

func TestPreviewRun_StreamsWhenSupported(t *testing.T) {
	cam := &streamingCamera{
		trackedCamera: newTracked(),
		jpegs:         [][]byte{[]byte("one"), []byte("two"), []byte("three")},
	}
	cam.captureErr = errors.New("polling must not be used")
	sink := &collectSink{}
	params := previewParams()
	params.Interval = 100 * time.Millisecond
	params.MaxFrames = 2

	stats, err := NewPreview(deviceFor(cam), sink, nil).Run(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Frames)
	require.Equal(t, 2, sink.count())
	assert.Equal(t, []byte("two"), sink.frames[1].JPEG, "camera encoded bytes are published as is")
	assert.Equal(t, 160, sink.frames[0].Width)
	assert.Equal(t, 120, sink.frames[0].Height)
	assert.Equal(t, camera.Size{Width: 160, Height: 120}, cam.opts.Size)
	assert.InDelta(t, 10, cam.opts.FPS, 0.001)
	assert.EqualValues(t, 1, cam.closes.Load())
}

func TestPreviewRun_StreamEndIsAnError(t *testing.T) {
	cam := &streamingCamera{trackedCamera: newTracked(), jpegs: [][]byte{[]byte("one")}}
	stats, err := NewPreview(deviceFor(cam), nil, nil).Run(context.Background(), previewParams())
	assert.ErrorIs(t, err, camera.ErrStreamEnded)
	assert.Equal(t, 1, stats.Frames)
}

func TestPreviewRun_FallsBackToPolling(t *testing.T) {
	cam := &streamingCamera{trackedCamera: newTracked(), err: camera.ErrStreamUnsupported}
	sink := &collectSink{}
	params := previewParams()
	params.MaxFrames = 2

	stats, err := NewPreview(deviceFor(cam), sink, nil).Run(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Frames)
	cfg, err := decodeJPEGConfig(sink.frames[0].JPEG)
	require.NoError(t, err, "polled frames are encoded locally")
	assert.Equal(t, 160, cfg.Width)
}
