package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/picamgo/internal/imaging"
)

var (
	// ErrNoCamera is returned when no camera matches the requested index.
	ErrNoCamera = errors.New("no camera available")
	// ErrNotConfigured is returned by Start before a configuration was applied.
	ErrNotConfigured = errors.New("camera not configured")
	// ErrNotStarted is returned by captures issued before Start.
	ErrNotStarted = errors.New("camera not started")
	// ErrRunning is returned by Configure while the camera is streaming.
	ErrRunning = errors.New("camera is running")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("camera closed")
	// ErrInvalidConfiguration is returned when Validate rejects a configuration.
	ErrInvalidConfiguration = errors.New("invalid camera configuration")
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown camera backend")
)

// Camera is the handle on one camera sensor. It is acquired by Open and
// must be released with Close. The expected call order is
// Configure -> Start -> Capture* -> Stop -> Close; out of order calls
// return one of the sentinel errors above.
type Camera interface {
	// Info describes the sensor behind the handle.
	Info() Info

	// GenerateConfiguration returns the default configuration for a role.
	GenerateConfiguration(role Role) Configuration

	// Configure validates cfg and applies it. It returns the configuration
	// actually applied and whether it had to be adjusted.
	Configure(cfg Configuration) (Configuration, Status, error)

	// Start begins streaming with the applied configuration.
	Start(ctx context.Context) error

	// CaptureFile captures one frame and writes it to path, encoded
	// according to the file extension.
	CaptureFile(ctx context.Context, path string) error

	// CaptureArray captures one frame into memory, in the configured
	// pixel format.
	CaptureArray(ctx context.Context) (*imaging.Frame, error)

	// Stop ends streaming. The camera may be reconfigured and restarted.
	Stop() error

	// Close releases the camera. It is safe to call more than once.
	Close() error
}

// Info describes a camera as reported by the camera stack.
type Info struct {
	Index      int    `json:"index"`
	Model      string `json:"model"`
	ID         string `json:"id"`
	MaxSize    Size   `json:"max_size"`
	BitDepth   int    `json:"bit_depth,omitempty"`
	BayerOrder string `json:"bayer_order,omitempty"`
	Modes      []Mode `json:"modes,omitempty"`
}

// Mode is one native sensor mode.
type Mode struct {
	Format string  `json:"format"`
	Size   Size    `json:"size"`
	FPS    float64 `json:"fps"`
}

func (i Info) String() string {
	return fmt.Sprintf("%d : %s [%s] (%s)", i.Index, i.Model, i.MaxSize, i.ID)
}

// Backend names accepted by Open.
const (
	BackendRPiCam = "rpicam"
	BackendMock   = "mock"
)

// Options selects and tunes a backend.
type Options struct {
	Backend   string        // "rpicam" or "mock"
	Index     int           // camera index as listed by List
	Tool      string        // rpicam: override the still capture binary
	VideoTool string        // rpicam: override the MJPEG streaming binary
	Timeout   time.Duration // upper bound for a single capture
	Settle    time.Duration // rpicam: exposure settle time per capture
	Quality   int           // JPEG quality for encoded captures
	Runner    Runner        // rpicam: command runner, defaults to ExecRunner
}

// Open acquires the camera selected by opts.
func Open(ctx context.Context, opts Options) (Camera, error) {
	switch opts.Backend {
	case BackendRPiCam, "":
		c, err := OpenRPiCam(ctx, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	case BackendMock:
		return NewMock(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
