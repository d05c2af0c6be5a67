package capture

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/cjeanneret/picamgo/internal/debug"
	"github.com/cjeanneret/picamgo/internal/hw/camera"
	"github.com/cjeanneret/picamgo/internal/imaging"
)

// ErrBusy is returned when the camera is already held by another session
// or preview loop.
var ErrBusy = errors.New("camera busy")

// Opener acquires a camera handle.
type Opener func(ctx context.Context) (camera.Camera, error)

// Device hands out the camera to one user at a time. Stills and the
// preview loop share one Device so they never hold the sensor together.
type Device struct {
	open Opener
	busy atomic.Bool
}

func NewDevice(open Opener) *Device {
	return &Device{open: open}
}

// Busy reports whether a session or preview currently holds the camera.
func (d *Device) Busy() bool {
	return d.busy.Load()
}

// acquire opens the camera and returns a release func that closes it.
// Close errors are logged: the capture outcome is what callers report.
func (d *Device) acquire(ctx context.Context) (camera.Camera, func(), error) {
	if !d.busy.CompareAndSwap(false, true) {
		return nil, nil, ErrBusy
	}
	cam, err := d.open(ctx)
	if err != nil {
		d.busy.Store(false)
		return nil, nil, err
	}
	release := func() {
		if err := cam.Close(); err != nil {
			debug.Error(err)
		}
		d.busy.Store(false)
	}
	return cam, release, nil
}

// configure applies a viewfinder configuration at the requested size and
// format, logging what the camera actually accepted.
func configure(cam camera.Camera, size camera.Size, format imaging.PixelFormat) (camera.Configuration, camera.Status, error) {
	cfg := cam.GenerateConfiguration(camera.RoleViewfinder)
	debug.Verbose("Default configuration: %s", cfg)
	if size.Width > 0 && size.Height > 0 {
		cfg.Size = size
	}
	if format != "" {
		cfg.Format = format
	}
	applied, status, err := cam.Configure(cfg)
	if err != nil {
		return applied, status, err
	}
	if status == camera.Adjusted {
		debug.Info("Configuration adjusted: %s", applied)
	} else {
		debug.Verbose("Configuration %s: %s", status, applied)
	}
	return applied, status, nil
}
