package camera

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/picamgo/internal/imaging"
)

// Size is a resolution in pixels.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// Role tells the camera what the stream is for.
type Role string

const (
	RoleViewfinder     Role = "viewfinder"
	RoleStillCapture   Role = "still"
	RoleVideoRecording Role = "video"
)

// Status is the outcome of Configuration.Validate.
type Status int

const (
	Valid Status = iota
	Adjusted
	Invalid
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Adjusted:
		return "adjusted"
	default:
		return "invalid"
	}
}

// DefaultBufferCount is used when a configuration leaves BufferCount unset.
const DefaultBufferCount = 4

// Configuration is the stream configuration applied before capture.
type Configuration struct {
	Role        Role                `json:"role"`
	Size        Size                `json:"size"`
	Format      imaging.PixelFormat `json:"format"`
	BufferCount int                 `json:"buffer_count"`
}

func (c Configuration) String() string {
	return fmt.Sprintf("%s-%s (%s, %d buffers)", c.Size, c.Format, c.Role, c.BufferCount)
}

// DefaultConfiguration returns the configuration generated for role on a
// sensor whose largest mode is maxSize.
func DefaultConfiguration(role Role, maxSize Size) Configuration {
	switch role {
	case RoleStillCapture:
		size := maxSize
		if size.Width <= 0 || size.Height <= 0 {
			size = Size{1920, 1080}
		}
		return Configuration{Role: role, Size: size, Format: imaging.BGR888, BufferCount: 1}
	case RoleVideoRecording:
		return Configuration{Role: role, Size: Size{1280, 720}, Format: imaging.YUV420, BufferCount: 6}
	default:
		return Configuration{Role: RoleViewfinder, Size: Size{640, 480}, Format: imaging.XBGR8888, BufferCount: DefaultBufferCount}
	}
}

// Validate adjusts the configuration to something the sensor can deliver.
// Sizes are clamped to maxSize (when known) and aligned to even values for
// YUV420; a missing buffer count gets the default. Unknown formats and
// non-positive sizes are Invalid and leave c unchanged.
func (c *Configuration) Validate(maxSize Size) Status {
	if !c.Format.Valid() || c.Size.Width <= 0 || c.Size.Height <= 0 {
		return Invalid
	}
	status := Valid
	adjust := func(v *int, nv int) {
		if *v != nv {
			*v = nv
			status = Adjusted
		}
	}

	if c.Role == "" {
		c.Role = RoleViewfinder
	}
	if maxSize.Width > 0 && c.Size.Width > maxSize.Width {
		adjust(&c.Size.Width, maxSize.Width)
	}
	if maxSize.Height > 0 && c.Size.Height > maxSize.Height {
		adjust(&c.Size.Height, maxSize.Height)
	}
	if c.Format.Planar() {
		adjust(&c.Size.Width, max(c.Size.Width&^1, 2))
		adjust(&c.Size.Height, max(c.Size.Height&^1, 2))
	}
	if c.BufferCount <= 0 {
		adjust(&c.BufferCount, DefaultBufferCount)
	}
	return status
}

type state int

const (
	stateOpened state = iota
	stateConfigured
	stateStarted
	stateStopped
	stateClosed
)

// lifecycle enforces the call order shared by every backend.
type lifecycle struct {
	mu     sync.Mutex
	state  state
	config Configuration
}

func (l *lifecycle) configure(cfg Configuration, maxSize Size) (Configuration, Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateClosed:
		return cfg, Invalid, ErrClosed
	case stateStarted:
		return cfg, Invalid, ErrRunning
	}
	status := cfg.Validate(maxSize)
	if status == Invalid {
		return cfg, status, fmt.Errorf("%w: %s", ErrInvalidConfiguration, cfg)
	}
	l.config = cfg
	l.state = stateConfigured
	return cfg, status, nil
}

func (l *lifecycle) start() (Configuration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateClosed:
		return l.config, ErrClosed
	case stateOpened:
		return l.config, ErrNotConfigured
	}
	l.state = stateStarted
	return l.config, nil
}

// running returns the applied configuration if the camera is streaming.
func (l *lifecycle) running() (Configuration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateClosed:
		return l.config, ErrClosed
	case stateStarted:
		return l.config, nil
	}
	return l.config, ErrNotStarted
}

func (l *lifecycle) stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateClosed:
		return ErrClosed
	case stateStarted:
		l.state = stateStopped
	}
	return nil
}

// close reports whether this call actually closed the handle.
func (l *lifecycle) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateClosed {
		return false
	}
	l.state = stateClosed
	return true
}
