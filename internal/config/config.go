package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/picamgo/internal/imaging"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// CameraConfig selects the camera and the preview configuration applied
// before capture.
type CameraConfig struct {
	Backend   string `yaml:"backend"`    // "rpicam" (real hardware) or "mock"
	Index     int    `yaml:"index"`      // camera index as printed by -list
	Tool      string `yaml:"tool"`       // override rpicam-still / libcamera-still
	VideoTool string `yaml:"video_tool"` // override rpicam-vid / libcamera-vid
	Width     int    `yaml:"width"`      // preview width in pixels
	Height    int    `yaml:"height"`     // preview height in pixels
	Format    string `yaml:"format"`     // BGR888, RGB888, XBGR8888, XRGB8888, YUV420
	WarmupMs  int    `yaml:"warmup_ms"`  // wait after start before the first capture
	TimeoutMs int    `yaml:"timeout_ms"` // upper bound for one capture
	SettleMs  int    `yaml:"settle_ms"`  // rpicam: exposure settle time per capture
}

// OutputConfig describes where captures are written.
type OutputConfig struct {
	Dir         string `yaml:"dir"`
	File        string `yaml:"file"`       // file captured by the camera stack
	ArrayFile   string `yaml:"array_file"` // file written from the in-memory buffer
	JPEGQuality int    `yaml:"jpeg_quality"`
}

// PreviewConfig tunes the preview loop.
type PreviewConfig struct {
	Width      int `yaml:"width"`       // frames are scaled to fit within Width x Height
	Height     int `yaml:"height"`      //
	IntervalMs int `yaml:"interval_ms"` // delay between two preview frames
}

// JournalConfig points to the SQLite capture journal. An empty path
// disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// GPIOConfig wires the optional status LED and trigger button (BCM
// numbering, 0 = not connected).
type GPIOConfig struct {
	LEDPin    int  `yaml:"led_pin"`
	ButtonPin int  `yaml:"button_pin"`
	MockGPIO  bool `yaml:"mock_gpio"` // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Config aggregates all application configuration.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Output   OutputConfig   `yaml:"output"`
	Preview  PreviewConfig  `yaml:"preview"`
	Journal  JournalConfig  `yaml:"journal"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// DefaultDebugLevel applies when no debug_level is configured. An explicit
// 0 in the file turns output off.
const DefaultDebugLevel = 1

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Defaults.DebugLevel = DefaultDebugLevel
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	// yaml leaves absent keys untouched, so the seeded level survives a
	// file without defaults.debug_level
	cfg := Config{Defaults: DefaultsConfig{DebugLevel: DefaultDebugLevel}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Camera.Backend == "" {
		c.Camera.Backend = "rpicam"
	}
	if c.Camera.Width == 0 {
		c.Camera.Width = 1280
	}
	if c.Camera.Height == 0 {
		c.Camera.Height = 720
	}
	if c.Camera.Format == "" {
		c.Camera.Format = string(imaging.BGR888)
	}
	if c.Camera.WarmupMs == 0 {
		c.Camera.WarmupMs = 2000 // auto-exposure settles in ~2s
	}
	if c.Camera.TimeoutMs <= 0 {
		c.Camera.TimeoutMs = 10000
	}
	if c.Camera.SettleMs <= 0 {
		c.Camera.SettleMs = 500
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "."
	}
	if c.Output.File == "" {
		c.Output.File = "test.jpg"
	}
	if c.Output.ArrayFile == "" {
		c.Output.ArrayFile = "picam.jpg"
	}
	if c.Output.JPEGQuality == 0 {
		c.Output.JPEGQuality = imaging.DefaultJPEGQuality
	}

	if c.Preview.Width <= 0 {
		c.Preview.Width = 640
	}
	if c.Preview.Height <= 0 {
		c.Preview.Height = 480
	}
	if c.Preview.IntervalMs <= 0 {
		c.Preview.IntervalMs = 100
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	switch c.Camera.Backend {
	case "rpicam", "mock":
	default:
		return fmt.Errorf("camera.backend must be rpicam or mock, got %q", c.Camera.Backend)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera resolution must be > 0, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.Index < 0 {
		return fmt.Errorf("camera.index must be >= 0, got %d", c.Camera.Index)
	}
	f, err := imaging.ParsePixelFormat(c.Camera.Format)
	if err != nil {
		return fmt.Errorf("camera.format: %w", err)
	}
	c.Camera.Format = string(f)
	if c.Camera.WarmupMs < 0 {
		return fmt.Errorf("camera.warmup_ms must be >= 0, got %d", c.Camera.WarmupMs)
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		return fmt.Errorf("output.jpeg_quality must be between 1 and 100, got %d", c.Output.JPEGQuality)
	}
	for _, name := range []string{c.Output.File, c.Output.ArrayFile} {
		if !imaging.SupportedExt(filepath.Ext(name)) {
			return fmt.Errorf("output file %q: %w", name, imaging.ErrUnsupportedExt)
		}
	}
	if c.GPIO.LEDPin < 0 || c.GPIO.ButtonPin < 0 {
		return errors.New("gpio pins must be >= 0")
	}
	if c.GPIO.LEDPin != 0 && c.GPIO.LEDPin == c.GPIO.ButtonPin {
		return fmt.Errorf("gpio.led_pin and gpio.button_pin share pin %d", c.GPIO.LEDPin)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// ValidateConfigPath accepts only .yaml files located directly in a
// "configs" directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Env variables read by ApplyEnv.
const (
	EnvWidth      = "PICAM_WIDTH"
	EnvHeight     = "PICAM_HEIGHT"
	EnvFormat     = "PICAM_FORMAT"
	EnvBackend    = "PICAM_BACKEND"
	EnvOutputDir  = "PICAM_OUTPUT_DIR"
	EnvDebugLevel = "PICAM_DEBUG_LEVEL"
	EnvJournal    = "PICAM_JOURNAL"
)

// LoadEnv loads a .env file into the process environment. A missing file
// is not an error; variables already set are not overwritten.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with the PICAM_* environment variables and
// validates the result.
func ApplyEnv(cfg *Config) error {
	atoi := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	if err := atoi(EnvWidth, &cfg.Camera.Width); err != nil {
		return err
	}
	if err := atoi(EnvHeight, &cfg.Camera.Height); err != nil {
		return err
	}
	if err := atoi(EnvDebugLevel, &cfg.Defaults.DebugLevel); err != nil {
		return err
	}
	str(EnvFormat, &cfg.Camera.Format)
	str(EnvBackend, &cfg.Camera.Backend)
	str(EnvOutputDir, &cfg.Output.Dir)
	str(EnvJournal, &cfg.Journal.Path)
	return cfg.Validate()
}

// PixelFormat returns the validated camera pixel format.
func (c *Config) PixelFormat() imaging.PixelFormat {
	return imaging.PixelFormat(c.Camera.Format)
}

// Warmup returns the wait between camera start and the first capture.
func (c *Config) Warmup() time.Duration {
	return time.Duration(c.Camera.WarmupMs) * time.Millisecond
}

// CaptureTimeout returns the upper bound for a single capture.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Camera.TimeoutMs) * time.Millisecond
}

// Settle returns the per-capture exposure settle time.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.Camera.SettleMs) * time.Millisecond
}

// PreviewInterval returns the delay between two preview frames.
func (c *Config) PreviewInterval() time.Duration {
	return time.Duration(c.Preview.IntervalMs) * time.Millisecond
}

// FilePath returns the path of the file captured by the camera stack.
func (c *Config) FilePath() string {
	return filepath.Join(c.Output.Dir, c.Output.File)
}

// ArrayPath returns the path of the file written from the pixel buffer.
func (c *Config) ArrayPath() string {
	return filepath.Join(c.Output.Dir, c.Output.ArrayFile)
}
