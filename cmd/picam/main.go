package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/picamgo/internal/config"
	"github.com/cjeanneret/picamgo/internal/debug"
	"github.com/cjeanneret/picamgo/internal/hw/camera"
	"github.com/cjeanneret/picamgo/internal/hw/gpio"
	"github.com/cjeanneret/picamgo/internal/hw/indicator"
	"github.com/cjeanneret/picamgo/internal/imaging"
	"github.com/cjeanneret/picamgo/internal/journal"
	"github.com/cjeanneret/picamgo/internal/logic/capture"
	"github.com/cjeanneret/picamgo/internal/web"
)

const defaultConfigPath = "configs/default.yaml"

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.FromSlash(defaultConfigPath), "path to config file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	listCameras := flag.Bool("list", false, "list the available cameras and exit")
	preview := flag.Bool("preview", false, "run the preview loop instead of a single capture")
	duration := flag.Duration("duration", 0, "stop the preview after this long (0 = until interrupted)")
	frames := flag.Int("frames", 0, "stop the preview after this many frames (0 = unlimited)")
	trigger := flag.Bool("trigger", false, "wait for the GPIO button before capturing")
	width := flag.Int("width", 0, "override capture width in pixels")
	height := flag.Int("height", 0, "override capture height in pixels")
	format := flag.String("format", "", "override pixel format (BGR888, RGB888, XBGR8888, XRGB8888, YUV420)")
	outDir := flag.String("out", "", "override output directory")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration: YAML, then .env / environment, then flags
	cfg, err := loadConfig(*cfgPath, flagSet("config"))
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := config.LoadEnv(*envPath); err != nil {
		log.Fatalf("load env failed: %v", err)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		log.Fatalf("invalid environment: %v", err)
	}

	overrides := web.Overrides{Width: *width, Height: *height, Format: *format}
	if err := validateCLIOverrides(overrides, *duration, *frames); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.PrintStruct("Camera config", cfg.Camera)

	if *listCameras {
		infos, err := listAvailable(ctx, cfg)
		if err != nil {
			log.Fatalf("list cameras failed: %v", err)
		}
		printCameras(os.Stdout, infos)
		return
	}

	// Initialize GPIO driver; without any wired pin there is nothing to drive
	mockGPIO := cfg.GPIO.MockGPIO || (cfg.GPIO.LEDPin == 0 && cfg.GPIO.ButtonPin == 0)
	debug.Value("Mock GPIO", mockGPIO)
	gpioDriver, err := gpio.NewDriver(mockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()
	led := indicator.NewLED(gpioDriver, cfg.GPIO.LEDPin)
	debug.Value("LED pin", cfg.GPIO.LEDPin)
	debug.Value("Button pin", cfg.GPIO.ButtonPin)

	// Optional capture journal
	var (
		rec    capture.Recorder
		lister web.CaptureLister
	)
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			log.Fatalf("open journal failed: %v", err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Printf("closing journal failed: %v", err)
			}
		}()
		debug.Value("Journal", j.Path())
		rec, lister = j, j
	}

	opts := cameraOptions(cfg)
	device := capture.NewDevice(func(ctx context.Context) (camera.Camera, error) {
		return camera.Open(ctx, opts)
	})
	session := capture.NewSession(device, led, rec)

	// Build runCapture closure over the device and base config
	runCapture := func(ctx context.Context, o web.Overrides) (*capture.Result, error) {
		return session.Run(ctx, planFor(applyOverridesToCopy(cfg, o)))
	}

	port := webPort.port()
	if *trigger && (port > 0 || *preview) {
		log.Fatalf("-trigger only applies to a single capture")
	}

	var handlers *web.Handlers
	if port > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		handlers = web.NewHandlers(broadcaster, runCapture, settingsFor(cfg), nil)
		handlers.Journal = lister
	}

	switch {
	case *preview:
		var sink capture.FrameSink
		if handlers != nil {
			store := web.NewFrameStore()
			handlers.Frames = store
			sink = store
		}
		p := capture.NewPreview(device, sink, rec)
		params := previewParamsFor(cfg, *duration, *frames)

		if handlers == nil {
			stats, err := p.Run(ctx, params)
			if err != nil {
				log.Fatalf("preview failed: %v", err)
			}
			printPreviewStats(os.Stdout, stats)
			return
		}

		// The server outlives the loop so the last frame stays available.
		go func() {
			stats, err := p.Run(ctx, params)
			if err != nil {
				handlers.Broadcaster.Broadcast(web.LevelError, "Preview failed: "+err.Error())
				log.Printf("preview failed: %v", err)
				return
			}
			handlers.Broadcaster.Broadcast(web.LevelInfo,
				fmt.Sprintf("Preview ended after %d frames", stats.Frames))
		}()
		serve(ctx, port, handlers)

	case handlers != nil:
		serve(ctx, port, handlers)

	default:
		if *trigger {
			if cfg.GPIO.ButtonPin == 0 {
				log.Fatalf("-trigger needs gpio.button_pin in the config")
			}
			led.Blink(ctx, 2, 200*time.Millisecond)
			button := indicator.NewButton(gpioDriver, cfg.GPIO.ButtonPin)
			if err := button.WaitPress(ctx, 0); err != nil {
				log.Fatalf("waiting for trigger: %v", err)
			}
		}
		res, err := runCapture(ctx, web.Overrides{})
		if err != nil {
			log.Fatalf("capture failed: %v", err)
		}
		printSummary(os.Stdout, res)
	}
}

func serve(ctx context.Context, port int, h *web.Handlers) {
	srv := web.NewServer(fmt.Sprintf(":%d", port), h)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("web server: %v", err)
	}
}

// flagSet reports whether the named flag was given on the command line.
func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// loadConfig reads the YAML file at path. When the file was not asked for
// explicitly and does not exist, built-in defaults are used.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if err := config.ValidateConfigPath(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		log.Printf("config %s not found, using defaults", path)
		return config.Default(), nil
	}
	return cfg, err
}

// validateCLIOverrides checks the capture and preview flags. Zero values
// mean "use config default".
func validateCLIOverrides(o web.Overrides, duration time.Duration, frames int) error {
	if err := web.ValidateOverrides(o); err != nil {
		return err
	}
	if duration < 0 {
		return fmt.Errorf("duration must not be negative, got %s", duration)
	}
	if frames < 0 {
		return fmt.Errorf("frames must not be negative, got %d", frames)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o web.Overrides) {
	if o.Width > 0 && o.Height > 0 {
		cfg.Camera.Width = o.Width
		cfg.Camera.Height = o.Height
	}
	if o.Format != "" {
		if f, err := imaging.ParsePixelFormat(o.Format); err == nil {
			cfg.Camera.Format = f.String()
		}
	}
}

// applyOverridesToCopy returns a new config with overrides applied.
func applyOverridesToCopy(base *config.Config, o web.Overrides) *config.Config {
	cfg := *base
	applyOverrides(&cfg, o)
	return &cfg
}

func cameraOptions(cfg *config.Config) camera.Options {
	return camera.Options{
		Backend:   cfg.Camera.Backend,
		Index:     cfg.Camera.Index,
		Tool:      cfg.Camera.Tool,
		VideoTool: cfg.Camera.VideoTool,
		Timeout:   cfg.CaptureTimeout(),
		Settle:    cfg.Settle(),
		Quality:   cfg.Output.JPEGQuality,
	}
}

func planFor(cfg *config.Config) capture.Plan {
	return capture.Plan{
		Size:      camera.Size{Width: cfg.Camera.Width, Height: cfg.Camera.Height},
		Format:    cfg.PixelFormat(),
		Warmup:    cfg.Warmup(),
		FilePath:  cfg.FilePath(),
		ArrayPath: cfg.ArrayPath(),
		Quality:   cfg.Output.JPEGQuality,
	}
}

func previewParamsFor(cfg *config.Config, duration time.Duration, frames int) capture.PreviewParams {
	return capture.PreviewParams{
		Size:         camera.Size{Width: cfg.Camera.Width, Height: cfg.Camera.Height},
		Format:       cfg.PixelFormat(),
		MaxSize:      camera.Size{Width: cfg.Preview.Width, Height: cfg.Preview.Height},
		Quality:      cfg.Output.JPEGQuality,
		Interval:     cfg.PreviewInterval(),
		MaxFrames:    frames,
		Duration:     duration,
		SnapshotPath: filepath.Join(cfg.Output.Dir, "preview.jpg"),
	}
}

func settingsFor(cfg *config.Config) web.Settings {
	return web.Settings{
		Backend:       cfg.Camera.Backend,
		Width:         cfg.Camera.Width,
		Height:        cfg.Camera.Height,
		Format:        cfg.Camera.Format,
		WarmupMs:      cfg.Camera.WarmupMs,
		File:          cfg.Output.File,
		ArrayFile:     cfg.Output.ArrayFile,
		JPEGQuality:   cfg.Output.JPEGQuality,
		PreviewWidth:  cfg.Preview.Width,
		PreviewHeight: cfg.Preview.Height,
	}
}

// listAvailable enumerates cameras. The mock backend reports its own
// synthetic sensor.
func listAvailable(ctx context.Context, cfg *config.Config) ([]camera.Info, error) {
	if cfg.Camera.Backend == camera.BackendMock {
		return []camera.Info{camera.NewMock(cameraOptions(cfg)).Info()}, nil
	}
	runner := camera.ExecRunner{}
	tool, err := camera.ResolveTool(runner, cfg.Camera.Tool)
	if err != nil {
		return nil, err
	}
	return camera.List(ctx, runner, tool)
}

func printCameras(w io.Writer, infos []camera.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No cameras available")
		return
	}
	fmt.Fprintln(w, "Available cameras")
	fmt.Fprintln(w, "-----------------")
	for _, info := range infos {
		fmt.Fprintln(w, info)
		for _, m := range info.Modes {
			fmt.Fprintf(w, "    '%s' : %s [%.2f fps]\n", m.Format, m.Size, m.FPS)
		}
	}
}

func printSummary(w io.Writer, res *capture.Result) {
	fmt.Fprintf(w, "Camera:    %s\n", res.Camera)
	fmt.Fprintf(w, "Config:    %s (%s)\n", res.Config, res.Status)
	fmt.Fprintf(w, "File:      %s (%d bytes)\n", res.FilePath, res.FileBytes)
	fmt.Fprintf(w, "Array:     %s (%d bytes)\n", res.ArrayPath, res.ArrayBytes)
	fmt.Fprintf(w, "Frame:     %dx%d %s, sequence %d, %d bytes used\n",
		res.Width, res.Height, res.Format, res.Sequence, res.BytesUsed)
	fmt.Fprintf(w, "Luma:      mean %.1f, stddev %.1f\n", res.Luma.Mean, res.Luma.StdDev)
	fmt.Fprintf(w, "Elapsed:   %s\n", res.Elapsed.Round(time.Millisecond))
}

func printPreviewStats(w io.Writer, s capture.PreviewStats) {
	fmt.Fprintf(w, "Preview:   %d frames, last sequence %d, %d bytes in %s\n",
		s.Frames, s.LastSequence, s.Bytes, s.Elapsed.Round(time.Millisecond))
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
