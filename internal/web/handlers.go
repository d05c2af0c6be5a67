package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/cjeanneret/picamgo/internal/imaging"
	"github.com/cjeanneret/picamgo/internal/journal"
	"github.com/cjeanneret/picamgo/internal/logic/capture"
)

const (
	// MaxBodyBytes bounds POST bodies.
	MaxBodyBytes = 1 << 20
	// DefaultCooldown is the minimum delay between two accepted captures.
	DefaultCooldown = 5 * time.Second

	// Resolution bounds accepted from clients.
	MinDimension = 16
	MaxWidth     = 4608
	MaxHeight    = 2592

	mjpegBoundary = "picamframe"
)

// Overrides are per-request capture settings. Zero values keep the
// configured defaults.
type Overrides struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// ValidateOverrides checks client supplied values.
func ValidateOverrides(o Overrides) error {
	if o.Width != 0 && (o.Width < MinDimension || o.Width > MaxWidth) {
		return fmt.Errorf("width must be between %d and %d", MinDimension, MaxWidth)
	}
	if o.Height != 0 && (o.Height < MinDimension || o.Height > MaxHeight) {
		return fmt.Errorf("height must be between %d and %d", MinDimension, MaxHeight)
	}
	if (o.Width == 0) != (o.Height == 0) {
		return errors.New("width and height must be set together")
	}
	if o.Format != "" {
		if _, err := imaging.ParsePixelFormat(o.Format); err != nil {
			return err
		}
	}
	return nil
}

// CaptureFunc runs one still session. It is called from POST /capture in
// its own goroutine.
type CaptureFunc func(ctx context.Context, o Overrides) (*capture.Result, error)

// CaptureLister reads the capture journal. *journal.Journal implements it.
type CaptureLister interface {
	List(ctx context.Context, limit int) ([]journal.Entry, error)
	Get(ctx context.Context, id string) (journal.Entry, error)
}

// Settings is what GET /config reports: the capture defaults.
type Settings struct {
	Backend        string `json:"backend"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Format         string `json:"format"`
	WarmupMs       int    `json:"warmup_ms"`
	File           string `json:"file"`
	ArrayFile      string `json:"array_file"`
	JPEGQuality    int    `json:"jpeg_quality"`
	PreviewWidth   int    `json:"preview_width"`
	PreviewHeight  int    `json:"preview_height"`
	PreviewEnabled bool   `json:"preview_enabled"`
	JournalEnabled bool   `json:"journal_enabled"`
}

// Handlers holds dependencies for HTTP handlers. Capture, Frames and
// Journal are optional; the matching routes answer 503 (or 404 for
// frames) without them.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Capture     CaptureFunc
	Settings    Settings
	Frames      *FrameStore
	Journal     CaptureLister
	Cooldown    time.Duration

	// BaseContext is the parent of capture contexts, cancelled on shutdown.
	BaseContext context.Context

	staticFS fs.FS

	mu      sync.Mutex
	running bool
	lastRun time.Time
	wg      sync.WaitGroup
}

// NewHandlers creates handlers serving the files of staticFS.
func NewHandlers(broadcaster *StatusBroadcaster, run CaptureFunc, settings Settings, staticFS fs.FS) *Handlers {
	if broadcaster == nil {
		broadcaster = NewStatusBroadcaster()
	}
	return &Handlers{
		Broadcaster: broadcaster,
		Capture:     run,
		Settings:    settings,
		Cooldown:    DefaultCooldown,
		BaseContext: context.Background(),
		staticFS:    staticFS,
	}
}

// Wait blocks until running captures have returned.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

// ServeIndex serves the main HTML page.
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleConfig returns the capture defaults as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	settings := h.Settings
	settings.PreviewEnabled = h.Frames != nil
	settings.JournalEnabled = h.Journal != nil
	writeJSON(w, http.StatusOK, settings)
}

// HandleCapture handles POST /capture: it validates the overrides and runs
// a still session in the background. Progress and the result are pushed
// on the status stream.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var o Overrides
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&o); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateOverrides(o); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Capture == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		http.Error(w, "capture already in progress", http.StatusConflict)
		return
	}
	if !h.lastRun.IsZero() && time.Since(h.lastRun) < h.Cooldown {
		h.mu.Unlock()
		w.Header().Set("Retry-After", strconv.Itoa(int(h.Cooldown.Seconds())+1))
		http.Error(w, "too many captures, retry later", http.StatusTooManyRequests)
		return
	}
	h.running = true
	h.lastRun = time.Now()
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
		}()

		h.Broadcaster.Broadcast(LevelInfo, "Capture started")
		res, err := h.Capture(h.BaseContext, o)
		switch {
		case errors.Is(err, capture.ErrBusy):
			h.Broadcaster.Broadcast(LevelError, "Camera busy (preview running?)")
		case err != nil:
			h.Broadcaster.Broadcast(LevelError, "Capture failed: "+err.Error())
			log.Printf("capture failed: %v", err)
		default:
			msg := fmt.Sprintf("Saved %s (%d bytes) and %s (%d bytes)",
				res.FilePath, res.FileBytes, res.ArrayPath, res.ArrayBytes)
			h.Broadcaster.BroadcastData(LevelDone, msg, res)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandlePreviewJPEG serves the latest preview frame.
func (h *Handlers) HandlePreviewJPEG(w http.ResponseWriter, r *http.Request) {
	if h.Frames == nil {
		http.Error(w, "preview not running", http.StatusNotFound)
		return
	}
	f, ok := h.Frames.Latest()
	if !ok {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Sequence", strconv.FormatUint(f.Sequence, 10))
	w.Header().Set("Content-Length", strconv.Itoa(len(f.JPEG)))
	w.Write(f.JPEG)
}

// HandlePreviewMJPEG streams preview frames as multipart/x-mixed-replace,
// which browsers render as a live <img>.
func (h *Handlers) HandlePreviewMJPEG(w http.ResponseWriter, r *http.Request) {
	if h.Frames == nil {
		http.Error(w, "preview not running", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, unsub := h.Frames.Subscribe()
	defer unsub()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")

	if f, ok := h.Frames.Latest(); ok {
		if err := writePart(w, f); err != nil {
			return
		}
		flusher.Flush()
	}
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return
			}
			if err := writePart(w, f); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writePart(w io.Writer, f capture.PreviewFrame) error {
	_, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\nX-Frame-Sequence: %d\r\n\r\n",
		mjpegBoundary, len(f.JPEG), f.Sequence)
	if err != nil {
		return err
	}
	if _, err := w.Write(f.JPEG); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\r\n")
	return err
}

// HandleCaptures lists journal entries, newest first: GET /captures?limit=N.
func (h *Handlers) HandleCaptures(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		http.Error(w, "journal not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.Journal.List(r.Context(), limit)
	if err != nil {
		log.Printf("list captures: %v", err)
		http.Error(w, "journal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleCaptureByID returns one journal entry: GET /captures/{id}.
func (h *Handlers) HandleCaptureByID(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		http.Error(w, "journal not configured", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	e, err := h.Journal.Get(r.Context(), id)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		http.Error(w, "capture not found", http.StatusNotFound)
	case err != nil:
		log.Printf("get capture %s: %v", id, err)
		http.Error(w, "journal error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, e)
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()
		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
