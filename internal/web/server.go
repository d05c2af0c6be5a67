package web

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server for addr serving h. When h has no static
// files the embedded page is used.
func NewServer(addr string, h *Handlers) *Server {
	if h.staticFS == nil {
		subFS, err := fs.Sub(staticFiles, "static")
		if err != nil {
			log.Fatalf("web: failed to sub static fs: %v", err)
		}
		h.staticFS = subFS
	}
	return &Server{addr: addr, handlers: h}
}

// Router returns the handler with all routes registered.
func (s *Server) Router() *mux.Router {
	h := s.handlers
	r := mux.NewRouter()

	r.HandleFunc("/", h.ServeIndex).Methods(http.MethodGet)
	r.HandleFunc("/config", h.HandleConfig).Methods(http.MethodGet)
	r.HandleFunc("/capture", h.HandleCapture).Methods(http.MethodPost)
	r.HandleFunc("/captures", h.HandleCaptures).Methods(http.MethodGet)
	r.HandleFunc("/captures/{id}", h.HandleCaptureByID).Methods(http.MethodGet)
	r.HandleFunc("/preview.jpg", h.HandlePreviewJPEG).Methods(http.MethodGet)
	r.HandleFunc("/preview.mjpeg", h.HandlePreviewMJPEG).Methods(http.MethodGet)
	r.HandleFunc("/status/stream", h.HandleStatusStream).Methods(http.MethodGet)
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))

	return r
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully and waits for a running capture to finish.
func (s *Server) Run(ctx context.Context) error {
	s.handlers.BaseContext = ctx
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.handlers.Wait()
		return err
	}
}
