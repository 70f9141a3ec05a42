// Package control serves the HTTPS JSON API that drives the renderer: the
// source, camera parameters, the preview surface and runtime toggles.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zsiec/vcam/internal/certs"
	"github.com/zsiec/vcam/internal/delivery"
	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu"
	"github.com/zsiec/vcam/internal/gpu/softgpu"
	"github.com/zsiec/vcam/internal/renderer"
	"github.com/zsiec/vcam/internal/session"
	"github.com/zsiec/vcam/internal/source"
)

const (
	maxBodyBytes    = 1 << 20
	maxSurfaceSide  = 8192
	shutdownTimeout = 5 * time.Second
)

// Renderer is the subset of renderer.Controller the API drives.
type Renderer interface {
	SetSource(ctx context.Context, loc source.Location) error
	ResetSource()
	RegisterSurface(ctx context.Context, win gpu.Window, format int) (session.Snapshot, error)
	UnregisterSurface()
	SetCamera(id string, sensorOrientation, pictureW, pictureH int)
	SetDisplayOrientation(deg int)
	SetAPILevel(level int)
	SetMatrix(m geom.Mat4)
	Matrix() geom.Mat4
	SetConfig(playSound, enableLog bool)
	Status() renderer.Status
}

// Config configures a Server.
type Config struct {
	Addr     string
	Renderer Renderer
	Cert     *certs.CertInfo
	// Latest, when set, backs GET /api/frame.nv21.
	Latest *delivery.Latest
	// Transport, when set, is reported under "transport" in the status.
	Transport func() any
	// QUICAddr is advertised by GET /api/cert-hash.
	QUICAddr string
	Logger   *slog.Logger
}

// Server is the control API.
type Server struct {
	log *slog.Logger
	cfg Config

	// mu serializes surface changes and guards win.
	mu  sync.Mutex
	win *softgpu.MemoryWindow
}

// New creates a Server. Renderer is required.
func New(cfg Config) (*Server, error) {
	if cfg.Renderer == nil {
		return nil, errors.New("control: Renderer is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log.With("component", "control"), cfg: cfg}, nil
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("POST /api/source", s.handleSetSource)
	mux.HandleFunc("DELETE /api/source", s.handleResetSource)
	mux.HandleFunc("POST /api/camera", s.handleCamera)
	mux.HandleFunc("POST /api/display", s.handleDisplay)
	mux.HandleFunc("POST /api/api-level", s.handleAPILevel)
	mux.HandleFunc("POST /api/surface", s.handleRegisterSurface)
	mux.HandleFunc("DELETE /api/surface", s.handleUnregisterSurface)
	mux.HandleFunc("GET /api/matrix", s.handleGetMatrix)
	mux.HandleFunc("PUT /api/matrix", s.handleSetMatrix)
	mux.HandleFunc("PUT /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/frame.png", s.handleFramePNG)
	mux.HandleFunc("GET /api/frame.nv21", s.handleFrameNV21)
	return corsMiddleware(mux)
}

// ListenAndServe serves HTTPS on cfg.Addr until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.Cert == nil {
		return errors.New("control: Cert is required to serve")
	}
	srv := &http.Server{
		Addr:      s.cfg.Addr,
		Handler:   s.Handler(),
		TLSConfig: s.cfg.Cert.ServerConfig(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTPS API server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}
	return <-errCh
}

// Close unregisters the surface owned by the API, if any.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.win != nil {
		s.cfg.Renderer.UnregisterSurface()
		s.win.Close()
		s.win = nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// decode strictly reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
