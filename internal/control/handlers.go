package control

import (
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"os"
	"strconv"

	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu/softgpu"
	"github.com/zsiec/vcam/internal/renderer"
	"github.com/zsiec/vcam/internal/source"
)

type statusResponse struct {
	renderer.Status
	Transport any `json:"transport,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: s.cfg.Renderer.Status()}
	if s.cfg.Transport != nil {
		resp.Transport = s.cfg.Transport()
	}
	writeJSON(w, http.StatusOK, resp)
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Hex  string `json:"hex"`
	Addr string `json:"addr,omitempty"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate")
		return
	}
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.cfg.Cert.FingerprintBase64(),
		Hex:  s.cfg.Cert.FingerprintHex(),
		Addr: s.cfg.QUICAddr,
	})
}

type sourceRequest struct {
	URL    string `json:"url,omitempty"`
	Path   string `json:"path,omitempty"`
	FD     *int   `json:"fd,omitempty"`
	Offset int64  `json:"offset,omitempty"`
	Length int64  `json:"length,omitempty"`
}

func (req sourceRequest) location() (source.Location, error) {
	loc := source.Location{URL: req.URL, Path: req.Path, Offset: req.Offset, Length: req.Length}
	if req.FD != nil {
		if *req.FD < 0 {
			return loc, fmt.Errorf("%w: negative fd %d", source.ErrInvalidLocation, *req.FD)
		}
		// The descriptor stays owned by the caller; the demuxer duplicates it.
		loc.File = os.NewFile(uintptr(*req.FD), "fd:"+strconv.Itoa(*req.FD))
	}
	return loc, nil
}

func (s *Server) handleSetSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if !decode(w, r, &req) {
		return
	}
	loc, err := req.location()
	if err == nil {
		err = s.cfg.Renderer.SetSource(r.Context(), loc)
	}
	switch {
	case errors.Is(err, source.ErrInvalidLocation):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.Warn("source rejected", "source", loc.String(), "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"source": loc.String()})
	}
}

func (s *Server) handleResetSource(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Renderer.ResetSource()
	w.WriteHeader(http.StatusNoContent)
}

type cameraRequest struct {
	CameraID          string `json:"cameraId"`
	SensorOrientation int    `json:"sensorOrientation"`
	PictureWidth      int    `json:"pictureWidth"`
	PictureHeight     int    `json:"pictureHeight"`
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if !decode(w, r, &req) {
		return
	}
	if !validOrientation(req.SensorOrientation) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("sensorOrientation must be 0, 90, 180 or 270, got %d", req.SensorOrientation))
		return
	}
	if req.PictureWidth < 0 || req.PictureHeight < 0 {
		writeError(w, http.StatusBadRequest, "picture size must not be negative")
		return
	}
	s.cfg.Renderer.SetCamera(req.CameraID, req.SensorOrientation, req.PictureWidth, req.PictureHeight)
	w.WriteHeader(http.StatusNoContent)
}

type orientationRequest struct {
	Orientation int `json:"orientation"`
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	var req orientationRequest
	if !decode(w, r, &req) {
		return
	}
	if !validOrientation(req.Orientation) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("orientation must be 0, 90, 180 or 270, got %d", req.Orientation))
		return
	}
	s.cfg.Renderer.SetDisplayOrientation(req.Orientation)
	w.WriteHeader(http.StatusNoContent)
}

type apiLevelRequest struct {
	Level int `json:"level"`
}

func (s *Server) handleAPILevel(w http.ResponseWriter, r *http.Request) {
	var req apiLevelRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Level < 0 {
		writeError(w, http.StatusBadRequest, "level must not be negative")
		return
	}
	s.cfg.Renderer.SetAPILevel(req.Level)
	w.WriteHeader(http.StatusNoContent)
}

type surfaceRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Format int `json:"format"`
}

func (s *Server) handleRegisterSurface(w http.ResponseWriter, r *http.Request) {
	var req surfaceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Width <= 0 || req.Height <= 0 || req.Width > maxSurfaceSide || req.Height > maxSurfaceSide {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("surface size %dx%d out of range", req.Width, req.Height))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	win := softgpu.NewMemoryWindow(req.Width, req.Height)
	snap, err := s.cfg.Renderer.RegisterSurface(r.Context(), win, req.Format)
	if s.win != nil {
		s.win.Close()
	}
	s.win = win
	switch {
	case errors.Is(err, renderer.ErrNoSource):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Error("surface registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleUnregisterSurface(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Renderer.UnregisterSurface()
	if s.win != nil {
		s.win.Close()
		s.win = nil
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMatrix(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Renderer.Matrix())
}

func (s *Server) handleSetMatrix(w http.ResponseWriter, r *http.Request) {
	var vals []float32
	if !decode(w, r, &vals) {
		return
	}
	var m geom.Mat4
	if len(vals) != len(m) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("matrix needs %d values, got %d", len(m), len(vals)))
		return
	}
	copy(m[:], vals)
	s.cfg.Renderer.SetMatrix(m)
	w.WriteHeader(http.StatusNoContent)
}

type configRequest struct {
	PlaySound *bool `json:"playSound"`
	EnableLog *bool `json:"enableLog"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !decode(w, r, &req) {
		return
	}
	cur := s.cfg.Renderer.Status().Session
	playSound, enableLog := cur.PlaySound, cur.EnableLog
	if req.PlaySound != nil {
		playSound = *req.PlaySound
	}
	if req.EnableLog != nil {
		enableLog = *req.EnableLog
	}
	s.cfg.Renderer.SetConfig(playSound, enableLog)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFramePNG(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	win := s.win
	s.mu.Unlock()
	if win == nil {
		writeError(w, http.StatusNotFound, "no surface registered")
		return
	}
	img := win.Last()
	if img == nil {
		writeError(w, http.StatusNotFound, "no frame displayed yet")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		s.log.Debug("png encode failed", "error", err)
	}
}

func (s *Server) handleFrameNV21(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Latest == nil {
		writeError(w, http.StatusNotFound, "frame capture disabled")
		return
	}
	f, ok := s.cfg.Latest.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no frame extracted yet")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Frame-Width", strconv.Itoa(f.Width))
	h.Set("X-Frame-Height", strconv.Itoa(f.Height))
	h.Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	h.Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Write(f.Data)
}

func validOrientation(deg int) bool {
	switch deg {
	case 0, 90, 180, 270:
		return true
	}
	return false
}
