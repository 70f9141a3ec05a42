// Package session holds the camera session state shared by the control
// surface and the render goroutines. Readers take copy-out snapshots so no
// lock is held across rendering.
package session

import (
	"log/slog"
	"sync"

	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu"
)

// FrontCameraID is the camera id the host reports for the front camera.
const FrontCameraID = "1"

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	CameraID           string        `json:"cameraId"`
	SensorOrientation  int           `json:"sensorOrientation"`
	PictureWidth       int           `json:"pictureWidth"`
	PictureHeight      int           `json:"pictureHeight"`
	Surface            gpu.Window    `json:"-"`
	SurfaceID          string        `json:"surfaceId,omitempty"`
	SurfaceFormat      int           `json:"surfaceFormat"`
	SurfaceVersion     int           `json:"surfaceVersion"`
	PreviewWidth       int           `json:"previewWidth"`
	PreviewHeight      int           `json:"previewHeight"`
	DisplayOrientation int           `json:"displayOrientation"`
	APILevel           int           `json:"apiLevel"`
	Mode               geom.WorkMode `json:"-"`
	PlaySound          bool          `json:"playSound"`
	EnableLog          bool          `json:"enableLog"`
}

// FrontCamera reports whether the active camera faces the user.
func (s Snapshot) FrontCamera() bool { return s.CameraID == FrontCameraID }

// Layout describes the geometry for a video of the given visual size.
func (s Snapshot) Layout(videoW, videoH int) geom.Layout {
	return geom.Layout{
		ViewWidth:          s.PreviewWidth,
		ViewHeight:         s.PreviewHeight,
		VideoWidth:         videoW,
		VideoHeight:        videoH,
		DisplayOrientation: s.DisplayOrientation,
		FrontCamera:        s.FrontCamera(),
		APILevel:           s.APILevel,
		Mode:               s.Mode,
	}
}

// InferWorkMode guesses the preview's purpose: a portrait preview on a
// display rotated by 90 is a face unlock on the front camera and a code
// scanner on the back one.
func InferWorkMode(previewW, previewH, displayOrientation int, front bool) geom.WorkMode {
	if previewW < previewH && displayOrientation == 90 {
		if front {
			return geom.WorkModeFaceRecognition
		}
		return geom.WorkModeScanQRCode
	}
	return geom.WorkModeNormal
}

// State is the mutable session.
type State struct {
	log *slog.Logger

	mu                sync.Mutex
	cur               Snapshot
	lastLoggedCamera  string
	lastLoggedVersion int
}

// New creates a session with sound and logging enabled.
func New(log *slog.Logger) *State {
	if log == nil {
		log = slog.Default()
	}
	s := &State{log: log.With("component", "session")}
	s.resetLocked()
	return s
}

func (s *State) resetLocked() {
	s.cur = Snapshot{PlaySound: true, EnableLog: true}
	s.lastLoggedCamera = ""
	s.lastLoggedVersion = -1
}

// Reset returns the session to its initial state.
func (s *State) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// UpdateCamera records the parameters of the camera being opened.
func (s *State) UpdateCamera(id string, sensorOrientation, pictureW, pictureH int) {
	s.mu.Lock()
	s.cur.CameraID = id
	s.cur.SensorOrientation = sensorOrientation
	s.cur.PictureWidth = pictureW
	s.cur.PictureHeight = pictureH
	s.mu.Unlock()
}

// SetDisplayOrientation records the display rotation in degrees.
func (s *State) SetDisplayOrientation(deg int) {
	s.mu.Lock()
	s.cur.DisplayOrientation = deg
	s.mu.Unlock()
}

// SetAPILevel records the camera API generation the host uses.
func (s *State) SetAPILevel(level int) {
	s.mu.Lock()
	s.cur.APILevel = level
	s.mu.Unlock()
}

// SetPreviewSize overrides the preview dimensions.
func (s *State) SetPreviewSize(w, h int) {
	s.mu.Lock()
	s.cur.PreviewWidth = w
	s.cur.PreviewHeight = h
	s.mu.Unlock()
}

// SetConfig applies the runtime toggles.
func (s *State) SetConfig(playSound, enableLog bool) {
	s.mu.Lock()
	s.cur.PlaySound = playSound
	s.cur.EnableLog = enableLog
	s.mu.Unlock()
}

// PlaySound reports whether decoded audio is audible.
func (s *State) PlaySound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.PlaySound
}

// RegisterSurface replaces the preview surface. The preview size is reset
// and then taken from win; the work mode is re-inferred and the surface
// version bumped. A nil win only clears the surface. It returns the
// resulting snapshot.
func (s *State) RegisterSurface(win gpu.Window, id string, format int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur.Surface = nil
	s.cur.SurfaceID = ""
	s.cur.SurfaceFormat = 0
	s.cur.PreviewWidth, s.cur.PreviewHeight = 0, 0
	if win != nil {
		s.cur.Surface = win
		s.cur.SurfaceID = id
		s.cur.SurfaceFormat = format
		s.cur.PreviewWidth, s.cur.PreviewHeight = win.Size()
		s.cur.Mode = InferWorkMode(s.cur.PreviewWidth, s.cur.PreviewHeight, s.cur.DisplayOrientation, s.cur.FrontCamera())
		s.cur.SurfaceVersion++
	}
	s.logIfChangedLocked("registerSurface")
	return s.cur
}

// LogIfChanged logs a snapshot when the camera or surface changed since the
// last one logged.
func (s *State) LogIfChanged(occasion string) {
	s.mu.Lock()
	s.logIfChangedLocked(occasion)
	s.mu.Unlock()
}

func (s *State) logIfChangedLocked(occasion string) {
	if s.cur.CameraID == s.lastLoggedCamera && s.cur.SurfaceVersion == s.lastLoggedVersion {
		return
	}
	c := s.cur
	s.log.Info("session state",
		"occasion", occasion,
		"camera_id", c.CameraID,
		"sensor_orientation", c.SensorOrientation,
		"picture_width", c.PictureWidth,
		"picture_height", c.PictureHeight,
		"surface_id", c.SurfaceID,
		"display_orientation", c.DisplayOrientation,
		"preview_width", c.PreviewWidth,
		"preview_height", c.PreviewHeight,
		"work_mode", c.Mode.String(),
	)
	s.lastLoggedCamera = c.CameraID
	s.lastLoggedVersion = c.SurfaceVersion
}

// Matrix stores the host-supplied external transform.
type Matrix struct {
	mu sync.Mutex
	m  geom.Mat4
}

// NewMatrix creates a store holding the identity.
func NewMatrix() *Matrix {
	return &Matrix{m: geom.Identity()}
}

// Set replaces the stored matrix.
func (x *Matrix) Set(m geom.Mat4) {
	x.mu.Lock()
	x.m = m
	x.mu.Unlock()
}

// Get returns the stored matrix.
func (x *Matrix) Get() geom.Mat4 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.m
}
