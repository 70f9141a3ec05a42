package geom

// WorkMode is the logical use of the camera preview. Portrait scan layouts
// keep the view dimensions as reported instead of transposing them.
type WorkMode int

// Work modes inferred from the registered preview surface.
const (
	WorkModeNormal WorkMode = iota
	WorkModeScanQRCode
	WorkModeFaceRecognition
)

func (m WorkMode) String() string {
	switch m {
	case WorkModeNormal:
		return "NORMAL"
	case WorkModeScanQRCode:
		return "SCAN_QR_CODE"
	case WorkModeFaceRecognition:
		return "FACE_RECOGNITION"
	}
	return "UNKNOWN"
}

// Layout captures everything the fix-up matrices depend on.
type Layout struct {
	ViewWidth          int
	ViewHeight         int
	VideoWidth         int // visual (rotation applied) width
	VideoHeight        int
	DisplayOrientation int
	FrontCamera        bool
	APILevel           int
	Mode               WorkMode
}

// PreviewFix returns the transform for the on-screen composite pass. The
// frame is rotated to undo the display orientation, mirrored for the front
// camera on the camera2 API, and aspect fitted to the view.
func PreviewFix(l Layout) Mat4 {
	rotation := (l.DisplayOrientation - 90 + 360) % 360
	mirror := l.APILevel == 2 && l.FrontCamera

	videoW, videoH := l.VideoWidth, l.VideoHeight
	if rotation == 90 || rotation == 270 {
		videoW, videoH = videoH, videoW
	}
	viewW, viewH := l.ViewWidth, l.ViewHeight
	if l.Mode == WorkModeNormal && (l.DisplayOrientation == 90 || l.DisplayOrientation == 270) {
		viewW, viewH = viewH, viewW
	}

	sx, sy := aspectFit(videoW, videoH, viewW, viewH)
	return AroundCenter(sx, sy, float32(rotation), mirror, false)
}

// ExtractFix returns the transform for the pixel extraction passes. The
// extraction target is pre-rotated by the composite pass, so only a
// vertical flip to a top-left origin and the aspect fit remain.
func ExtractFix(l Layout) Mat4 {
	viewW, viewH := l.ViewWidth, l.ViewHeight
	if l.Mode == WorkModeNormal {
		viewW, viewH = viewH, viewW
	}
	sx, sy := aspectFit(l.VideoWidth, l.VideoHeight, viewW, viewH)
	return AroundCenter(sx, sy, 0, false, true)
}

// aspectFit returns the texture-coordinate scale that matches the video
// aspect ratio to the view's. The axis along which the video is relatively
// wider gets a scale below one; the other stays at one.
func aspectFit(videoW, videoH, viewW, viewH int) (float32, float32) {
	if videoW <= 0 || videoH <= 0 || viewW <= 0 || viewH <= 0 {
		return 1, 1
	}
	videoAspect := float32(videoW) / float32(videoH)
	viewAspect := float32(viewW) / float32(viewH)
	if videoAspect > viewAspect {
		return viewAspect / videoAspect, 1
	}
	return 1, videoAspect / viewAspect
}
