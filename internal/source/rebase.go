package source

import "github.com/zsiec/vcam/media"

// Rebaser maps source timestamps so the first video packet of a loop is
// zero. Packets stamped before that origin are clamped to zero when within
// media.RebaseTolerance and dropped otherwise. Until a video packet has set
// the origin every packet is clamped to zero.
type Rebaser struct {
	origin    int64
	hasOrigin bool
}

// Rebase returns the rebased timestamp of a packet on track with source
// time pts, and false if the packet should be dropped.
func (r *Rebaser) Rebase(track media.Track, pts int64) (int64, bool) {
	if track == media.TrackVideo && !r.hasOrigin && pts != NoPTS {
		r.origin = pts
		r.hasOrigin = true
	}
	if !r.hasOrigin || pts == NoPTS {
		return 0, true
	}
	d := pts - r.origin
	if d < -media.RebaseTolerance.Microseconds() {
		return 0, false
	}
	if d < 0 {
		d = 0
	}
	return d, true
}

// Origin returns the current origin and whether one has been set.
func (r *Rebaser) Origin() (int64, bool) { return r.origin, r.hasOrigin }

// Reset forgets the origin; the next video packet sets a new one.
func (r *Rebaser) Reset() {
	r.origin = 0
	r.hasOrigin = false
}
