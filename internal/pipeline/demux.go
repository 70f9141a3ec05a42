package pipeline

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/vcam/media"
)

// runDemux reads packets into the track queues and drives the loop
// restart at end of input.
func (p *Pipeline) runDemux() {
	log := p.log.With("component", "demux")
	defer func() {
		// Drop whatever the decoders never consumed.
		p.videoQueue.Drain()
		p.audioQueue.Drain()
		log.Info("demux exited")
	}()

	if err := p.src.Seek(0); err != nil {
		log.Warn("initial seek failed", "error", err)
	}

	inputEOS := false
	for !p.abort.Load() {
		if inputEOS {
			if !p.outputsAtEOS() {
				time.Sleep(eosPoll)
				continue
			}
			if !p.restart(log) {
				return
			}
			inputEOS = false
			log.Info("playback looped", "loops", p.loops.Load())
			continue
		}

		raw, err := p.src.ReadPacket()
		if errors.Is(err, io.EOF) {
			p.videoQueue.Push(media.EndOfStream(media.TrackVideo))
			if p.hasAudio {
				p.audioQueue.Push(media.EndOfStream(media.TrackAudio))
			}
			inputEOS = true
			log.Debug("end of input")
			continue
		}
		if err != nil {
			log.Warn("read failed", "error", err)
			time.Sleep(readRetry)
			continue
		}
		if !raw.Selected || (raw.Track == media.TrackAudio && !p.hasAudio) {
			continue
		}

		pts, ok := p.rebaser.Rebase(raw.Track, raw.PTS)
		if !ok {
			p.packetsDropped.Add(1)
			log.Debug("packet before origin dropped", "track", raw.Track, "pts", raw.PTS)
			continue
		}
		pkt := &media.Packet{Track: raw.Track, Data: raw.Data, PTS: pts}
		if raw.KeyFrame {
			pkt.Flags |= media.FlagKeyFrame
		}
		q := p.videoQueue
		if raw.Track == media.TrackAudio {
			q = p.audioQueue
		}
		if q.Push(pkt) {
			p.packetsDemuxed.Add(1)
		}
	}
}

// outputsAtEOS reports whether every active decoder has drained.
func (p *Pipeline) outputsAtEOS() bool {
	if !p.videoOutEOS.Load() {
		return false
	}
	return !p.hasAudio || p.audioOutEOS.Load()
}

// restart raises a new epoch, waits for the decode stages to flush their
// decoders and acknowledge it, then rewinds the source. It returns false
// if the pipeline aborted while waiting.
func (p *Pipeline) restart(log *slog.Logger) bool {
	epoch := p.epoch.Add(1)
	for p.videoAck.Load() != epoch || (p.hasAudio && p.audioAck.Load() != epoch) {
		if p.abort.Load() {
			return false
		}
		time.Sleep(handshakePoll)
	}

	p.clock.Reset()
	p.wall.Reset()
	p.videoOutEOS.Store(false)
	p.audioOutEOS.Store(false)
	p.rebaser.Reset()
	if err := p.src.Seek(0); err != nil {
		log.Warn("rewind failed", "error", err)
	}
	p.loops.Add(1)
	time.Sleep(restartSettle)
	return true
}
