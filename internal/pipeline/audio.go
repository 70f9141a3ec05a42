package pipeline

import (
	"errors"
	"log/slog"

	"github.com/zsiec/vcam/internal/codec"
	"github.com/zsiec/vcam/media"
)

// runAudio decodes the audio track into the sink. Every written buffer
// advances the master clock to its timestamp.
func (p *Pipeline) runAudio() {
	log := p.log.With("component", "audio")
	if err := p.sink.Start(); err != nil {
		log.Warn("starting audio sink", "error", err)
	}
	defer func() {
		if err := p.sink.Stop(); err != nil {
			log.Debug("stopping audio sink", "error", err)
		}
		log.Info("audio stage exited")
	}()

	frameSize := max(p.audio.Channels, 1) * 2
	var pending *media.Packet
	for !p.abort.Load() {
		if epoch := p.epoch.Load(); epoch != p.audioAck.Load() {
			pending = nil
			if err := p.adec.Flush(); err != nil {
				log.Warn("decoder flush failed", "error", err)
			}
			p.restartSink(log)
			p.audioAck.Store(epoch)
			log.Debug("restart acknowledged", "epoch", epoch)
		}

		if pending == nil {
			if pkt, ok := p.audioQueue.Pop(popTimeout); ok {
				pending = pkt
			}
		}
		if pending != nil {
			feedDecoder(log, p.adec, &pending)
		}

		if p.audioOutEOS.Load() {
			continue
		}
		i, info, err := p.adec.DequeueOutputBuffer(0)
		if err != nil {
			if !errors.Is(err, codec.ErrTryAgainLater) && !errors.Is(err, codec.ErrOutputFormatChanged) {
				log.Debug("dequeue output", "error", err)
			}
			continue
		}
		if info.Flags.Has(media.FlagEndOfStream) {
			p.audioOutEOS.Store(true)
			log.Info("audio output reached end of stream")
		} else if info.Size > 0 {
			pcm := p.adec.OutputBuffer(i)
			pcm = pcm[:min(info.Size, len(pcm))]
			if !p.cfg.Session.PlaySound() {
				clear(pcm)
			}
			p.clock.Set(info.PTS)
			if err := p.sink.Write(pcm, len(pcm)/frameSize); err != nil {
				log.Debug("audio write", "error", err)
			}
		}
		if err := p.adec.ReleaseOutputBuffer(i, false); err != nil {
			log.Debug("release output", "error", err)
		}
	}
}

// restartSink discards queued audio so the next loop starts in sync.
func (p *Pipeline) restartSink(log *slog.Logger) {
	if err := p.sink.Stop(); err != nil {
		log.Warn("stopping audio sink", "error", err)
	}
	if err := p.sink.Flush(); err != nil {
		log.Warn("flushing audio sink", "error", err)
	}
	if err := p.sink.Start(); err != nil {
		log.Warn("restarting audio sink", "error", err)
	}
}
