package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/zsiec/vcam/internal/attach"
	"github.com/zsiec/vcam/internal/avsync"
	"github.com/zsiec/vcam/internal/codec"
	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu"
	"github.com/zsiec/vcam/internal/render"
	"github.com/zsiec/vcam/internal/yuv"
	"github.com/zsiec/vcam/media"
)

// videoStage is the state owned by the video goroutine.
type videoStage struct {
	p   *Pipeline
	log *slog.Logger

	ctx     gpu.Context
	ext     gpu.ExternalImage
	copier  *render.Copier
	dbuf    *render.DoubleBuffer
	conv    *yuv.Converter
	async   *yuv.AsyncConverter
	deliver yuv.DeliverFunc

	pending      *media.Packet
	frameCounter int64
	badW, badH   int
}

// runVideo owns the render context for the whole session. It reports setup
// to ready, runs the decode/render loop and finally tears the session down.
func (p *Pipeline) runVideo(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)

	v := &videoStage{p: p, log: p.log.With("component", "video")}
	reported := false
	err := attach.Run(p.cfg.Runtime, func() {
		if err := v.setup(); err != nil {
			v.teardown()
			ready <- err
			reported = true
			return
		}
		p.startStages()
		ready <- nil
		reported = true

		v.loop()
		v.teardown()
	})
	if err != nil && !reported {
		p.releaseMedia()
		ready <- err
	}
}

func (v *videoStage) setup() error {
	p := v.p
	ctx, err := p.cfg.GPU.NewContext(p.cfg.Window)
	if err != nil {
		return fmt.Errorf("creating render context: %w", err)
	}
	v.ctx = ctx
	if err := ctx.MakeCurrent(); err != nil {
		return fmt.Errorf("binding render context: %w", err)
	}
	ext, err := ctx.NewExternalImage()
	if err != nil {
		return fmt.Errorf("creating decoder surface: %w", err)
	}
	v.ext = ext

	if err := p.vdec.Configure(codec.VideoFormat(p.video, ext)); err != nil {
		return fmt.Errorf("configuring video decoder: %w", err)
	}
	if err := p.vdec.Start(); err != nil {
		return fmt.Errorf("starting video decoder: %w", err)
	}

	vw, vh := p.video.VisualSize()
	v.copier = render.NewCopier(ctx)
	if err := v.copier.Init(vw, vh); err != nil {
		return fmt.Errorf("initializing copier: %w", err)
	}
	v.conv = yuv.NewConverter(ctx, v.log)
	if err := v.conv.Init(vw, vh, true); err != nil {
		// Re-initialized at the preview size on the first frame.
		v.log.Debug("converter deferred", "error", err)
	}
	sink := yuv.ToSink(p.cfg.Sink)
	v.deliver = func(nv21 []byte, w, h int) {
		sink(nv21, w, h)
		p.framesDelivered.Add(1)
	}

	if p.cfg.DoubleBuffer {
		v.startAsync(vw, vh)
	}
	return nil
}

// startAsync sets up the double buffer and the extraction worker. On
// failure extraction stays synchronous.
func (v *videoStage) startAsync(w, h int) {
	dbuf := render.NewDoubleBuffer(v.ctx, v.log)
	if err := dbuf.Init(w, h); err != nil {
		v.log.Warn("double buffer unavailable, extracting synchronously", "error", err)
		return
	}
	async := yuv.New(v.ctx, v.p.cfg.Sink, yuv.Options{Runtime: v.p.cfg.Runtime, Logger: v.p.cfg.Logger})
	if err := async.Start(); err != nil {
		v.log.Warn("extraction worker unavailable, extracting synchronously", "error", err)
		dbuf.Destroy()
		return
	}
	v.dbuf, v.async = dbuf, async
	v.p.extract.Store(&extractStats{dropped: async.Dropped, delivered: async.Delivered})
}

func (v *videoStage) loop() {
	p := v.p
	for !p.abort.Load() {
		v.acknowledgeRestart()
		v.feed()
		if !v.drain() {
			continue
		}
		if err := v.renderFrame(); err != nil {
			v.log.Error("render failed, ending session", "error", err)
			return
		}
	}
}

// acknowledgeRestart flushes the decoder when the demux stage raised a
// new loop epoch.
func (v *videoStage) acknowledgeRestart() {
	p := v.p
	epoch := p.epoch.Load()
	if epoch == p.videoAck.Load() {
		return
	}
	v.pending = nil
	if err := p.vdec.Flush(); err != nil {
		v.log.Warn("decoder flush failed", "error", err)
	}
	p.videoAck.Store(epoch)
	v.log.Debug("restart acknowledged", "epoch", epoch)
}

// feed moves at most one packet into the decoder. A packet that finds no
// free input buffer stays pending for the next cycle.
func (v *videoStage) feed() {
	p := v.p
	if v.pending == nil {
		pkt, ok := p.videoQueue.Pop(popTimeout)
		if !ok {
			return
		}
		v.pending = pkt
	}
	feedDecoder(v.log, p.vdec, &v.pending)
}

// feedDecoder queues *pending into dec if an input buffer is free and
// clears it once consumed.
func feedDecoder(log *slog.Logger, dec codec.Decoder, pending **media.Packet) {
	i, err := dec.DequeueInputBuffer(0)
	if err != nil {
		if !errors.Is(err, codec.ErrTryAgainLater) {
			log.Debug("no input buffer", "error", err)
		}
		return
	}
	pkt := *pending
	*pending = nil

	if pkt.IsEndOfStream() {
		if err := dec.QueueInputBuffer(i, 0, 0, media.FlagEndOfStream); err != nil {
			log.Warn("queueing end of stream", "error", err)
			return
		}
		log.Info("end of stream queued")
		return
	}
	buf := dec.InputBuffer(i)
	size := len(pkt.Data)
	if size > len(buf) {
		log.Error("packet exceeds input buffer", "size", size, "capacity", len(buf), "pts", pkt.PTS)
		size = 0
	}
	copy(buf, pkt.Data[:size])
	if err := dec.QueueInputBuffer(i, size, pkt.PTS, pkt.Flags); err != nil {
		log.Warn("queueing input", "pts", pkt.PTS, "error", err)
	}
}

// drain takes at most one decoded frame, paces it against the clock and
// releases it to the surface. It reports whether a frame was rendered.
func (v *videoStage) drain() bool {
	p := v.p
	if p.videoOutEOS.Load() {
		return false
	}
	i, info, err := p.vdec.DequeueOutputBuffer(0)
	if err != nil {
		if !errors.Is(err, codec.ErrTryAgainLater) && !errors.Is(err, codec.ErrOutputFormatChanged) {
			v.log.Debug("dequeue output", "error", err)
		}
		return false
	}
	if info.Flags.Has(media.FlagEndOfStream) {
		p.videoOutEOS.Store(true)
		if err := p.vdec.ReleaseOutputBuffer(i, false); err != nil {
			v.log.Debug("release output", "error", err)
		}
		v.log.Info("video output reached end of stream")
		return false
	}

	if !p.audioOutEOS.Load() {
		if d := avsync.Delay(info.PTS, p.clockNow()); d > 0 {
			time.Sleep(d)
		}
	}
	show := info.Size > 0
	if err := p.vdec.ReleaseOutputBuffer(i, show); err != nil {
		v.log.Debug("release output", "error", err)
		return false
	}
	if show {
		p.lastVideoPTS.Store(info.PTS)
	}
	return show
}

// renderFrame latches the newest decoded image, draws it to the window and
// extracts an NV21 copy.
func (v *videoStage) renderFrame() error {
	p := v.p
	if err := v.ext.UpdateTexImage(); err != nil {
		return fmt.Errorf("latching frame: %w", err)
	}
	snap := p.cfg.Session.Snapshot()
	vw, vh := p.video.VisualSize()

	var current gpu.Texture
	if v.dbuf != nil && v.dbuf.Initialized() {
		if err := v.fitDoubleBuffer(vw, vh); err != nil {
			return err
		}
		if err := v.copier.Process(v.ext, v.dbuf.CurrentTarget()); err != nil {
			return err
		}
		current = v.dbuf.CurrentTexture()
	} else {
		if w, h := v.copier.Size(); w != vw || h != vh {
			if err := v.copier.Init(vw, vh); err != nil {
				return fmt.Errorf("resizing copier: %w", err)
			}
		}
		if err := v.copier.Process(v.ext, nil); err != nil {
			return err
		}
		current = v.copier.Output()
	}

	layout := snap.Layout(vw, vh)
	preview := geom.Multiply(geom.PreviewFix(layout), p.cfg.Matrix.Get())
	if err := render.Composite(v.ctx, current, preview); err != nil {
		return err
	}
	if err := v.ctx.SwapBuffers(); err != nil {
		return fmt.Errorf("presenting: %w", err)
	}
	p.framesRendered.Add(1)

	pw, ph := snap.PreviewWidth, snap.PreviewHeight
	if pw <= 0 || ph <= 0 {
		return nil
	}
	fix := geom.ExtractFix(layout)

	if v.async != nil {
		if v.frameCounter > 0 {
			v.async.Submit(yuv.Task{
				Source: v.dbuf.PreviousTexture(),
				Width:  pw,
				Height: ph,
				Mode:   snap.Mode,
				Fix:    fix,
				Frame:  v.frameCounter - 1,
			})
		}
		if err := v.dbuf.Swap(); err != nil {
			return err
		}
		v.frameCounter++
		return nil
	}

	if w, h := v.conv.Size(); w != pw || h != ph {
		if pw == v.badW && ph == v.badH {
			return nil
		}
		if err := v.conv.Init(pw, ph, true); err != nil {
			v.log.Warn("extraction disabled for preview size", "width", pw, "height", ph, "error", err)
			v.badW, v.badH = pw, ph
			return nil
		}
	}
	if _, err := v.conv.Process(current, fix, v.deliver); err != nil {
		v.log.Warn("extraction failed", "error", err)
	}
	return nil
}

// fitDoubleBuffer resizes the double buffer to w x h. Fresh targets hold
// no finished frame, so extraction restarts one frame behind the display.
func (v *videoStage) fitDoubleBuffer(w, h int) error {
	if cw, ch := v.dbuf.Size(); cw == w && ch == h {
		return nil
	}
	if err := v.dbuf.Init(w, h); err != nil {
		return fmt.Errorf("resizing double buffer: %w", err)
	}
	v.frameCounter = 0
	return nil
}

// teardown releases everything in dependency order: stages first, then
// extraction, GPU objects, the video decoder and finally the context.
func (v *videoStage) teardown() {
	p := v.p
	p.requestAbort()
	p.stages.Wait()

	if v.async != nil {
		v.async.Destroy()
	}
	if v.dbuf != nil {
		v.dbuf.Destroy()
	}
	if v.conv != nil {
		v.conv.Destroy()
	}
	if v.copier != nil {
		v.copier.Destroy()
	}
	if v.ext != nil {
		v.ext.Release()
	}
	if p.vdec != nil {
		if err := p.vdec.Stop(); err != nil {
			v.log.Debug("stopping video decoder", "error", err)
		}
	}
	p.releaseMedia()
	if v.ctx != nil {
		v.ctx.Destroy()
	}
	v.log.Info("video stage exited", "frames", p.framesRendered.Load())
}
