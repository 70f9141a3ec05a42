package avsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT receive latency in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const srtDialTimeout = 10 * time.Second

var errSRTStreamID = errors.New("avsource: unexpected srt stream id")

// srtTarget is a parsed srt:// location. In listener mode vcam binds Addr
// and waits for one publisher; otherwise it calls Addr.
type srtTarget struct {
	Addr     string
	StreamID string
	Listen   bool
}

func parseSRT(rawURL string) (srtTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return srtTarget{}, fmt.Errorf("avsource: parsing srt url: %w", err)
	}
	if u.Scheme != "srt" {
		return srtTarget{}, fmt.Errorf("avsource: %q is not an srt url", rawURL)
	}
	q := u.Query()
	t := srtTarget{Addr: u.Host, StreamID: q.Get("streamid")}
	switch q.Get("mode") {
	case "", "caller":
		if u.Hostname() == "" {
			return srtTarget{}, fmt.Errorf("avsource: srt url %q has no host", rawURL)
		}
	case "listener":
		t.Listen = true
		if u.Port() == "" {
			return srtTarget{}, fmt.Errorf("avsource: srt listener %q has no port", rawURL)
		}
	default:
		return srtTarget{}, fmt.Errorf("avsource: unknown srt mode %q", q.Get("mode"))
	}
	return t, nil
}

// connectSRT calls or, in listener mode, accepts the SRT peer of rawURL.
func connectSRT(ctx context.Context, rawURL string, log *slog.Logger) (*srtgo.Conn, error) {
	t, err := parseSRT(rawURL)
	if err != nil {
		return nil, err
	}
	if t.Listen {
		return acceptSRT(ctx, t, log)
	}
	return dialSRT(ctx, t, log)
}

func dialSRT(ctx context.Context, t srtTarget, log *slog.Logger) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if t.StreamID != "" {
		cfg.StreamID = t.StreamID
	}

	log.Info("dialing", "address", t.Addr, "stream_id", cfg.StreamID)

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(t.Addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("avsource: srt dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		go closeLate(ch)
		return nil, fmt.Errorf("avsource: srt dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

// acceptSRT waits for the first publisher on t.Addr. When t.StreamID is set
// other stream ids are rejected. The listener closes once a publisher is
// accepted or ctx ends.
func acceptSRT(ctx context.Context, t srtTarget, log *slog.Logger) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(t.Addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("avsource: srt listen on %s: %w", t.Addr, err)
	}
	defer l.Close()

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if t.StreamID != "" && req.StreamID != t.StreamID {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	log.Info("waiting for srt publisher", "addr", t.Addr, "stream_id", t.StreamID)
	conn, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("avsource: srt accept: %w", err)
	}
	if t.StreamID != "" && conn.StreamID() != t.StreamID {
		conn.Close()
		return nil, fmt.Errorf("%w: %q", errSRTStreamID, conn.StreamID())
	}
	log.Info("srt publisher connected", "remote", conn.RemoteAddr().String(), "stream_id", conn.StreamID())
	return conn, nil
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate closes a connection whose dial completes after it was
// abandoned.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}
