// Package quicsink streams NV21 frames to remote consumers over QUIC.
//
// Every connected client gets one unidirectional stream per session. The
// stream starts with a header (varint version, 16-byte session id) followed
// by frames, each encoded as varint width, varint height, varint sequence,
// varint payload length and the payload. A new session closes the current
// stream and opens another.
package quicsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/vcam/internal/certs"
)

// ALPN is the application protocol negotiated by server and client.
const ALPN = "vcam-nv21"

// Version is the stream header version.
const Version = 1

const (
	clientQueue    = 2
	maxIdleTimeout = 30 * time.Second
	keepAlive      = 10 * time.Second
)

// Close codes sent with CONNECTION_CLOSE.
const (
	closeShutdown quic.ApplicationErrorCode = 0
	closeWrite    quic.ApplicationErrorCode = 1
)

// Config configures a Server.
type Config struct {
	Addr string
	Cert *certs.CertInfo
	// Session reports the id of the active surface session. Frames are
	// tagged with it at publish time.
	Session func() string
	Logger  *slog.Logger
}

// Stats counts delivery outcomes across all clients.
type Stats struct {
	Clients   int   `json:"clients"`
	Published int64 `json:"published"`
	Sent      int64 `json:"sent"`
	Dropped   int64 `json:"dropped"`
}

type frame struct {
	data    []byte
	width   int
	height  int
	seq     uint64
	session uuid.UUID
	refs    atomic.Int32
	pool    *sync.Pool
}

func (f *frame) release() {
	if f.refs.Add(-1) == 0 {
		f.pool.Put(f.data[:0])
	}
}

type client struct {
	frames chan *frame
}

// offer queues f, evicting the oldest queued frame when full. It reports
// how many frames were evicted. Callers are serialized by Server.mu.
func (c *client) offer(f *frame) (dropped int64) {
	for {
		select {
		case c.frames <- f:
			return dropped
		default:
		}
		select {
		case old := <-c.frames:
			old.release()
			dropped++
		default:
		}
	}
}

// Server is a delivery.Sink that fans frames out to QUIC clients. Publish
// never blocks on the network.
type Server struct {
	log     *slog.Logger
	session func() string
	ln      *quic.Listener
	pool    sync.Pool

	mu      sync.Mutex
	clients map[*client]struct{}
	seq     uint64

	published atomic.Int64
	sent      atomic.Int64
	dropped   atomic.Int64
}

// Listen binds the QUIC listener. Call Serve to accept clients.
func Listen(cfg Config) (*Server, error) {
	if cfg.Cert == nil {
		return nil, errors.New("quicsink: Cert is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("quicsink: Addr is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	session := cfg.Session
	if session == nil {
		session = func() string { return "" }
	}
	ln, err := quic.ListenAddr(cfg.Addr, cfg.Cert.ServerConfig(ALPN), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicsink: listen %s: %w", cfg.Addr, err)
	}
	return &Server{
		log:     log.With("component", "quicsink"),
		session: session,
		ln:      ln,
		clients: make(map[*client]struct{}),
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: keepAlive,
	}
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("frame transport listening", "addr", s.ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quicsink: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveClient(ctx, conn)
		}()
	}
}

// Acquire returns a frame buffer of the given size.
func (s *Server) Acquire(size int) []byte {
	if b, ok := s.pool.Get().([]byte); ok && cap(b) >= size {
		return b[:size]
	}
	return make([]byte, size)
}

// Publish queues buf for every connected client.
func (s *Server) Publish(buf []byte, w, h int) {
	id, err := uuid.Parse(s.session())
	if err != nil {
		id = uuid.Nil
	}
	f := &frame{data: buf, width: w, height: h, session: id, pool: &s.pool}
	f.refs.Store(1)

	s.mu.Lock()
	s.seq++
	f.seq = s.seq
	for c := range s.clients {
		f.refs.Add(1)
		s.dropped.Add(c.offer(f))
	}
	s.mu.Unlock()

	s.published.Add(1)
	f.release()
}

// Stats returns delivery counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	return Stats{
		Clients:   n,
		Published: s.published.Load(),
		Sent:      s.sent.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *Server) addClient() *client {
	c := &client{frames: make(chan *frame, clientQueue)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	for {
		select {
		case f := <-c.frames:
			f.release()
		default:
			return
		}
	}
}

func (s *Server) serveClient(ctx context.Context, conn quic.Connection) {
	log := s.log.With("remote", conn.RemoteAddr().String())
	log.Info("client connected")

	c := s.addClient()
	defer s.removeClient(c)

	w := &streamWriter{conn: conn}
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			conn.CloseWithError(closeShutdown, "shutdown")
			return
		case <-conn.Context().Done():
			log.Info("client disconnected", "error", context.Cause(conn.Context()))
			return
		case f := <-c.frames:
			err := w.write(ctx, f)
			f.release()
			if err != nil {
				log.Debug("frame write failed", "error", err)
				conn.CloseWithError(closeWrite, "write failed")
				return
			}
			s.sent.Add(1)
		}
	}
}

// streamWriter owns the unidirectional stream of one client.
type streamWriter struct {
	conn    quic.Connection
	stream  quic.SendStream
	session uuid.UUID
	hdr     []byte
}

func (w *streamWriter) write(ctx context.Context, f *frame) error {
	if w.stream == nil || f.session != w.session {
		w.close()
		st, err := w.conn.OpenUniStreamSync(ctx)
		if err != nil {
			return fmt.Errorf("open stream: %w", err)
		}
		if _, err := st.Write(appendHeader(w.hdr[:0], f.session)); err != nil {
			st.Close()
			return fmt.Errorf("write header: %w", err)
		}
		w.stream = st
		w.session = f.session
	}
	w.hdr = appendFrameHeader(w.hdr[:0], f.width, f.height, f.seq, len(f.data))
	if _, err := w.stream.Write(w.hdr); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.stream.Write(f.data); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func (w *streamWriter) close() {
	if w.stream != nil {
		w.stream.Close()
		w.stream = nil
	}
}

func appendHeader(b []byte, session uuid.UUID) []byte {
	b = quicvarint.Append(b, Version)
	return append(b, session[:]...)
}

func appendFrameHeader(b []byte, w, h int, seq uint64, n int) []byte {
	b = quicvarint.Append(b, uint64(w))
	b = quicvarint.Append(b, uint64(h))
	b = quicvarint.Append(b, seq)
	return quicvarint.Append(b, uint64(n))
}
