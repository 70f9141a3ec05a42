package quicsink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/vcam/internal/certs"
)

func TestOfferDropsOldest(t *testing.T) {
	t.Parallel()

	pool := &sync.Pool{}
	c := &client{frames: make(chan *frame, clientQueue)}
	var frames []*frame
	var dropped int64
	for i := range 4 {
		f := &frame{data: make([]byte, 1), seq: uint64(i + 1), pool: pool}
		f.refs.Store(1)
		frames = append(frames, f)
		dropped += c.offer(f)
	}
	if dropped != 2 {
		t.Errorf("dropped: got %d, want 2", dropped)
	}
	for _, want := range []uint64{3, 4} {
		got := <-c.frames
		if got.seq != want {
			t.Errorf("queued seq: got %d, want %d", got.seq, want)
		}
	}
	for i, f := range frames[:2] {
		if n := f.refs.Load(); n != 0 {
			t.Errorf("evicted frame %d refs: got %d, want 0", i, n)
		}
	}
}

func TestReadFrameWireFormat(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	payload := []byte{1, 2, 3, 4, 5, 6}
	var b []byte
	b = appendFrameHeader(b, 2, 2, 7, len(payload))
	b = append(b, payload...)

	c := &Client{r: bufio.NewReader(bytes.NewReader(b)), session: id}
	f, err := c.readFrame()
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if f.Width != 2 || f.Height != 2 || f.Seq != 7 || f.Session != id {
		t.Errorf("got %+v", f)
	}
	if !bytes.Equal(f.Data, payload) {
		t.Errorf("payload: got %v, want %v", f.Data, payload)
	}
	if _, err := c.readFrame(); err != io.EOF {
		t.Errorf("end of stream: got %v", err)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	t.Parallel()

	b := appendFrameHeader(nil, 1, 1, 1, MaxFrameSize+1)
	c := &Client{r: bufio.NewReader(bytes.NewReader(b))}
	if _, err := c.readFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("got %v, want %v", err, ErrFrameTooLarge)
	}
}

func TestHeaderLayout(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	b := appendHeader(nil, id)
	r := bytes.NewReader(b)
	v, err := quicvarint.Read(r)
	if err != nil || v != Version {
		t.Fatalf("version: got %d, %v", v, err)
	}
	if r.Len() != 16 || !bytes.Equal(b[len(b)-16:], id[:]) {
		t.Errorf("session bytes: got %x, want %x", b[len(b)-16:], id[:])
	}
}

func TestListenValidation(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no cert", Config{Addr: "127.0.0.1:0"}},
		{"no addr", Config{Cert: cert}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Listen(tt.cfg); err == nil {
				t.Error("got nil error")
			}
		})
	}
}

func TestStreamsFramesAcrossSessions(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	var session atomic.Value
	first, second := uuid.New(), uuid.New()
	session.Store(first.String())

	srv, err := Listen(Config{
		Addr:    "127.0.0.1:0",
		Cert:    cert,
		Session: func() string { return session.Load().(string) },
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	cl, err := Dial(ctx, srv.Addr().String(), certs.PinnedClientConfig(cert.Fingerprint, ALPN))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()

	for srv.Stats().Clients == 0 {
		if ctx.Err() != nil {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	publish := func(fill byte) {
		buf := srv.Acquire(6)
		for i := range buf {
			buf[i] = fill
		}
		srv.Publish(buf, 2, 2)
	}

	publish(0x10)
	f, err := cl.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Session != first || f.Seq != 1 || f.Width != 2 || f.Height != 2 {
		t.Errorf("first frame: got %+v", f)
	}
	if !bytes.Equal(f.Data, bytes.Repeat([]byte{0x10}, 6)) {
		t.Errorf("first payload: got %x", f.Data)
	}

	session.Store(second.String())
	publish(0x20)
	f, err = cl.Next(ctx)
	if err != nil {
		t.Fatalf("Next after session change: %v", err)
	}
	if f.Session != second || f.Seq != 2 {
		t.Errorf("second frame: got session %v seq %d, want %v 2", f.Session, f.Seq, second)
	}

	for srv.Stats().Sent < 2 {
		if ctx.Err() != nil {
			t.Fatal("sent counter never reached 2")
		}
		time.Sleep(time.Millisecond)
	}
	if st := srv.Stats(); st.Published != 2 || st.Dropped != 0 {
		t.Errorf("stats: got %+v", st)
	}

	cancel()
	if err := <-served; err != nil {
		t.Errorf("Serve: got %v, want nil", err)
	}
}
