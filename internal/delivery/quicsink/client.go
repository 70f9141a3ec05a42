package quicsink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

// MaxFrameSize bounds the payload a client accepts.
const MaxFrameSize = 64 << 20

var (
	ErrVersion       = errors.New("quicsink: unsupported stream version")
	ErrFrameTooLarge = errors.New("quicsink: frame too large")
)

// Frame is one NV21 image received from a Server.
type Frame struct {
	Session uuid.UUID
	Width   int
	Height  int
	Seq     uint64
	Data    []byte
}

// Client reads frames from a Server.
type Client struct {
	conn    quic.Connection
	stream  quic.ReceiveStream
	r       *bufio.Reader
	session uuid.UUID
}

// Dial connects to a Server. tlsConf must negotiate ALPN; see
// certs.PinnedClientConfig.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (*Client, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicsink: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Next returns the next frame. When the server starts a new session the
// client moves to the next stream transparently. ctx bounds waiting for a
// stream, not reads within one.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	for {
		if c.r == nil {
			if err := c.accept(ctx); err != nil {
				return Frame{}, err
			}
		}
		f, err := c.readFrame()
		if errors.Is(err, io.EOF) {
			c.r, c.stream = nil, nil
			continue
		}
		return f, err
	}
}

func (c *Client) accept(ctx context.Context) error {
	st, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return fmt.Errorf("quicsink: accept stream: %w", err)
	}
	r := bufio.NewReader(st)
	v, err := quicvarint.Read(r)
	if err != nil {
		return fmt.Errorf("quicsink: read version: %w", err)
	}
	if v != Version {
		return fmt.Errorf("%w: %d", ErrVersion, v)
	}
	var id uuid.UUID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return fmt.Errorf("quicsink: read session: %w", err)
	}
	c.stream, c.r, c.session = st, r, id
	return nil
}

func (c *Client) readFrame() (Frame, error) {
	var fields [4]uint64
	for i := range fields {
		v, err := quicvarint.Read(c.r)
		if err != nil {
			if i == 0 && errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("quicsink: read frame header: %w", err)
		}
		fields[i] = v
	}
	n := fields[3]
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return Frame{}, fmt.Errorf("quicsink: read frame payload: %w", err)
	}
	return Frame{
		Session: c.session,
		Width:   int(fields[0]),
		Height:  int(fields[1]),
		Seq:     fields[2],
		Data:    data,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.CloseWithError(closeShutdown, "")
}
