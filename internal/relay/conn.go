package relay

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rcarmo/rdp-relay/internal/protocol/framing"
)

// Connection wraps one leg's socket with the RDP framer. Reads happen from
// a single goroutine per leg; writes may come from either side of the
// session and are serialized by the write lock. The underlying conn can be
// swapped for its TLS-wrapped form mid-sequence, which is why writers go
// through the lock as well.
type Connection struct {
	mu   sync.Mutex
	conn net.Conn

	framer  *framing.Framer
	pending []framing.Frame
	readBuf []byte

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewConnection wraps an accepted or dialed socket.
func NewConnection(conn net.Conn, readBufferSize int) *Connection {
	if readBufferSize <= 0 {
		readBufferSize = 64 * 1024
	}

	return &Connection{
		conn:    conn,
		framer:  framing.New(),
		readBuf: make([]byte, readBufferSize),
	}
}

// ReadFrame returns the next complete frame, reading from the socket as
// needed.
func (c *Connection) ReadFrame() (framing.Frame, error) {
	for {
		if len(c.pending) > 0 {
			frame := c.pending[0]
			c.pending = c.pending[1:]

			return frame, nil
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		n, err := conn.Read(c.readBuf)
		if n > 0 {
			c.bytesIn.Add(uint64(n)) // #nosec G115

			frames, ferr := c.framer.Feed(c.readBuf[:n])
			if ferr != nil {
				return framing.Frame{}, ferr
			}

			c.pending = append(c.pending, frames...)
		}

		if err != nil {
			if len(c.pending) > 0 {
				continue // drain what we have before reporting the close
			}

			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return framing.Frame{}, ErrConnectionClosed
			}

			return framing.Frame{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
	}
}

// WriteFrame serializes and writes one frame.
func (c *Connection) WriteFrame(frame framing.Frame) error {
	return c.WriteWire(framing.Wrap(frame))
}

// WriteWire writes already-framed bytes.
func (c *Connection) WriteWire(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.conn.Write(p)
	c.bytesOut.Add(uint64(n)) // #nosec G115

	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	return nil
}

// StartTLSServer upgrades the leg as the TLS server. The framer must be
// empty: the peer's next bytes are the TLS client hello, not RDP frames.
func (c *Connection) StartTLSServer(cfg *tls.Config) error {
	if c.framer.Buffered() > 0 || len(c.pending) > 0 {
		return fmt.Errorf("%w: data before tls upgrade", ErrUnexpectedPDU)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls accept: %w", err)
	}

	c.conn = tlsConn

	return nil
}

// StartTLSClient upgrades the leg as the TLS client and returns the
// certificate chain the server presented.
func (c *Connection) StartTLSClient(cfg *tls.Config) ([][]byte, error) {
	if c.framer.Buffered() > 0 || len(c.pending) > 0 {
		return nil, fmt.Errorf("%w: data before tls upgrade", ErrUnexpectedPDU)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tls dial: %w", err)
	}

	var chain [][]byte
	for _, cert := range tlsConn.ConnectionState().PeerCertificates {
		chain = append(chain, cert.Raw)
	}

	c.conn = tlsConn

	return chain, nil
}

// BytesIn returns the bytes read from this leg.
func (c *Connection) BytesIn() uint64 { return c.bytesIn.Load() }

// BytesOut returns the bytes written to this leg.
func (c *Connection) BytesOut() uint64 { return c.bytesOut.Load() }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn.RemoteAddr()
}

// Close closes the socket. Safe to call from any goroutine, repeatedly.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}
