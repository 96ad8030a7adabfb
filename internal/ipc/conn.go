package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// SocketPath derives the per-session channel address under the data root's
// IPC namespace. The session id is shortened to keep the path well under
// the unix socket address limit.
func SocketPath(ipcDir string, sessionID uuid.UUID) string {
	short := sessionID.String()[:8]
	return filepath.Join(ipcDir, "agent-"+short+".sock")
}

// Conn is a bidirectional envelope channel over one accepted connection.
type Conn struct {
	raw net.Conn
	enc *Encoder
	dec *Decoder
}

func newConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, enc: NewEncoder(raw), dec: NewDecoder(raw)}
}

// Send writes one message.
func (c *Conn) Send(m Message) error { return c.enc.Encode(m) }

// Recv reads the next message. io.EOF signals a clean close.
func (c *Conn) Recv() (Message, error) { return c.dec.Decode() }

// Close shuts the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// Server listens on a per-session socket and accepts exactly one client —
// the child agent of the current turn. Excess connections are rejected.
type Server struct {
	path string
	ln   net.Listener
}

// Listen binds the per-session address, replacing any stale socket file
// left by a crashed predecessor.
func Listen(path string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ipc dir: %w", err)
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return &Server{path: path, ln: ln}, nil
}

// Path returns the bound socket path.
func (s *Server) Path() string { return s.path }

// AcceptOne waits for the agent to connect, then stops accepting: the
// listener keeps rejecting later dials by closing them immediately.
func (s *Server) AcceptOne(ctx context.Context) (*Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := s.ln.Accept()
		ch <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		s.ln.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("accept agent: %w", r.err)
		}
		go s.rejectExtras()
		return newConn(r.conn), nil
	}
}

// rejectExtras drains and closes any further connection attempts until the
// listener itself is closed.
func (s *Server) rejectExtras() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		c.Close()
	}
}

// Close stops the listener and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.path)
	return err
}

// Dial connects the agent side to the gateway's per-session socket,
// retrying briefly while the server finishes binding.
func Dial(ctx context.Context, path string, timeout time.Duration) (*Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			return newConn(raw), nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("dial %s: %w", path, lastErr)
}
