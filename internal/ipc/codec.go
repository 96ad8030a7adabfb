package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/batchismo/batchismo/internal/domain"
)

// MaxFrameSize bounds a single frame: a 4-byte big-endian length prefix
// followed by that many bytes of UTF-8 JSON. Oversize frames terminate the
// session with a protocol error.
const MaxFrameSize = 8 << 20

// Encoder writes length-prefixed envelopes. Safe for concurrent use.
type Encoder struct {
	w  io.Writer
	mu sync.Mutex
}

// NewEncoder creates an encoder for the given writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode frames and writes one message.
func (e *Encoder) Encode(m Message) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", domain.ErrProtocol, len(data))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := e.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed envelopes.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder for the given reader.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Decode reads the next message. Returns io.EOF when the peer closed the
// connection cleanly between frames.
func (d *Decoder) Decode() (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(d.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", domain.ErrProtocol)
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", domain.ErrProtocol, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return Unmarshal(data)
}
