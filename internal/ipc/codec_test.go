package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchismo/batchismo/internal/domain"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Encode(TextDelta{Content: "he"}))
	require.NoError(t, enc.Encode(TextDelta{Content: "llo"}))
	require.NoError(t, enc.Encode(Error{Message: "done"}))

	dec := NewDecoder(&buf)
	m1, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TextDelta{Content: "he"}, m1)
	m2, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TextDelta{Content: "llo"}, m2)
	m3, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, Error{Message: "done"}, m3)

	_, err = dec.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeOversizeFrameIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:])

	_, err := NewDecoder(&buf).Decode()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestEncodeOversizeFrameRejected(t *testing.T) {
	enc := NewEncoder(io.Discard)
	err := enc.Encode(TextDelta{Content: strings.Repeat("x", MaxFrameSize)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestDecodeZeroLengthFrameIsProtocolError(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, err := NewDecoder(buf).Decode()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestServerAcceptsExactlyOneClient(t *testing.T) {
	path := SocketPath(t.TempDir(), uuid.New())
	srv, err := Listen(path)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type recvResult struct {
		msg Message
		err error
	}
	got := make(chan recvResult, 1)
	go func() {
		conn, err := srv.AcceptOne(ctx)
		if err != nil {
			got <- recvResult{nil, err}
			return
		}
		defer conn.Close()
		m, err := conn.Recv()
		got <- recvResult{m, err}
	}()

	client, err := Dial(ctx, path, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Send(TextDelta{Content: "hi"}))

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, TextDelta{Content: "hi"}, r.msg)

	// A second client connects at the socket level but is closed immediately:
	// reads fail without ever seeing a frame.
	second, err := Dial(ctx, path, 2*time.Second)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Recv()
	assert.Error(t, err)
}

func TestSocketPathIsShort(t *testing.T) {
	p := SocketPath("/home/user/.batchismo/ipc", uuid.New())
	// Unix socket addresses are limited to ~104 bytes on the tightest OS.
	assert.Less(t, len(p), 90)
	assert.True(t, strings.HasSuffix(p, ".sock"))
}
