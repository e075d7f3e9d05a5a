package mqttclient

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkWriter accepts at most n bytes per Write.
type chunkWriter struct {
	n   int
	buf bytes.Buffer
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > w.n {
		p = p[:w.n]
	}
	return w.buf.Write(p)
}

type zeroWriter struct{}

func (zeroWriter) Write([]byte) (int, error) { return 0, nil }

type failWriter struct{ err error }

func (w failWriter) Write([]byte) (int, error) { return 0, w.err }

func TestFramePut(t *testing.T) {
	f := NewFrame()
	defer f.Release()

	require.NoError(t, f.Put(PahoCodec{}, &PingreqArgs{}))
	assert.Equal(t, []byte{0xc0, 0x00}, f.Bytes())
	assert.Equal(t, 2, f.Len())

	// Put replaces the previous content.
	require.NoError(t, f.Put(PahoCodec{}, &PubackArgs{ID: 1}))
	assert.Equal(t, []byte{0x40, 0x02, 0x00, 0x01}, f.Bytes())
}

func TestFramePutTooLarge(t *testing.T) {
	f := NewFrame()
	defer f.Release()

	args := &PublishArgs{
		ID:      1,
		Topic:   "t",
		Payload: []byte(strings.Repeat("x", MaxFrameSize)),
		QoS:     QoSAtLeastOnce,
	}
	assert.ErrorIs(t, f.Put(PahoCodec{}, args), ErrFrameTooLarge)
	assert.Zero(t, f.Len())
}

func TestFramePutLimit(t *testing.T) {
	f := NewFrame()
	defer f.Release()

	// Largest payload Publish accepts for a one byte topic.
	args := &PublishArgs{
		ID:      1,
		Topic:   "t",
		Payload: make([]byte, MaxFramePayload-5),
		QoS:     QoSAtLeastOnce,
	}
	require.NoError(t, f.Put(PahoCodec{}, args))
	assert.LessOrEqual(t, f.Len(), MaxFrameSize)
}

func TestFramePutCodecError(t *testing.T) {
	f := NewFrame()
	defer f.Release()

	assert.ErrorIs(t, f.Put(PahoCodec{}, nil), ErrInvalidPacketType)
	assert.Zero(t, f.Len())
}

func TestFrameSend(t *testing.T) {
	t.Run("partial writes", func(t *testing.T) {
		f := NewFrame()
		defer f.Release()
		require.NoError(t, f.Put(PahoCodec{}, &SubscribeArgs{ID: 1, TopicFilter: "a/b/c", QoS: QoSAtLeastOnce}))

		w := &chunkWriter{n: 3}
		n, err := f.Send(w)
		require.NoError(t, err)
		assert.Equal(t, f.Len(), n)
		assert.Equal(t, f.Bytes(), w.buf.Bytes())
	})

	t.Run("zero write", func(t *testing.T) {
		f := NewFrame()
		defer f.Release()
		require.NoError(t, f.Put(PahoCodec{}, &PingreqArgs{}))

		_, err := f.Send(zeroWriter{})
		assert.ErrorIs(t, err, io.ErrShortWrite)
	})

	t.Run("write error", func(t *testing.T) {
		f := NewFrame()
		defer f.Release()
		require.NoError(t, f.Put(PahoCodec{}, &PingreqArgs{}))

		boom := errors.New("boom")
		_, err := f.Send(failWriter{err: boom})
		assert.ErrorIs(t, err, boom)
	})
}

func TestFrameRelease(t *testing.T) {
	var f *Frame
	assert.NotPanics(t, f.Release)

	f = NewFrame()
	require.NoError(t, f.Put(PahoCodec{}, &PingreqArgs{}))
	f.Release()

	g := NewFrame()
	defer g.Release()
	assert.Zero(t, g.Len())
}

func BenchmarkFramePublish(b *testing.B) {
	args := &PublishArgs{ID: 1, Topic: "sensors/temp", Payload: make([]byte, 256), QoS: QoSAtLeastOnce}

	b.ReportAllocs()
	for b.Loop() {
		f := NewFrame()
		if err := f.Put(PahoCodec{}, args); err != nil {
			b.Fatal(err)
		}
		if _, err := f.Send(io.Discard); err != nil {
			b.Fatal(err)
		}
		f.Release()
	}
}
