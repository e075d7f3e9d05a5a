package mqttclient

import (
	"io"
	"sync"
)

// Frame size limits. A payload may use at most MaxFrameSize minus the room
// reserved for the fixed header and packet identifier.
const (
	MaxFrameSize    = 4 * 1024
	MaxFramePayload = MaxFrameSize - 8
)

// framePool reuses encode buffers for outbound frames.
var framePool = sync.Pool{
	New: func() any {
		return &Frame{data: make([]byte, 0, MaxFrameSize)}
	},
}

// Frame is an encoded control packet waiting to be written to a transport.
type Frame struct {
	data []byte
}

// NewFrame returns an empty pooled frame. Release it when done.
func NewFrame() *Frame {
	f := framePool.Get().(*Frame)
	f.data = f.data[:0]
	return f
}

// Put encodes args into the frame with codec.
// Returns ErrFrameTooLarge when the encoded packet exceeds MaxFrameSize.
func (f *Frame) Put(codec FrameCodec, args PacketArgs) error {
	f.data = f.data[:0]
	if err := codec.Encode(f, args); err != nil {
		f.data = f.data[:0]
		return err
	}
	if len(f.data) > MaxFrameSize {
		f.data = f.data[:0]
		return ErrFrameTooLarge
	}
	return nil
}

// Write implements io.Writer for the codec.
func (f *Frame) Write(p []byte) (int, error) {
	f.data = append(f.data, p...)
	return len(p), nil
}

// Bytes returns the encoded frame.
func (f *Frame) Bytes() []byte {
	return f.data
}

// Len returns the encoded frame length.
func (f *Frame) Len() int {
	return len(f.data)
}

// Send writes the whole frame to w.
func (f *Frame) Send(w io.Writer) (int, error) {
	n := 0
	for n < len(f.data) {
		m, err := w.Write(f.data[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrShortWrite
		}
	}
	return n, nil
}

// Release returns the frame to the pool. The frame must not be used afterwards.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	// Do not keep buffers grown past the frame limit.
	if cap(f.data) > MaxFrameSize*2 {
		return
	}
	f.data = f.data[:0]
	framePool.Put(f)
}
