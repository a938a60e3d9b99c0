// Package stream parses the container engine's multiplexed output stream.
//
// The wire format is a repeating sequence of frames: an 8-byte header
// (1 byte stream type, 3 reserved bytes, 4-byte big-endian payload length)
// followed by the payload bytes. Stdout and stderr share one byte stream and
// are distinguished only by the header.
package stream

import "encoding/binary"

// Type identifies the logical channel of one frame.
type Type byte

const (
	// Stdin is reserved by the wire format and never emitted.
	Stdin Type = 0
	// Stdout carries process standard output.
	Stdout Type = 1
	// Stderr carries process standard error.
	Stderr Type = 2
)

const headerLen = 8

// Chunk is one demultiplexed payload in arrival order.
type Chunk struct {
	Stream Type
	Data   []byte
}

// EncodeFrame builds one wire frame for the given channel and payload.
func EncodeFrame(st Type, payload []byte) []byte {
	frame := make([]byte, headerLen+len(payload))
	frame[0] = byte(st)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[headerLen:], payload)
	return frame
}
