package stream

import "encoding/binary"

// Demuxer incrementally splits a multiplexed byte stream into stdout and
// stderr chunks. Input may be fed in arbitrary pieces: a header or payload
// split across reads is buffered until the frame completes. Frames with an
// unrecognized stream type are consumed and dropped; zero-length payloads
// produce no chunk.
type Demuxer struct {
	emit func(Chunk)
	buf  []byte
}

// NewDemuxer creates a demuxer delivering complete chunks to emit.
func NewDemuxer(emit func(Chunk)) *Demuxer {
	return &Demuxer{emit: emit}
}

// Write feeds the next piece of the raw stream. It never fails; malformed
// framing surfaces as dropped frames, not stream termination.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	for {
		if len(d.buf) < headerLen {
			return len(p), nil
		}
		payloadLen := int(binary.BigEndian.Uint32(d.buf[4:8]))
		if len(d.buf) < headerLen+payloadLen {
			return len(p), nil
		}
		st := Type(d.buf[0])
		payload := d.buf[headerLen : headerLen+payloadLen]
		if (st == Stdout || st == Stderr) && payloadLen > 0 && d.emit != nil {
			out := make([]byte, payloadLen)
			copy(out, payload)
			d.emit(Chunk{Stream: st, Data: out})
		}
		d.buf = d.buf[headerLen+payloadLen:]
	}
}

// Pending returns the number of buffered bytes awaiting frame completion.
func (d *Demuxer) Pending() int {
	return len(d.buf)
}
