package protocol

import "bytes"

// Framer reassembles complete frames from a TCP byte stream. One Framer is
// owned by one connection; it is not safe for concurrent use.
type Framer struct {
	buf       []byte
	discarded int
}

// Push appends stream bytes and returns every complete frame now available,
// in arrival order. Bytes before a start marker are discarded; when no marker
// is present the buffer is reduced to its last byte so a marker split across
// reads still reassembles.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)

	var frames [][]byte
	for {
		i := bytes.Index(f.buf, startMarker)
		if i < 0 {
			if len(f.buf) > 1 {
				f.discarded += len(f.buf) - 1
				f.buf = f.buf[len(f.buf)-1:]
			}
			return frames
		}
		if i > 0 {
			f.discarded += i
			f.buf = f.buf[i:]
		}
		if len(f.buf) < 3 {
			return frames
		}
		// Total on-wire length = LEN + 5 (start, length byte, stop).
		total := int(f.buf[2]) + 5
		if len(f.buf) < total {
			return frames
		}
		frame := make([]byte, total)
		copy(frame, f.buf[:total])
		f.buf = f.buf[total:]
		frames = append(frames, frame)
	}
}

// DiscardedBytes reports how many stream bytes were dropped while hunting for
// start markers.
func (f *Framer) DiscardedBytes() int { return f.discarded }

// Buffered reports how many bytes are waiting for frame completion.
func (f *Framer) Buffered() int { return len(f.buf) }
