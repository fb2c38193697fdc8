package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFrame seals a body into a complete wire frame. LEN covers protocol
// number through CRC.
func buildFrame(t *testing.T, proto byte, body []byte, serial uint16) []byte {
	t.Helper()
	frame := []byte{0x78, 0x78, byte(1 + len(body) + 4), proto}
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint16(frame, serial)
	frame = binary.BigEndian.AppendUint16(frame, ChecksumITU(frame[2:]))
	return append(frame, 0x0D, 0x0A)
}

func loginBody() []byte {
	return []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}
}

func TestProtocol_Framer_SingleFrame(t *testing.T) {
	t.Parallel()

	frame := buildFrame(t, ProtoLogin, loginBody(), 1)

	var f Framer
	frames := f.Push(frame)
	require.Len(t, frames, 1)
	require.Equal(t, frame, frames[0])
	require.Zero(t, f.Buffered())
}

func TestProtocol_Framer_ResyncDiscardsLeadingGarbage(t *testing.T) {
	t.Parallel()

	frame := buildFrame(t, ProtoLogin, loginBody(), 1)
	stream := append([]byte{0xAA, 0xBB}, frame...)

	var f Framer
	frames := f.Push(stream)
	require.Len(t, frames, 1)
	require.Equal(t, frame, frames[0])
	require.Equal(t, 2, f.DiscardedBytes())
}

func TestProtocol_Framer_SplitAcrossReads(t *testing.T) {
	t.Parallel()

	frame := buildFrame(t, ProtoLogin, loginBody(), 1)

	var f Framer
	require.Empty(t, f.Push(frame[:10]))
	frames := f.Push(frame[10:])
	require.Len(t, frames, 1)
	require.Equal(t, frame, frames[0])
}

func TestProtocol_Framer_StartMarkerSplitAcrossReads(t *testing.T) {
	t.Parallel()

	frame := buildFrame(t, ProtoHeartbeat, []byte{0x47, 0x05, 0x03, 0x00, 0x01}, 9)

	var f Framer
	// Garbage ending in the first marker byte: the framer must keep that
	// trailing byte so the marker reassembles on the next read.
	require.Empty(t, f.Push([]byte{0xFF, 0xFE, 0x78}))
	frames := f.Push(frame[1:])
	require.Len(t, frames, 1)
	require.Equal(t, frame, frames[0])
}

func TestProtocol_Framer_MultipleFramesInOneRead(t *testing.T) {
	t.Parallel()

	a := buildFrame(t, ProtoHeartbeat, []byte{0x47, 0x05, 0x03, 0x00, 0x01}, 2)
	b := buildFrame(t, ProtoLogin, loginBody(), 3)

	var f Framer
	frames := f.Push(append(append([]byte{}, a...), b...))
	require.Len(t, frames, 2)
	require.Equal(t, a, frames[0])
	require.Equal(t, b, frames[1])
}

func TestProtocol_Framer_GarbageOnlyKeepsLastByte(t *testing.T) {
	t.Parallel()

	var f Framer
	require.Empty(t, f.Push([]byte{0x01, 0x02, 0x03, 0x04}))
	require.Equal(t, 1, f.Buffered())
}
