package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtocol_ChecksumITU_KnownVector(t *testing.T) {
	t.Parallel()

	// Standard CRC-16/X-25 check value.
	require.Equal(t, uint16(0x906E), ChecksumITU([]byte("123456789")))
}

func TestProtocol_ChecksumITU_Empty(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint16(0x0000), ChecksumITU(nil))
}

func TestProtocol_ChecksumITU_SingleByte(t *testing.T) {
	t.Parallel()

	// Byte-order sensitivity: a single zero byte must not checksum to zero.
	require.NotEqual(t, uint16(0x0000), ChecksumITU([]byte{0x00}))
}
