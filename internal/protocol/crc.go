// Package protocol implements the framed binary wire protocol spoken by the
// trackers: CRC-ITU sealed packets delimited by 0x7878 ... 0x0D0A, with a
// one-byte length field covering protocol number through checksum.
package protocol

// ChecksumITU computes the reflected CRC-16/ITU used by the trackers
// (seed 0xFFFF, polynomial 0x8408, final XOR 0xFFFF). It is carried
// big-endian on the wire.
func ChecksumITU(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ 0xFFFF
}
