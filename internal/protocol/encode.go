package protocol

import "encoding/binary"

// EncodeAck builds the acknowledgement frame for an inbound packet, echoing
// its protocol number and serial: LEN=5, CRC over LEN|PROTO|serial.
func EncodeAck(proto byte, serial uint16) []byte {
	frame := make([]byte, 0, 10)
	frame = append(frame, startMarker...)
	frame = append(frame, 0x05, proto)
	frame = binary.BigEndian.AppendUint16(frame, serial)
	frame = binary.BigEndian.AppendUint16(frame, ChecksumITU(frame[2:]))
	return append(frame, stopMarker...)
}

// EncodeCommand builds an outbound ServerCommand (0x80) frame. The command
// length field is 4 (server flag) plus the ASCII content; unlike the device's
// 0x15 reply, the outbound frame carries no language field.
func EncodeCommand(content string, serverFlag uint32, serial uint16) []byte {
	frame := make([]byte, 0, 17+len(content))
	frame = append(frame, startMarker...)
	frame = append(frame, byte(10+len(content)), ProtoCommand, byte(4+len(content)))
	frame = binary.BigEndian.AppendUint32(frame, serverFlag)
	frame = append(frame, content...)
	frame = binary.BigEndian.AppendUint16(frame, serial)
	frame = binary.BigEndian.AppendUint16(frame, ChecksumITU(frame[2:]))
	return append(frame, stopMarker...)
}
