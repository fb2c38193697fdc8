package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrMalformed marks frames that fail structural validation. CRC mismatches
// are NOT malformed: they are flagged on Meta.CRCValid and decoding proceeds,
// because some devices in the field miscompute the checksum.
var ErrMalformed = errors.New("malformed frame")

const (
	// minFrameLen is the smallest legal frame: start(2) + len(1) + proto(1)
	// + serial(2) + crc(2) + stop(2).
	minFrameLen = 10

	// gpsBlockLen is datetime(6) + gps-info(1) + lat(4) + lon(4) + speed(1)
	// + course/status(2).
	gpsBlockLen = 18

	rawCoordDivisor = 1800000.0
)

// Decoder turns a single complete frame into a typed Packet.
type Decoder struct {
	// Clock supplies server time when a device reports an invalid timestamp.
	Clock clockwork.Clock

	// ForceSouthernHemisphere flips any latitude decoded as North to South.
	// Regional workaround for devices that misreport the hemisphere bit.
	ForceSouthernHemisphere bool
}

func (d *Decoder) now() time.Time {
	if d.Clock != nil {
		return d.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// Decode parses one frame already delimited by the Framer.
func (d *Decoder) Decode(frame []byte) (Packet, error) {
	if len(frame) < minFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(frame))
	}
	if !bytes.HasPrefix(frame, startMarker) {
		return nil, fmt.Errorf("%w: bad start marker", ErrMalformed)
	}
	if !bytes.HasSuffix(frame, stopMarker) {
		return nil, fmt.Errorf("%w: bad stop marker", ErrMalformed)
	}
	if int(frame[2])+5 != len(frame) {
		return nil, fmt.Errorf("%w: length field %d for %d-byte frame", ErrMalformed, frame[2], len(frame))
	}

	// CRC covers LEN | PROTO | body, excluding the checksum itself.
	wantCRC := binary.BigEndian.Uint16(frame[len(frame)-4 : len(frame)-2])
	meta := Meta{
		Proto:    frame[3],
		Serial:   binary.BigEndian.Uint16(frame[len(frame)-6 : len(frame)-4]),
		CRCValid: ChecksumITU(frame[2:len(frame)-4]) == wantCRC,
	}

	switch meta.Proto {
	case ProtoLogin:
		return decodeLogin(frame, meta)
	case ProtoLocation:
		pos, err := d.decodePosition(frame)
		if err != nil {
			return nil, err
		}
		return &Location{Meta: meta, Position: pos}, nil
	case ProtoHeartbeat:
		return decodeHeartbeat(frame, meta)
	case ProtoCommandReply:
		return decodeCommandReply(frame, meta)
	case ProtoAlarm:
		return d.decodeAlarm(frame, meta)
	default:
		raw := make([]byte, len(frame))
		copy(raw, frame)
		return &Unknown{Meta: meta, Raw: raw}, nil
	}
}

func decodeLogin(frame []byte, meta Meta) (*Login, error) {
	// start(2) len(1) proto(1) identity(8) serial(2) crc(2) stop(2)
	if len(frame) < 18 {
		return nil, fmt.Errorf("%w: login frame too short", ErrMalformed)
	}
	return &Login{
		Meta:     meta,
		Identity: strings.ToUpper(hex.EncodeToString(frame[4:12])),
	}, nil
}

// decodePosition parses the 18-byte GPS block starting at offset 4.
func (d *Decoder) decodePosition(frame []byte) (Position, error) {
	if len(frame) < 4+gpsBlockLen+6 {
		return Position{}, fmt.Errorf("%w: gps block truncated", ErrMalformed)
	}

	ts, substituted := d.decodeTimestamp(frame[4:10])

	// GPS info byte: high nibble is the field length, low nibble the
	// satellite count (protocol doc 5.2.1.5).
	satellites := frame[10] & 0x0F

	rawLat := binary.BigEndian.Uint32(frame[11:15])
	rawLon := binary.BigEndian.Uint32(frame[15:19])
	lat := float64(rawLat) / rawCoordDivisor
	lon := float64(rawLon) / rawCoordDivisor

	speed := frame[19]

	// Course/status bit layout (bit 0 = LSB):
	//   bits 0-9  course
	//   bit 10    latitude hemisphere, 1 = North
	//   bit 11    longitude hemisphere, 1 = West
	//   bit 12    gps valid
	cs := binary.BigEndian.Uint16(frame[20:22])
	course := cs & 0x03FF
	north := cs&(1<<10) != 0
	west := cs&(1<<11) != 0
	gpsValid := cs&(1<<12) != 0

	if !north {
		lat = -lat
	} else if d.ForceSouthernHemisphere && lat > 0 {
		lat = -lat
	}
	if west {
		lon = -lon
	}

	return Position{
		Timestamp:            ts,
		TimestampSubstituted: substituted,
		Latitude:             lat,
		Longitude:            lon,
		Speed:                speed,
		Course:               course,
		Satellites:           satellites,
		GPSValid:             gpsValid,
	}, nil
}

// decodeTimestamp parses the YY MM DD HH MM SS tuple; an invalid wall clock
// is replaced by server time and flagged.
func (d *Decoder) decodeTimestamp(b []byte) (time.Time, bool) {
	year := 2000 + int(b[0])
	month := int(b[1])
	day := int(b[2])
	hour, minute, sec := int(b[3]), int(b[4]), int(b[5])

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 59 {
		return d.now(), true
	}
	ts := time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC)
	// time.Date normalizes overflow (e.g. Feb 30), which would silently shift
	// the date; treat that as invalid too.
	if ts.Day() != day || int(ts.Month()) != month {
		return d.now(), true
	}
	return ts, false
}

func decodeHeartbeat(frame []byte, meta Meta) (*Heartbeat, error) {
	// start(2) len(1) proto(1) terminal(1) voltage(1) gsm(1) alarm(1)
	// language(1) serial(2) crc(2) stop(2) = 15 bytes.
	if len(frame) < 15 {
		return nil, fmt.Errorf("%w: heartbeat frame too short", ErrMalformed)
	}
	voltage := frame[5]
	gsm := frame[6]
	return &Heartbeat{
		Meta:           meta,
		TerminalInfo:   decodeTerminalInfo(frame[4]),
		VoltageLevel:   voltage,
		BatteryPercent: BatteryPercent(voltage),
		GSMSignal:      gsm,
		GSMBars:        GSMBars(gsm),
		AlarmCode:      frame[7],
		Language:       frame[8],
	}, nil
}

func (d *Decoder) decodeAlarm(frame []byte, meta Meta) (*Alarm, error) {
	pos, err := d.decodePosition(frame)
	if err != nil {
		return nil, err
	}

	// The LBS length byte sits right after the GPS block and includes itself;
	// the status block (terminal info, voltage, gsm, alarm, language) follows.
	const lbsLenOffset = 4 + gpsBlockLen
	if len(frame) <= lbsLenOffset {
		return nil, fmt.Errorf("%w: alarm missing lbs block", ErrMalformed)
	}
	statusOffset := lbsLenOffset + int(frame[lbsLenOffset])
	alarmOffset := statusOffset + 3
	if len(frame) <= alarmOffset {
		return nil, fmt.Errorf("%w: alarm status block truncated", ErrMalformed)
	}

	voltage := frame[statusOffset+1]
	return &Alarm{
		Meta:           meta,
		Position:       pos,
		TerminalInfo:   decodeTerminalInfo(frame[statusOffset]),
		Kind:           AlarmKind(frame[alarmOffset]),
		VoltageLevel:   voltage,
		BatteryPercent: BatteryPercent(voltage),
		GSMBars:        GSMBars(frame[statusOffset+2]),
	}, nil
}

func decodeCommandReply(frame []byte, meta Meta) (*CommandReply, error) {
	// start(2) len(1) proto(1) cmdlen(1) flag(4) content(cmdlen-4)
	// language(2) serial(2) crc(2) stop(2)
	if len(frame) < 17 {
		return nil, fmt.Errorf("%w: command reply too short", ErrMalformed)
	}
	cmdLen := int(frame[4])
	contentLen := cmdLen - 4
	if contentLen < 0 || len(frame) < 9+contentLen+8 {
		return nil, fmt.Errorf("%w: command reply content truncated", ErrMalformed)
	}
	return &CommandReply{
		Meta:       meta,
		ServerFlag: binary.BigEndian.Uint32(frame[5:9]),
		Content:    string(frame[9 : 9+contentLen]),
		Language:   binary.BigEndian.Uint16(frame[9+contentLen : 11+contentLen]),
	}, nil
}
