package protocol

import "time"

// Protocol numbers.
const (
	ProtoLogin        = 0x01
	ProtoLocation     = 0x12
	ProtoHeartbeat    = 0x13
	ProtoCommandReply = 0x15
	ProtoAlarm        = 0x16
	ProtoCommand      = 0x80 // outbound only
)

var (
	startMarker = []byte{0x78, 0x78}
	stopMarker  = []byte{0x0D, 0x0A}
)

// Meta carries the framing fields common to every decoded packet. CRCValid is
// advisory: some devices miscompute the checksum, so a mismatch does not abort
// decoding.
type Meta struct {
	Proto    byte
	Serial   uint16
	CRCValid bool
}

func (m Meta) Header() Meta { return m }

// Packet is one decoded inbound frame. Callers type-switch on the concrete
// type: *Login, *Location, *Heartbeat, *Alarm, *CommandReply or *Unknown.
type Packet interface {
	Header() Meta
}

// Login (0x01) announces the device identity: 8 BCD bytes rendered as 16
// uppercase hex characters, leading zeros preserved.
type Login struct {
	Meta
	Identity string
}

// Position is the decoded 18-byte GPS block shared by Location and Alarm
// packets. Latitude and longitude are signed degrees; raw wire values are
// divided by 1,800,000 and signed by the hemisphere bits.
type Position struct {
	Timestamp            time.Time
	TimestampSubstituted bool // device clock was invalid, server time used
	Latitude             float64
	Longitude            float64
	Speed                uint8 // km/h
	Course               uint16
	Satellites           uint8
	GPSValid             bool
}

// Location (0x12) is a periodic position report.
type Location struct {
	Meta
	Position
}

// AlarmKind is the alarm dictionary of the 0x16 packet.
type AlarmKind uint8

const (
	AlarmNormal AlarmKind = iota
	AlarmSOS
	AlarmPowerCut
	AlarmShock
	AlarmGeofenceEnter
	AlarmGeofenceExit
	AlarmOverSpeed
	AlarmIgnitionOn
	AlarmIgnitionOff
	AlarmAcOn
	AlarmAcOff
)

var alarmKindNames = map[AlarmKind]string{
	AlarmNormal:        "Normal",
	AlarmSOS:           "SOS",
	AlarmPowerCut:      "Power cut",
	AlarmShock:         "Shock",
	AlarmGeofenceEnter: "Enter fence",
	AlarmGeofenceExit:  "Exit fence",
	AlarmOverSpeed:     "Over speed",
	AlarmIgnitionOn:    "Ignition on",
	AlarmIgnitionOff:   "Ignition off",
	AlarmAcOn:          "AC on",
	AlarmAcOff:         "AC off",
}

func (k AlarmKind) String() string {
	if name, ok := alarmKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// TerminalInfo is the status bitfield carried by Heartbeat and Alarm packets.
type TerminalInfo struct {
	Activated         bool
	ACCOn             bool
	Charging          bool
	AlarmBits         uint8 // bits 3-5: 0 normal, 1 shock, 2 power cut, 3 low battery, 4 SOS
	GPSTracking       bool
	OilElectricityCut bool
}

func decodeTerminalInfo(b byte) TerminalInfo {
	return TerminalInfo{
		Activated:         b&0x01 != 0,
		ACCOn:             b&0x02 != 0,
		Charging:          b&0x04 != 0,
		AlarmBits:         (b >> 3) & 0x07,
		GPSTracking:       b&0x40 != 0,
		OilElectricityCut: b&0x80 != 0,
	}
}

// batteryPercent maps the 0-6 voltage bucket to a percentage.
var batteryPercent = [7]int{0, 10, 25, 40, 60, 80, 100}

// BatteryPercent returns the percentage for a voltage bucket. Out-of-range
// buckets report 50.
func BatteryPercent(voltage uint8) int {
	if int(voltage) < len(batteryPercent) {
		return batteryPercent[voltage]
	}
	return 50
}

// GSMBars clamps the GSM signal field to the 0-4 bar scale.
func GSMBars(gsm uint8) int {
	if gsm > 4 {
		return 4
	}
	return int(gsm)
}

// Heartbeat (0x13) reports device status; it carries no position and is not
// persisted as a location row.
type Heartbeat struct {
	Meta
	TerminalInfo
	VoltageLevel   uint8 // 0-6
	BatteryPercent int
	GSMSignal      uint8 // 0-4
	GSMBars        int
	AlarmCode      uint8
	Language       uint8
}

// Alarm (0x16) is a position report with an alarm kind and the status block
// located after the variable-length LBS section.
type Alarm struct {
	Meta
	Position
	TerminalInfo
	Kind           AlarmKind
	VoltageLevel   uint8
	BatteryPercent int
	GSMBars        int
}

// CommandReply (0x15) is the device's asynchronous answer to a ServerCommand,
// echoing the server flag chosen on send.
type CommandReply struct {
	Meta
	ServerFlag uint32
	Content    string
	Language   uint16
}

// Unknown is a structurally sound frame with an unrecognized protocol number.
type Unknown struct {
	Meta
	Raw []byte
}
