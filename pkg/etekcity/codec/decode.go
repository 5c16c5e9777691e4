package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	frameMagic = 0xA5

	typeDeviceToClient = 0x02
	typeClientToDevice = 0x22

	headerLen      = 6
	checksumOffset = 5
	commandLen     = 4
	bodyOffset     = headerLen + commandLen

	measurementFrameLen = 22
	unitFrameLen        = 11
	versionFrameLen     = 15

	gramsPerKilogram = 1000.

	// Notifications report kilograms with 10g resolution
	notificationResolution = 2
)

// Command codes (bytes 6..9 of a frame, read as big-endian for readability)
const (
	CmdVersion     uint32 = 0x0161a000
	CmdMeasurement uint32 = 0x0161a100
	CmdSetUnit     uint32 = 0x0161a200
)

// Checksum computes the frame checksum over all bytes except the checksum
// byte itself: 0xFF minus the byte sum (mod 256)
func Checksum(frame []byte) byte {
	var sum byte
	for i, b := range frame {
		if i == checksumOffset {
			continue
		}
		sum += b
	}
	return 0xFF - sum
}

func decodeNotification(data []byte) ([]Frame, error) {

	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrTruncated, len(data), headerLen)
	}

	// The checksum is validated before anything else, so that any corruption of
	// the header is reported as such (instead of a seemingly unknown frame)
	if cs := Checksum(data); cs != data[checksumOffset] {
		return nil, fmt.Errorf("%w: computed 0x%02x, frame carries 0x%02x", ErrChecksumMismatch, cs, data[checksumOffset])
	}

	if data[0] != frameMagic {
		return nil, fmt.Errorf("%w: unexpected magic byte 0x%02x", ErrMalformed, data[0])
	}
	if data[1] != typeDeviceToClient && data[1] != typeClientToDevice {
		return nil, fmt.Errorf("%w: unexpected frame type 0x%02x", ErrMalformed, data[1])
	}
	l := int(binary.LittleEndian.Uint16(data[3:5]))
	if l > len(data)-headerLen {
		return nil, fmt.Errorf("%w: length field %d exceeds payload length %d", ErrTruncated, l, len(data)-headerLen)
	}
	if l < len(data)-headerLen {
		return nil, fmt.Errorf("%w: length field %d does not match payload length %d", ErrMalformed, l, len(data)-headerLen)
	}
	if len(data) < bodyOffset {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d for the command code", ErrTruncated, len(data), bodyOffset)
	}

	cmd := binary.BigEndian.Uint32(data[headerLen:bodyOffset])
	switch cmd {
	case CmdMeasurement:
		return decodeMeasurement(data)
	case CmdSetUnit:
		return decodeUnit(data)
	case CmdVersion:
		return decodeVersion(data)
	}

	return []Frame{Unrecognized{
		Command: cmd,
		Data:    append([]byte(nil), data[bodyOffset:]...),
	}}, nil
}

func decodeMeasurement(data []byte) ([]Frame, error) {
	if len(data) < measurementFrameLen {
		return nil, fmt.Errorf("%w: measurement frame has %d bytes, need %d", ErrTruncated, len(data), measurementFrameLen)
	}

	stability := StabilityUnsettled
	if data[19] == 1 {
		stability = StabilitySettled
	}
	frames := []Frame{WeightSample{
		Raw:        readUint24(data[10:13]),
		Stability:  stability,
		Resolution: notificationResolution,
	}}

	if data[20] == 1 {
		if imp := binary.LittleEndian.Uint16(data[13:15]); imp != 0 {
			frames = append(frames, ImpedanceSample{Raw: imp})
		}
	}

	if unit := unitFromWire(data[21]); unit.Valid() {
		frames = append(frames, UnitAck{Unit: unit})
	}

	return frames, nil
}

func decodeUnit(data []byte) ([]Frame, error) {
	if len(data) < unitFrameLen {
		return nil, fmt.Errorf("%w: unit frame has %d bytes, need %d", ErrTruncated, len(data), unitFrameLen)
	}

	unit := unitFromWire(data[10])
	if !unit.Valid() {
		return []Frame{Unrecognized{
			Command: CmdSetUnit,
			Data:    append([]byte(nil), data[bodyOffset:]...),
		}}, nil
	}

	return []Frame{UnitAck{Unit: unit}}, nil
}

func decodeVersion(data []byte) ([]Frame, error) {
	if len(data) < versionFrameLen {
		return nil, fmt.Errorf("%w: version frame has %d bytes, need %d", ErrTruncated, len(data), versionFrameLen)
	}

	return []Frame{VersionInfo{
		HW: fmt.Sprintf("%d.%d", data[10], data[11]),
		SW: fmt.Sprintf("%d.%d.%d", data[12], data[13], data[14]),
	}}, nil
}

func readUint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
