package codec

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (

	// CompanyID denotes the Bluetooth SIG company identifier used by Etekcity / VeSync
	CompanyID uint16 = 0x06D0

	advertisementLen  = 20
	advertisementType = 0x01

	// Advertisements report kilograms with 1g resolution
	advertisementResolution = 3
)

var advertisementSignature = []byte{0xC0, 0xA8, 0x01}

// SplitManufacturerData splits raw manufacturer specific data (as carried in
// an advertisement, prefixed by the little-endian company identifier)
func SplitManufacturerData(data []byte) (companyID uint16, payload []byte, ok bool) {
	if len(data) < 2 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint16(data[:2]), data[2:], true
}

// AdvertisedMAC returns the MAC address embedded in an advertisement payload
// (stored in reverse byte order), formatted as AA:BB:CC:DD:EE:FF
func AdvertisedMAC(payload []byte) (string, bool) {
	if len(payload) < 7 || payload[0] != advertisementType {
		return "", false
	}

	parts := make([]string, 0, 6)
	for i := 6; i >= 1; i-- {
		parts = append(parts, fmt.Sprintf("%02X", payload[i]))
	}
	return strings.Join(parts, ":"), true
}

// NormalizeAddress normalizes a Bluetooth address for comparison
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.NewReplacer("-", ":", ".", ":").Replace(strings.TrimSpace(addr)))
}

func decodeAdvertisement(data []byte) ([]Frame, error) {
	if len(data) < advertisementLen {
		return nil, fmt.Errorf("%w: advertisement has %d bytes, need %d", ErrTruncated, len(data), advertisementLen)
	}

	// Advertisements carry no checksum, the fixed type and signature bytes
	// serve as validation of the layout
	if data[0] != advertisementType || data[7] != advertisementSignature[0] ||
		data[8] != advertisementSignature[1] || data[9] != advertisementSignature[2] {
		return nil, fmt.Errorf("%w: unexpected advertisement signature `%x`", ErrChecksumMismatch, data[7:10])
	}

	imp := binary.LittleEndian.Uint16(data[13:15])

	// Impedance is only measured once the weight has settled, hence its presence
	// is the (coarse) stability indicator of this layout
	stability := StabilityUnknown
	if imp != 0 {
		stability = StabilitySettled
	}

	frames := []Frame{WeightSample{
		Raw:        readUint24(data[10:13]),
		Stability:  stability,
		Resolution: advertisementResolution,
	}}
	if imp != 0 {
		frames = append(frames, ImpedanceSample{Raw: imp})
	}

	return frames, nil
}
