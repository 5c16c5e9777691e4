// Package codec decodes the vendor byte payloads of Etekcity fitness scales
// (connected notifications and advertisement frames) into typed frames and
// encodes outgoing commands
package codec

import (
	"errors"
	"fmt"
	"math"

	"github.com/fako1024/btfitscale/pkg/scale"
)

var (

	// ErrTruncated denotes a payload shorter than its frame type requires
	ErrTruncated = errors.New("truncated frame")

	// ErrChecksumMismatch denotes a payload failing checksum / signature validation
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrMalformed denotes a payload with an inconsistent header
	ErrMalformed = errors.New("malformed frame")
)

// DecodeError denotes a failure to decode a raw payload
type DecodeError struct {
	Origin scale.Origin
	Data   []byte
	Err    error
}

// Error implements the error interface
func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s payload `%x`: %s", e.Origin, e.Data, e.Err)
}

// Unwrap returns the underlying (sentinel) error
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Stability denotes the stability information carried by a weight sample
type Stability int

const (

	// StabilityUnknown denotes a sample without a stability indicator
	StabilityUnknown Stability = iota

	// StabilityUnsettled denotes a sample the device reports as fluctuating
	StabilityUnsettled

	// StabilitySettled denotes a sample the device reports as stable
	StabilitySettled
)

// Frame denotes a decoded frame, one of WeightSample, ImpedanceSample,
// VersionInfo, UnitAck or Unrecognized
type Frame interface {
	frame()
}

// WeightSample denotes a (possibly transient) weight reading
type WeightSample struct {
	Raw       uint32 // grams
	Stability Stability

	// Resolution denotes the number of decimals the layout reports kilograms with
	Resolution int
}

// Kilograms returns the weight in kilograms, rounded to the resolution of the layout
func (w WeightSample) Kilograms() float64 {
	p := math.Pow10(w.Resolution)
	return math.Round(float64(w.Raw)/gramsPerKilogram*p) / p
}

// ImpedanceSample denotes a bioelectrical impedance reading
type ImpedanceSample struct {
	Raw uint16 // ohms
}

// Ohms returns the impedance in ohms
func (i ImpedanceSample) Ohms() float64 {
	return float64(i.Raw)
}

// VersionInfo denotes the hardware / software version of the scale
type VersionInfo struct {
	HW string
	SW string
}

// UnitAck denotes the display unit as echoed by the scale
type UnitAck struct {
	Unit scale.WeightUnit
}

// Unrecognized denotes a well-formed frame of an unknown command
type Unrecognized struct {
	Command uint32
	Data    []byte
}

func (WeightSample) frame()    {}
func (ImpedanceSample) frame() {}
func (VersionInfo) frame()     {}
func (UnitAck) frame()         {}
func (Unrecognized) frame()    {}

// Decode decodes a raw payload into the frames it carries, in order. A single
// measurement notification carries a weight sample, an impedance sample (if
// measured) and the unit echo
func Decode(p scale.RawPayload) ([]Frame, error) {
	var (
		frames []Frame
		err    error
	)

	switch p.Origin {
	case scale.OriginAdvertisement:
		frames, err = decodeAdvertisement(p.Data)
	default:
		frames, err = decodeNotification(p.Data)
	}
	if err != nil {
		return nil, &DecodeError{
			Origin: p.Origin,
			Data:   p.Data,
			Err:    err,
		}
	}

	return frames, nil
}

func unitFromWire(b byte) scale.WeightUnit {
	u := scale.WeightUnit(b)
	if !u.Valid() {
		return scale.UnitUnknown
	}
	return u
}
