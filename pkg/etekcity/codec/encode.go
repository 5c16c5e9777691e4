package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/fako1024/btfitscale/pkg/scale"
)

// EncodeSetUnit builds the command requesting the scale to switch its display unit
func EncodeSetUnit(unit scale.WeightUnit, seq byte) ([]byte, error) {
	if !unit.Valid() {
		return nil, fmt.Errorf("cannot encode unit change to `%s`", unit)
	}

	return encode(typeClientToDevice, seq, CmdSetUnit, []byte{byte(unit)}), nil
}

func encode(frameType, seq byte, cmd uint32, body []byte) []byte {
	buf := make([]byte, bodyOffset+len(body))
	buf[0] = frameMagic
	buf[1] = frameType
	buf[2] = seq
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(buf)-headerLen))
	binary.BigEndian.PutUint32(buf[headerLen:bodyOffset], cmd)
	copy(buf[bodyOffset:], body)
	buf[checksumOffset] = Checksum(buf)

	return buf
}
