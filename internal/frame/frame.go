package frame

import (
	"fmt"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
)

// Opcode is the first byte of a command frame. Values are defined by the device firmware.
type Opcode byte

const (
	OpOn  Opcode = 0x20
	OpOff Opcode = 0x21
)

// Size of an encoded command frame in bytes.
const Size = 2

func (o Opcode) String() string {
	switch o {
	case OpOn:
		return "on"
	case OpOff:
		return "off"
	default:
		return fmt.Sprintf("0x%02x", byte(o))
	}
}

// OpFor maps a target power state to its opcode.
func OpFor(s model.PowerState) Opcode {
	if s == model.PowerOn {
		return OpOn
	}
	return OpOff
}

// Encode builds the wire frame. Only the low byte of seq is transmitted, so
// sequences differing only in their high byte produce identical frames.
func Encode(op Opcode, seq uint16) [Size]byte {
	return [Size]byte{byte(op), byte(seq & 0xFF)}
}

// Decode splits a received frame into opcode and the transmitted sequence byte.
func Decode(b []byte) (Opcode, uint8, error) {
	if len(b) != Size {
		return 0, 0, fmt.Errorf("command frame must be %d bytes, got %d", Size, len(b))
	}
	return Opcode(b[0]), b[1], nil
}

// NextSequence returns the sequence following cur, wrapping to 0 after 65535.
func NextSequence(cur uint16) uint16 {
	return cur + 1
}
