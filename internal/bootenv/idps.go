package bootenv

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ConsoleId is the IDPS identity block embedded in the kernel configuration.
// All multi-byte fields are big-endian on the wire.
type ConsoleId struct {
	Magic   uint16
	Company uint16
	Product uint16
	Prodsub uint16
	Serial  [8]uint8
}

const (
	CompanySony uint16 = 0x100

	ProductDevKit    uint16 = 0x8101
	ProductTestKit   uint16 = 0x8201
	ProductUsa       uint16 = 0x8401
	ProductSouthAsia uint16 = 0x8A01
)

// DefaultConsoleId returns the identity used when the profile does not carry
// one.
func DefaultConsoleId() ConsoleId {
	return ConsoleId{
		Company: CompanySony,
		Product: ProductUsa,
		Prodsub: 0x1200,
		Serial:  [8]uint8{0x10},
	}
}

// ParseConsoleId decodes the 16-byte big-endian hex form stored in profile
// files.
func ParseConsoleId(s string) (ConsoleId, error) {
	var id ConsoleId

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid console id: %w", err)
	} else if len(b) != 16 {
		return id, fmt.Errorf("console id must be 16 bytes, not %d", len(b))
	}

	id.Magic = binary.BigEndian.Uint16(b)
	id.Company = binary.BigEndian.Uint16(b[2:])
	id.Product = binary.BigEndian.Uint16(b[4:])
	id.Prodsub = binary.BigEndian.Uint16(b[6:])
	copy(id.Serial[:], b[8:])

	return id, nil
}

func (id ConsoleId) String() string {
	var b [16]byte

	binary.BigEndian.PutUint16(b[:], id.Magic)
	binary.BigEndian.PutUint16(b[2:], id.Company)
	binary.BigEndian.PutUint16(b[4:], id.Product)
	binary.BigEndian.PutUint16(b[6:], id.Prodsub)
	copy(b[8:], id.Serial[:])

	return hex.EncodeToString(b[:])
}
