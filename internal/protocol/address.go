// internal/protocol/address.go
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// device describes one addressable device family on the controller.
type device struct {
	name   string
	code   byte // binary device code
	hexNum bool // device numbers are written in hex
	bit    bool // bit device (read as 16-point words)
}

var devices = map[string]device{
	"X":  {name: "X", code: 0x9C, hexNum: true, bit: true},
	"Y":  {name: "Y", code: 0x9D, hexNum: true, bit: true},
	"M":  {name: "M", code: 0x90, bit: true},
	"L":  {name: "L", code: 0x92, bit: true},
	"F":  {name: "F", code: 0x93, bit: true},
	"V":  {name: "V", code: 0x94, bit: true},
	"B":  {name: "B", code: 0xA0, hexNum: true, bit: true},
	"SM": {name: "SM", code: 0x91, bit: true},
	"SB": {name: "SB", code: 0xA1, hexNum: true, bit: true},
	"D":  {name: "D", code: 0xA8},
	"W":  {name: "W", code: 0xB4, hexNum: true},
	"R":  {name: "R", code: 0xAF},
	"ZR": {name: "ZR", code: 0xB0},
	"SD": {name: "SD", code: 0xA9},
	"SW": {name: "SW", code: 0xB5, hexNum: true},
	"TN": {name: "TN", code: 0xC2},
	"CN": {name: "CN", code: 0xC5},
}

// maxDeviceNumber is the largest number encodable in the 3-byte field.
const maxDeviceNumber = 0xFFFFFF

// Address is one device point, e.g. D100, M10, X1F.
type Address struct {
	Device string
	Number uint32
}

func (a Address) dev() device { return devices[a.Device] }

// IsBit reports whether the address names a bit device.
func (a Address) IsBit() bool { return a.dev().bit }

func (a Address) String() string {
	if a.dev().hexNum {
		return fmt.Sprintf("%s%X", a.Device, a.Number)
	}
	return fmt.Sprintf("%s%d", a.Device, a.Number)
}

// ParseAddress parses "D100", "x1f", "SM400".
func ParseAddress(s string) (Address, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Address{}, fmt.Errorf("protocol: empty address")
	}

	// two-letter device names win over their one-letter prefixes
	var d device
	var ok bool
	if len(s) > 2 {
		d, ok = devices[s[:2]]
	}
	if !ok {
		d, ok = devices[s[:1]]
	}
	if !ok {
		return Address{}, fmt.Errorf("protocol: unknown device in address %q", s)
	}

	digits := s[len(d.name):]
	if digits == "" {
		return Address{}, fmt.Errorf("protocol: address %q has no device number", s)
	}

	base := 10
	if d.hexNum {
		base = 16
	}
	n, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return Address{}, fmt.Errorf("protocol: address %q: bad device number: %w", s, err)
	}
	if n > maxDeviceNumber {
		return Address{}, fmt.Errorf("protocol: address %q: device number out of range", s)
	}

	return Address{Device: d.name, Number: uint32(n)}, nil
}

// ---- tag types ----

// DataType selects how the raw device words of a tag are decoded.
type DataType uint8

const (
	TypeInt16 DataType = iota
	TypeUint16
	TypeInt32
	TypeUint32
	TypeFloat32
	TypeBit
	TypeRaw
)

var typeNames = map[DataType]string{
	TypeInt16:   "int16",
	TypeUint16:  "uint16",
	TypeInt32:   "int32",
	TypeUint32:  "uint32",
	TypeFloat32: "float32",
	TypeBit:     "bit",
	TypeRaw:     "raw",
}

func (t DataType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// dword reports whether the type is read as a double word point.
func (t DataType) dword() bool {
	return t == TypeInt32 || t == TypeUint32 || t == TypeFloat32
}

// Tag is a parsed tag definition: address plus decode type.
type Tag struct {
	Name    string
	Address Address
	Type    DataType
}

// ParseTag parses "D100", "D102:float32", "M10". Bit devices default to
// bit, word devices to int16.
func ParseTag(s string) (Tag, error) {
	raw := strings.TrimSpace(s)
	addrPart, typePart, hasType := strings.Cut(raw, ":")

	addr, err := ParseAddress(addrPart)
	if err != nil {
		return Tag{}, err
	}

	tag := Tag{Name: raw, Address: addr, Type: TypeInt16}
	if addr.IsBit() {
		tag.Type = TypeBit
	}

	if hasType {
		found := false
		for dt, name := range typeNames {
			if strings.EqualFold(typePart, name) {
				tag.Type = dt
				found = true
				break
			}
		}
		if !found {
			return Tag{}, fmt.Errorf("protocol: tag %q: unknown type %q", raw, typePart)
		}
	}

	if addr.IsBit() && tag.Type != TypeBit && tag.Type != TypeRaw {
		return Tag{}, fmt.Errorf("protocol: tag %q: bit device cannot be read as %s", raw, tag.Type)
	}
	if !addr.IsBit() && tag.Type == TypeBit {
		return Tag{}, fmt.Errorf("protocol: tag %q: word device cannot be read as bit", raw)
	}

	return tag, nil
}
