// internal/protocol/frame.go
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Commands used by the collector. Everything else is out of scope.
const (
	cmdRandomRead uint16 = 0x0403
	cmdBatchRead  uint16 = 0x0401
	cmdBatchWrite uint16 = 0x1401

	subWord uint16 = 0x0000
	subBit  uint16 = 0x0001
)

// Frame selects the wire encoding.
type Frame string

const (
	FrameBinary Frame = "binary"
	FrameASCII  Frame = "ascii"
)

// route is the opaque addressing block carried in every request header.
type route struct {
	network       uint8
	station       uint8
	moduleIO      uint16
	moduleStation uint8
}

// framer encodes request data and decodes responses for one wire encoding.
type framer interface {
	randomRead(words, dwords []Address) []byte
	bitRead(a Address, count int) []byte
	bitWrite(a Address, v bool) []byte
	frame(r route, timer, cmd, sub uint16, data []byte) []byte
	// readResponse returns the end code and the response data following it.
	readResponse(rd io.Reader) (uint16, []byte, error)
	words(p []byte, n int) ([]uint16, error)
	// wordSize is the encoded width of one word in response data.
	wordSize() int
	dwords(p []byte, n int) ([]uint32, error)
	bits(p []byte, n int) ([]bool, error)
}

func newFramer(f Frame) (framer, error) {
	switch f {
	case FrameBinary, "":
		return binaryFramer{}, nil
	case FrameASCII:
		return asciiFramer{}, nil
	}
	return nil, fmt.Errorf("protocol: unknown frame %q", f)
}

// ---- binary (3E, little-endian) ----

type binaryFramer struct{}

const binaryHeaderLen = 9 // subheader(2) net pc io(2) station len(2)

func putDevice(b []byte, a Address) []byte {
	n := a.Number
	return append(b, byte(n), byte(n>>8), byte(n>>16), a.dev().code)
}

func (binaryFramer) randomRead(words, dwords []Address) []byte {
	b := make([]byte, 0, 2+4*(len(words)+len(dwords)))
	b = append(b, byte(len(words)), byte(len(dwords)))
	for _, a := range words {
		b = putDevice(b, a)
	}
	for _, a := range dwords {
		b = putDevice(b, a)
	}
	return b
}

func (binaryFramer) bitRead(a Address, count int) []byte {
	b := putDevice(make([]byte, 0, 6), a)
	return binary.LittleEndian.AppendUint16(b, uint16(count))
}

func (binaryFramer) bitWrite(a Address, v bool) []byte {
	b := putDevice(make([]byte, 0, 7), a)
	b = binary.LittleEndian.AppendUint16(b, 1)
	if v {
		return append(b, 0x10)
	}
	return append(b, 0x00)
}

func (binaryFramer) frame(r route, timer, cmd, sub uint16, data []byte) []byte {
	b := make([]byte, 0, 15+len(data))
	b = append(b, 0x50, 0x00, r.network, r.station)
	b = binary.LittleEndian.AppendUint16(b, r.moduleIO)
	b = append(b, r.moduleStation)
	b = binary.LittleEndian.AppendUint16(b, uint16(6+len(data)))
	b = binary.LittleEndian.AppendUint16(b, timer)
	b = binary.LittleEndian.AppendUint16(b, cmd)
	b = binary.LittleEndian.AppendUint16(b, sub)
	return append(b, data...)
}

func (binaryFramer) readResponse(rd io.Reader) (uint16, []byte, error) {
	var hdr [binaryHeaderLen]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return 0, nil, err
	}
	if hdr[0] != 0xD0 || hdr[1] != 0x00 {
		return 0, nil, fmt.Errorf("%w: subheader %02X%02X", errBadFrame, hdr[0], hdr[1])
	}
	n := int(binary.LittleEndian.Uint16(hdr[7:9]))
	if n < 2 {
		return 0, nil, fmt.Errorf("%w: response length %d", errBadFrame, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(rd, body); err != nil {
		return 0, nil, err
	}
	return binary.LittleEndian.Uint16(body[0:2]), body[2:], nil
}

func (binaryFramer) wordSize() int { return 2 }

func (binaryFramer) words(p []byte, n int) ([]uint16, error) {
	if len(p) < 2*n {
		return nil, fmt.Errorf("%w: %d bytes for %d words", errShort, len(p), n)
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(p[2*i:])
	}
	return out, nil
}

func (binaryFramer) dwords(p []byte, n int) ([]uint32, error) {
	if len(p) < 4*n {
		return nil, fmt.Errorf("%w: %d bytes for %d dwords", errShort, len(p), n)
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(p[4*i:])
	}
	return out, nil
}

// bits unpacks nibble-packed bit data: high nibble first.
func (binaryFramer) bits(p []byte, n int) ([]bool, error) {
	if len(p) < (n+1)/2 {
		return nil, fmt.Errorf("%w: %d bytes for %d bits", errShort, len(p), n)
	}
	out := make([]bool, n)
	for i := range out {
		b := p[i/2]
		if i%2 == 0 {
			out[i] = b&0x10 != 0
		} else {
			out[i] = b&0x01 != 0
		}
	}
	return out, nil
}

// ---- ASCII (3E, hex text, big-endian digits) ----

type asciiFramer struct{}

const asciiHeaderLen = 18 // "D000" net(2) pc(2) io(4) station(2) len(4)

func asciiDevice(a Address) string {
	d := a.dev()
	code := d.name
	if len(code) == 1 {
		code += "*"
	}
	if d.hexNum {
		return fmt.Sprintf("%s%06X", code, a.Number)
	}
	return fmt.Sprintf("%s%06d", code, a.Number)
}

func (asciiFramer) randomRead(words, dwords []Address) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%02X%02X", len(words), len(dwords))
	for _, a := range words {
		sb.WriteString(asciiDevice(a))
	}
	for _, a := range dwords {
		sb.WriteString(asciiDevice(a))
	}
	return []byte(sb.String())
}

func (asciiFramer) bitRead(a Address, count int) []byte {
	return []byte(fmt.Sprintf("%s%04X", asciiDevice(a), count))
}

func (asciiFramer) bitWrite(a Address, v bool) []byte {
	bit := "0"
	if v {
		bit = "1"
	}
	return []byte(fmt.Sprintf("%s%04X%s", asciiDevice(a), 1, bit))
}

func (asciiFramer) frame(r route, timer, cmd, sub uint16, data []byte) []byte {
	head := fmt.Sprintf("5000%02X%02X%04X%02X%04X%04X%04X%04X",
		r.network, r.station, r.moduleIO, r.moduleStation,
		12+len(data), timer, cmd, sub)
	return append([]byte(head), data...)
}

func (asciiFramer) readResponse(rd io.Reader) (uint16, []byte, error) {
	var hdr [asciiHeaderLen]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return 0, nil, err
	}
	if string(hdr[0:4]) != "D000" {
		return 0, nil, fmt.Errorf("%w: subheader %q", errBadFrame, hdr[0:4])
	}
	n, err := strconv.ParseUint(string(hdr[14:18]), 16, 16)
	if err != nil || n < 4 {
		return 0, nil, fmt.Errorf("%w: response length %q", errBadFrame, hdr[14:18])
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(rd, body); err != nil {
		return 0, nil, err
	}
	end, err := strconv.ParseUint(string(body[0:4]), 16, 16)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: end code %q", errBadFrame, body[0:4])
	}
	return uint16(end), body[4:], nil
}

func (asciiFramer) wordSize() int { return 4 }

func (asciiFramer) words(p []byte, n int) ([]uint16, error) {
	if len(p) < 4*n {
		return nil, fmt.Errorf("%w: %d chars for %d words", errShort, len(p), n)
	}
	out := make([]uint16, n)
	for i := range out {
		v, err := strconv.ParseUint(string(p[4*i:4*i+4]), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: word %d: %v", errBadFrame, i, err)
		}
		out[i] = uint16(v)
	}
	return out, nil
}

func (asciiFramer) dwords(p []byte, n int) ([]uint32, error) {
	if len(p) < 8*n {
		return nil, fmt.Errorf("%w: %d chars for %d dwords", errShort, len(p), n)
	}
	out := make([]uint32, n)
	for i := range out {
		v, err := strconv.ParseUint(string(p[8*i:8*i+8]), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: dword %d: %v", errBadFrame, i, err)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

func (asciiFramer) bits(p []byte, n int) ([]bool, error) {
	if len(p) < n {
		return nil, fmt.Errorf("%w: %d chars for %d bits", errShort, len(p), n)
	}
	out := make([]bool, n)
	for i := range out {
		switch p[i] {
		case '0':
		case '1':
			out[i] = true
		default:
			return nil, fmt.Errorf("%w: bit %d: %q", errBadFrame, i, p[i])
		}
	}
	return out, nil
}
