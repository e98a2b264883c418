// internal/protocol/sim_test.go
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// simDevice is an in-process controller speaking the 3E frame.
// Dword points are stored as two consecutive words, low word first.
type simDevice struct {
	frame Frame

	mu      sync.Mutex
	words   map[Address]uint16
	bits    map[Address]bool
	endCode uint16
	delay   time.Duration
	garbage bool
	writes  []Address

	requests atomic.Int64
}

func startSim(t *testing.T, frame Frame) (*simDevice, Endpoint) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	d := &simDevice{
		frame: frame,
		words: map[Address]uint16{},
		bits:  map[Address]bool{},
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.serve(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return d, Endpoint{
		Address:  "127.0.0.1",
		Port:     addr.Port,
		Frame:    frame,
		Station:  0xFF,
		ModuleIO: 0x03FF,
		Timeout:  500 * time.Millisecond,
	}
}

func (d *simDevice) setWord(a string, v uint16) {
	addr, _ := ParseAddress(a)
	d.mu.Lock()
	d.words[addr] = v
	d.mu.Unlock()
}

func (d *simDevice) setBit(a string, v bool) {
	addr, _ := ParseAddress(a)
	d.mu.Lock()
	d.bits[addr] = v
	d.mu.Unlock()
}

func (d *simDevice) bit(a string) bool {
	addr, _ := ParseAddress(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bits[addr]
}

// word reads one 16-point word; bit devices pack points starting at a.
func (d *simDevice) word(a Address) uint16 {
	if !a.IsBit() {
		return d.words[a]
	}
	var w uint16
	for i := uint32(0); i < 16; i++ {
		if d.bits[Address{Device: a.Device, Number: a.Number + i}] {
			w |= 1 << i
		}
	}
	return w
}

func (d *simDevice) serve(conn net.Conn) {
	defer conn.Close()
	for {
		cmd, sub, data, err := d.readRequest(conn)
		if err != nil {
			return
		}
		d.requests.Add(1)

		d.mu.Lock()
		delay, end, garbage := d.delay, d.endCode, d.garbage
		d.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if garbage {
			_, _ = conn.Write([]byte("XXXXXXXXXXXXXXXXXXXXXXXX"))
			continue
		}

		var resp []byte
		if end == 0 {
			resp = d.handle(cmd, sub, data)
		}
		if _, err := conn.Write(d.response(end, resp)); err != nil {
			return
		}
	}
}

func (d *simDevice) readRequest(r io.Reader) (uint16, uint16, []byte, error) {
	if d.frame == FrameASCII {
		hdr := make([]byte, 18)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return 0, 0, nil, err
		}
		n, _ := strconv.ParseUint(string(hdr[14:18]), 16, 16)
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, 0, nil, err
		}
		cmd, _ := strconv.ParseUint(string(body[4:8]), 16, 16)
		sub, _ := strconv.ParseUint(string(body[8:12]), 16, 16)
		return uint16(cmd), uint16(sub), body[12:], nil
	}

	hdr := make([]byte, 9)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, 0, nil, err
	}
	n := binary.LittleEndian.Uint16(hdr[7:9])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, 0, nil, err
	}
	return binary.LittleEndian.Uint16(body[2:4]), binary.LittleEndian.Uint16(body[4:6]), body[6:], nil
}

// device decodes one device reference and returns the remaining data.
func (d *simDevice) device(p []byte) (Address, []byte) {
	if d.frame == FrameASCII {
		code := strings.TrimRight(string(p[0:2]), "*")
		base := 10
		if devices[code].hexNum {
			base = 16
		}
		n, _ := strconv.ParseUint(string(p[2:8]), base, 32)
		return Address{Device: code, Number: uint32(n)}, p[8:]
	}
	n := uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16
	for name, dev := range devices {
		if dev.code == p[3] {
			return Address{Device: name, Number: n}, p[4:]
		}
	}
	panic(fmt.Sprintf("sim: unknown device code %02X", p[3]))
}

func (d *simDevice) count(p []byte, width int) (int, []byte) {
	if d.frame == FrameASCII {
		n, _ := strconv.ParseUint(string(p[:width*2]), 16, 16)
		return int(n), p[width*2:]
	}
	if width == 1 {
		return int(p[0]), p[1:]
	}
	return int(binary.LittleEndian.Uint16(p)), p[2:]
}

func (d *simDevice) handle(cmd, sub uint16, data []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch cmd {
	case cmdRandomRead:
		nw, rest := d.count(data, 1)
		nd, rest := d.count(rest, 1)
		var out []byte
		for i := 0; i < nw; i++ {
			var a Address
			a, rest = d.device(rest)
			out = d.putWord(out, d.word(a))
		}
		for i := 0; i < nd; i++ {
			var a Address
			a, rest = d.device(rest)
			lo := d.word(a)
			hi := d.word(Address{Device: a.Device, Number: a.Number + 1})
			out = d.putDword(out, uint32(hi)<<16|uint32(lo))
		}
		return out

	case cmdBatchRead:
		a, rest := d.device(data)
		n, _ := d.count(rest, 2)
		var out []byte
		for i := 0; i < n; i++ {
			v := d.bits[Address{Device: a.Device, Number: a.Number + uint32(i)}]
			out = d.putBit(out, i, v)
		}
		return out

	case cmdBatchWrite:
		a, rest := d.device(data)
		_, rest = d.count(rest, 2)
		if d.frame == FrameASCII {
			d.bits[a] = rest[0] == '1'
		} else {
			d.bits[a] = rest[0]&0x10 != 0
		}
		d.writes = append(d.writes, a)
		return nil
	}
	return nil
}

func (d *simDevice) putWord(b []byte, w uint16) []byte {
	if d.frame == FrameASCII {
		return append(b, fmt.Sprintf("%04X", w)...)
	}
	return binary.LittleEndian.AppendUint16(b, w)
}

func (d *simDevice) putDword(b []byte, v uint32) []byte {
	if d.frame == FrameASCII {
		return append(b, fmt.Sprintf("%08X", v)...)
	}
	return binary.LittleEndian.AppendUint32(b, v)
}

func (d *simDevice) putBit(b []byte, i int, v bool) []byte {
	if d.frame == FrameASCII {
		if v {
			return append(b, '1')
		}
		return append(b, '0')
	}
	if i%2 == 0 {
		var x byte
		if v {
			x = 0x10
		}
		return append(b, x)
	}
	if v {
		b[len(b)-1] |= 0x01
	}
	return b
}

func (d *simDevice) response(end uint16, data []byte) []byte {
	if d.frame == FrameASCII {
		head := fmt.Sprintf("D00000FF03FF00%04X%04X", 4+len(data), end)
		return append([]byte(head), data...)
	}
	b := []byte{0xD0, 0x00, 0x00, 0xFF, 0xFF, 0x03, 0x00}
	b = binary.LittleEndian.AppendUint16(b, uint16(2+len(data)))
	b = binary.LittleEndian.AppendUint16(b, end)
	return append(b, data...)
}
