// internal/protocol/client.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/tamzrod/tag-collector/internal/reading"
)

// MaxPoints is the largest number of tags accepted by one Read.
// Callers chunk larger tag lists.
const MaxPoints = 50

var (
	errBadFrame = errors.New("bad frame")
	errShort    = errors.New("short response")
)

// Endpoint is the transport and addressing configuration of one device.
// Network, station and module fields are passed through opaquely.
type Endpoint struct {
	Address       string
	Port          int
	Frame         Frame
	Network       uint8
	Station       uint8
	ModuleIO      uint16
	ModuleStation uint8
	Timeout       time.Duration
}

func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Client is one session to one device. It is not safe for concurrent use;
// the pool guarantees a client is held by exactly one lease at a time.
type Client struct {
	conn  net.Conn
	ep    Endpoint
	f     framer
	r     route
	timer uint16
}

// Dial opens a session to the endpoint.
func Dial(ctx context.Context, ep Endpoint) (*Client, error) {
	f, err := newFramer(ep.Frame)
	if err != nil {
		return nil, err
	}
	if ep.Timeout <= 0 {
		ep.Timeout = time.Second
	}

	d := net.Dialer{Timeout: ep.Timeout}
	conn, err := d.DialContext(ctx, "tcp", ep.HostPort())
	if err != nil {
		return nil, classify(ctx, "dial", ep.HostPort(), err)
	}

	return newClient(conn, ep, f), nil
}

func newClient(conn net.Conn, ep Endpoint, f framer) *Client {
	// monitoring timer is in 250ms units
	timer := ep.Timeout / (250 * time.Millisecond)
	if timer < 1 {
		timer = 1
	}
	if timer > math.MaxUint16 {
		timer = math.MaxUint16
	}

	return &Client{
		conn: conn,
		ep:   ep,
		f:    f,
		r: route{
			network:       ep.Network,
			station:       ep.Station,
			moduleIO:      ep.ModuleIO,
			moduleStation: ep.ModuleStation,
		},
		timer: uint16(timer),
	}
}

// Close closes the session.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Read issues one random-read request for tags and decodes each into a Value,
// in tag order.
func (c *Client) Read(ctx context.Context, tags []Tag) ([]reading.Value, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	if len(tags) > MaxPoints {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyPoints, len(tags), MaxPoints)
	}

	var words, dwords []Address
	for _, t := range tags {
		if t.Type.dword() {
			dwords = append(dwords, t.Address)
		} else {
			words = append(words, t.Address)
		}
	}

	payload, err := c.roundTrip(ctx, "read", cmdRandomRead, subWord, c.f.randomRead(words, dwords))
	if err != nil {
		return nil, err
	}

	wv, err := c.f.words(payload, len(words))
	if err != nil {
		return nil, malformed("read", c.ep.HostPort(), "%v", err)
	}
	dv, err := c.f.dwords(payload[c.f.wordSize()*len(words):], len(dwords))
	if err != nil {
		return nil, malformed("read", c.ep.HostPort(), "%v", err)
	}

	out := make([]reading.Value, len(tags))
	wi, di := 0, 0
	for i, t := range tags {
		if t.Type.dword() {
			out[i] = decodeDword(t.Type, dv[di])
			di++
		} else {
			out[i] = decodeWord(t.Type, wv[wi])
			wi++
		}
	}
	return out, nil
}

// ReadBit reads one bit device point.
func (c *Client) ReadBit(ctx context.Context, a Address) (bool, error) {
	payload, err := c.roundTrip(ctx, "read-bit", cmdBatchRead, subBit, c.f.bitRead(a, 1))
	if err != nil {
		return false, err
	}
	bits, err := c.f.bits(payload, 1)
	if err != nil {
		return false, malformed("read-bit", c.ep.HostPort(), "%v", err)
	}
	return bits[0], nil
}

// WriteBit writes one bit device point.
func (c *Client) WriteBit(ctx context.Context, a Address, v bool) error {
	_, err := c.roundTrip(ctx, "write-bit", cmdBatchWrite, subBit, c.f.bitWrite(a, v))
	return err
}

// roundTrip performs one request/response exchange. I/O is bounded by the
// endpoint timeout and by ctx.
func (c *Client) roundTrip(ctx context.Context, op string, cmd, sub uint16, data []byte) ([]byte, error) {
	if c == nil || c.conn == nil {
		return nil, &ProtocolError{Kind: KindTransport, Op: op, Err: net.ErrClosed}
	}
	ep := c.ep.HostPort()

	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, op, ep, err)
	}

	deadline := time.Now().Add(c.ep.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, classify(ctx, op, ep, err)
	}

	// cancellation interrupts blocked I/O
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	req := c.f.frame(c.r, c.timer, cmd, sub, data)
	if _, err := c.conn.Write(req); err != nil {
		return nil, classify(ctx, op, ep, err)
	}

	end, payload, err := c.f.readResponse(c.conn)
	if err != nil {
		if errors.Is(err, errBadFrame) {
			return nil, malformed(op, ep, "%v", err)
		}
		return nil, classify(ctx, op, ep, err)
	}
	if end != 0 {
		return nil, &ProtocolError{Kind: KindRefused, Op: op, Endpoint: ep, EndCode: end}
	}
	return payload, nil
}

// ---- decoding ----

func decodeWord(t DataType, w uint16) reading.Value {
	switch t {
	case TypeUint16:
		return reading.Int(int64(w))
	case TypeBit:
		return reading.Bit(w&1 != 0)
	case TypeRaw:
		return reading.Raw([]byte{byte(w), byte(w >> 8)})
	default:
		return reading.Int(int64(int16(w)))
	}
}

func decodeDword(t DataType, d uint32) reading.Value {
	switch t {
	case TypeUint32:
		return reading.Int(int64(d))
	case TypeFloat32:
		return reading.Float(float64(math.Float32frombits(d)))
	default:
		return reading.Int(int64(int32(d)))
	}
}
