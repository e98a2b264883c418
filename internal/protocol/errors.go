// internal/protocol/errors.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrorKind classifies a failed exchange.
type ErrorKind uint8

const (
	KindTimeout ErrorKind = iota + 1
	KindMalformed
	// KindRefused is a device-side rejection (non-zero end code).
	KindRefused
	// KindTransport covers reset, EOF and failed dials.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	case KindRefused:
		return "refused"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// ErrTooManyPoints is returned when a single request exceeds MaxPoints.
var ErrTooManyPoints = errors.New("protocol: too many points in one request")

// ProtocolError is the only error type returned by Client exchanges.
type ProtocolError struct {
	Kind     ErrorKind
	Op       string
	Endpoint string
	EndCode  uint16 // set for KindRefused
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Kind == KindRefused {
		return fmt.Sprintf("protocol %s %s: device refused: end code 0x%04X", e.Op, e.Endpoint, e.EndCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("protocol %s %s: %s: %v", e.Op, e.Endpoint, e.Kind, e.Err)
	}
	return fmt.Sprintf("protocol %s %s: %s", e.Op, e.Endpoint, e.Kind)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Code exposes the device end code.
func (e *ProtocolError) Code() uint16 { return e.EndCode }

// IsConnectionLevel reports whether err leaves the connection in an unknown
// state: timeouts, malformed responses and transport failures. Device
// rejections and caller errors (ErrTooManyPoints) do not.
func IsConnectionLevel(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind != KindRefused
	}
	return false
}

// classify maps an I/O error to a ProtocolError.
func classify(ctx context.Context, op, endpoint string, err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}

	kind := KindTransport
	var ne net.Error
	switch {
	case ctx.Err() != nil:
		kind = KindTimeout
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = KindTimeout
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, net.ErrClosed):
		kind = KindTransport
	}

	return &ProtocolError{Kind: kind, Op: op, Endpoint: endpoint, Err: err}
}

func malformed(op, endpoint, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Kind:     KindMalformed,
		Op:       op,
		Endpoint: endpoint,
		Err:      fmt.Errorf(format, args...),
	}
}
