package callwall

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// DefaultBaudRate is the line speed used by the reference caller-ID modems.
const DefaultBaudRate = 57600

// Transport is an established, bidirectional byte stream to the modem.
// Serial ports, pseudo-terminals and in-memory pipes all satisfy it.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport. A session dials again on every recovery attempt,
// so implementations must be reusable.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// SerialDialer opens the modem over a serial port.
type SerialDialer struct {
	// PortName is the OS device path (e.g. "/dev/ttyACM0").
	PortName string
	// BaudRate defaults to DefaultBaudRate when zero.
	BaudRate int
}

// Mode returns the serial mode used to open the port (8N1).
func (d SerialDialer) Mode() *serial.Mode {
	baud := d.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Dial opens the serial port. serial.Open takes no context, so the open runs
// in its own goroutine and races ctx; a port that opens after cancellation is
// closed.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, fmt.Errorf("serial port name: %w", ErrConfigRequired)
	}
	if ctx == nil {
		return nil, errors.New("nil context")
	}

	type result struct {
		p   serial.Port
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := serial.Open(d.PortName, d.Mode())
		if err == nil {
			// Drop whatever the modem printed before we were listening.
			_ = p.ResetInputBuffer()
		}
		ch <- result{p: p, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && r.p != nil {
				_ = r.p.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, &TransportError{Op: "open " + d.PortName, Err: r.err}
		}
		return r.p, nil
	}
}
