package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/netip"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialConfig holds the serial link settings of a radio co-processor.
type SerialConfig struct {
	PortPath string
	BaudRate int
	// Local is the node's own mesh address, as assigned by the radio.
	Local netip.AddrPort
}

// Serial exchanges framed datagrams with a radio co-processor attached to
// a serial port. The co-processor owns the mesh stack; the host only sees
// (peer address, payload) pairs.
type Serial struct {
	port  io.ReadWriteCloser
	local netip.AddrPort

	writeMu sync.Mutex
	rx      chan Datagram
	done    chan struct{}
	once    sync.Once
}

// OpenSerial opens the serial port and starts the frame reader.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: failed to set timeout: %w", err)
	}
	log.Printf("[transport] serial link on %s at %d baud", cfg.PortPath, cfg.BaudRate)
	return newSerial(port, cfg.Local), nil
}

func newSerial(port io.ReadWriteCloser, local netip.AddrPort) *Serial {
	s := &Serial{
		port:  port,
		local: local,
		rx:    make(chan Datagram, 16),
		done:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Serial) readLoop() {
	var dec frameDecoder
	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("[transport] serial read failed: %v", err)
				s.Close()
			}
			return
		}
		// A zero-length read is the port's read timeout.
		for i := 0; i < n; i++ {
			dg, err := dec.feed(buf[i])
			if err != nil {
				log.Printf("[transport] dropped frame: %v", err)
				continue
			}
			if dg == nil {
				continue
			}
			select {
			case s.rx <- *dg:
			default:
				log.Printf("[transport] rx queue full, dropped datagram from %s", dg.From)
			}
		}
	}
}

func (s *Serial) Send(ctx context.Context, to netip.AddrPort, payload []byte) error {
	if len(payload) > MaxDatagram {
		return ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(encodeFrame(to, payload)); err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	return nil
}

func (s *Serial) Receive(ctx context.Context) (Datagram, error) {
	select {
	case dg := <-s.rx:
		return dg, nil
	case <-s.done:
		return Datagram{}, ErrClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

func (s *Serial) LocalAddr() netip.AddrPort { return s.local }

func (s *Serial) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.port.Close()
	})
	return err
}
