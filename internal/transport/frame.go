package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Serial link framing between the host and the radio co-processor:
//
//	+-------+----------------------------------------------+-----+
//	| START |  stuffed( addr(16) | port(2) | payload | crc16 ) | END |
//	+-------+----------------------------------------------+-----+
//
// addr is the IPv6 (or v4-mapped) peer address, port is little-endian and
// the CRC-16/CCITT covers addr, port and payload and is sent big-endian.
const (
	startByte = 0x7E
	endByte   = 0x7F
	escByte   = 0x7D
	escXor    = 0x20

	frameHeaderSize = 16 + 2
	frameCRCSize    = 2

	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

var (
	ErrFrameCRC    = errors.New("transport: frame CRC mismatch")
	ErrFrameLength = errors.New("transport: frame too short")
)

func crc16(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// encodeFrame builds a complete wire frame for one datagram.
func encodeFrame(peer netip.AddrPort, payload []byte) []byte {
	body := make([]byte, frameHeaderSize, frameHeaderSize+len(payload)+frameCRCSize)
	a := peer.Addr().As16()
	copy(body[:16], a[:])
	binary.LittleEndian.PutUint16(body[16:18], peer.Port())
	body = append(body, payload...)
	crc := crc16(body)
	body = append(body, byte(crc>>8), byte(crc))

	out := make([]byte, 0, len(body)*2+2)
	out = append(out, startByte)
	for _, b := range body {
		if b == startByte || b == endByte || b == escByte {
			out = append(out, escByte, b^escXor)
		} else {
			out = append(out, b)
		}
	}
	return append(out, endByte)
}

// frameDecoder reassembles frames from a byte stream.
type frameDecoder struct {
	buf     []byte
	inFrame bool
	escape  bool
}

// feed consumes one byte. It returns a datagram when b completes a valid
// frame, and an error when b completes a corrupt one.
func (d *frameDecoder) feed(b byte) (*Datagram, error) {
	switch {
	case b == startByte:
		d.buf = d.buf[:0]
		d.inFrame = true
		d.escape = false
		return nil, nil
	case !d.inFrame:
		return nil, nil
	case b == endByte:
		d.inFrame = false
		return parseFrame(d.buf)
	case b == escByte:
		d.escape = true
		return nil, nil
	}
	if d.escape {
		b ^= escXor
		d.escape = false
	}
	if len(d.buf) >= frameHeaderSize+MaxDatagram+frameCRCSize {
		d.inFrame = false
		return nil, fmt.Errorf("%w: frame overflow", ErrTooLarge)
	}
	d.buf = append(d.buf, b)
	return nil, nil
}

func parseFrame(body []byte) (*Datagram, error) {
	if len(body) < frameHeaderSize+frameCRCSize {
		return nil, ErrFrameLength
	}
	n := len(body) - frameCRCSize
	want := uint16(body[n])<<8 | uint16(body[n+1])
	if got := crc16(body[:n]); got != want {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrFrameCRC, got, want)
	}
	var a [16]byte
	copy(a[:], body[:16])
	port := binary.LittleEndian.Uint16(body[16:18])
	payload := make([]byte, n-frameHeaderSize)
	copy(payload, body[frameHeaderSize:n])
	return &Datagram{
		From:    netip.AddrPortFrom(netip.AddrFrom16(a).Unmap(), port),
		Payload: payload,
	}, nil
}
