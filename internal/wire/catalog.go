// Package wire defines the fixed-layout binary records exchanged between a
// sensor node and its collector.
//
// Every record starts with a 4-byte magic constant that identifies its kind.
// Records are little-endian, have no length prefix and no variable-length
// fields: the size of a record is a property of its magic, kept in the
// catalog below.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic headers. Unique across every record kind a node or collector sees.
const (
	MagicCalibration     uint32 = 0x314C4143 // "CAL1"
	MagicAirborne        uint32 = 0x31524941 // "AIR1"
	MagicWater           uint32 = 0x31544157 // "WAT1"
	MagicGeneric         uint32 = 0x314E4547 // "GEN1"
	MagicAck             uint32 = 0x314B4341 // "ACK1"
	MagicCommandRequest  uint32 = 0x31444D43 // "CMD1"
	MagicCommandResponse uint32 = 0x31505352 // "RSP1"
)

// MagicSize is the size of the magic header every record starts with.
const MagicSize = 4

var (
	ErrShort        = errors.New("wire: datagram shorter than magic header")
	ErrUnknownMagic = errors.New("wire: unknown magic")
	ErrMagic        = errors.New("wire: magic mismatch")
	ErrLength       = errors.New("wire: bad record length")
)

// Spec describes one entry of the dispatch table.
type Spec struct {
	Name string
	Size int
}

var catalog = map[uint32]Spec{
	MagicCalibration:     {Name: "calibration", Size: binary.Size(Calibration{})},
	MagicAirborne:        {Name: "airborne", Size: binary.Size(Airborne{})},
	MagicWater:           {Name: "water", Size: binary.Size(Water{})},
	MagicGeneric:         {Name: "generic", Size: binary.Size(Generic{})},
	MagicAck:             {Name: "ack", Size: binary.Size(Ack{})},
	MagicCommandRequest:  {Name: "command-request", Size: binary.Size(CommandRequest{})},
	MagicCommandResponse: {Name: "command-response", Size: binary.Size(CommandResponse{})},
}

// Lookup returns the dispatch table entry for magic.
func Lookup(magic uint32) (Spec, bool) {
	s, ok := catalog[magic]
	return s, ok
}

// MagicName returns a printable name for magic, for logs.
func MagicName(magic uint32) string {
	if s, ok := catalog[magic]; ok {
		return s.Name
	}
	return fmt.Sprintf("unknown(0x%08X)", magic)
}

// PeekMagic reads the magic header without interpreting anything else.
func PeekMagic(b []byte) (uint32, error) {
	if len(b) < MagicSize {
		return 0, ErrShort
	}
	return binary.LittleEndian.Uint32(b[:MagicSize]), nil
}

// Validate checks that b carries a known magic and has exactly the size the
// catalog expects for it.
func Validate(b []byte) (uint32, error) {
	magic, err := PeekMagic(b)
	if err != nil {
		return 0, err
	}
	spec, ok := catalog[magic]
	if !ok {
		return magic, fmt.Errorf("%w: 0x%08X", ErrUnknownMagic, magic)
	}
	if len(b) != spec.Size {
		return magic, fmt.Errorf("%w: %s is %d bytes, got %d", ErrLength, spec.Name, spec.Size, len(b))
	}
	return magic, nil
}

// IsSensorRecord reports whether magic names a record a node sends to the
// collector and expects to be acknowledged.
func IsSensorRecord(magic uint32) bool {
	switch magic {
	case MagicCalibration, MagicAirborne, MagicWater, MagicGeneric:
		return true
	}
	return false
}
