package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Record is implemented by every catalog record.
type Record interface {
	RecordMagic() uint32
	Sequence() uint32
}

// Variant identifies the node hardware that produced a calibration record.
type Variant uint16

const (
	VariantAirborne Variant = 1
	VariantWater    Variant = 2
	VariantGeneric  Variant = 3
)

func (v Variant) String() string {
	switch v {
	case VariantAirborne:
		return "airborne"
	case VariantWater:
		return "water"
	case VariantGeneric:
		return "generic"
	}
	return fmt.Sprintf("variant(%d)", uint16(v))
}

// CalibrationCoeffs is the number of calibration coefficients a node reports.
const CalibrationCoeffs = 12

// Calibration carries the factory calibration constants of the node's
// sensors. Sent once per boot, before any data record.
type Calibration struct {
	Magic   uint32
	Seq     uint32
	Coeffs  [CalibrationCoeffs]int32
	Variant Variant
	Flags   uint16 // bit n set: coefficient block n could not be read
}

// Airborne is the data record of the airborne (weather) node.
type Airborne struct {
	Magic       uint32
	Seq         uint32
	Pressure    uint32 // Pa
	Temperature int32  // centi-degrees Celsius
	Humidity    uint32 // milli-percent RH
	BatteryMV   uint16
	Flags       uint16 // see Flag* constants
	Red         uint16
	Green       uint16
	Blue        uint16
	Clear       uint16
	MagX        int16
	MagY        int16
	MagZ        int16
	_           uint16
}

// Water is the data record of the water-quality node.
type Water struct {
	Magic        uint32
	Seq          uint32
	Conductivity [3]uint32 // low, mid and high range, microsiemens
	Temperature  int32     // centi-degrees Celsius
	BatteryMV    uint16
	Flags        uint16
}

// Generic is the data record of a node with plain analog channels.
type Generic struct {
	Magic     uint32
	Seq       uint32
	Channels  [4]int32 // millivolts
	BatteryMV uint16
	Flags     uint16
}

// Channel failure bits shared by the data records.
const (
	FlagPressure uint16 = 1 << iota
	FlagTemperature
	FlagHumidity
	FlagBattery
	FlagColor
	FlagMagnetic
	FlagConductivity
	FlagChannels
)

// Ack result codes.
const (
	AckOK       uint32 = 0
	AckRejected uint32 = 1
)

// Ack is sent by the collector for every sensor record it receives.
type Ack struct {
	Magic  uint32
	Seq    uint32 // echoed sequence
	Result uint32
}

func (r Calibration) RecordMagic() uint32 { return MagicCalibration }
func (r Calibration) Sequence() uint32    { return r.Seq }
func (r Airborne) RecordMagic() uint32    { return MagicAirborne }
func (r Airborne) Sequence() uint32       { return r.Seq }
func (r Water) RecordMagic() uint32       { return MagicWater }
func (r Water) Sequence() uint32          { return r.Seq }
func (r Generic) RecordMagic() uint32     { return MagicGeneric }
func (r Generic) Sequence() uint32        { return r.Seq }
func (r Ack) RecordMagic() uint32         { return MagicAck }
func (r Ack) Sequence() uint32            { return r.Seq }

// NewAck builds an acknowledgment echoing seq.
func NewAck(seq, result uint32) Ack {
	return Ack{Magic: MagicAck, Seq: seq, Result: result}
}

// Encode serialises r to its fixed wire layout. The magic field is always
// written from the record kind, whatever the struct holds.
func Encode(r Record) []byte {
	var buf bytes.Buffer
	buf.Grow(catalog[r.RecordMagic()].Size)
	// Writing fixed-size structs into a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, r)
	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[:MagicSize], r.RecordMagic())
	return out
}

func decode[T any](b []byte, magic uint32) (T, error) {
	var rec T
	got, err := PeekMagic(b)
	if err != nil {
		return rec, err
	}
	if got != magic {
		return rec, fmt.Errorf("%w: want %s, got %s", ErrMagic, MagicName(magic), MagicName(got))
	}
	if size := catalog[magic].Size; len(b) != size {
		return rec, fmt.Errorf("%w: %s is %d bytes, got %d", ErrLength, MagicName(magic), size, len(b))
	}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &rec); err != nil {
		return rec, fmt.Errorf("wire: decode %s: %w", MagicName(magic), err)
	}
	return rec, nil
}

func DecodeCalibration(b []byte) (Calibration, error) { return decode[Calibration](b, MagicCalibration) }
func DecodeAirborne(b []byte) (Airborne, error)       { return decode[Airborne](b, MagicAirborne) }
func DecodeWater(b []byte) (Water, error)             { return decode[Water](b, MagicWater) }
func DecodeGeneric(b []byte) (Generic, error)         { return decode[Generic](b, MagicGeneric) }
func DecodeAck(b []byte) (Ack, error)                 { return decode[Ack](b, MagicAck) }

// DecodeSensorRecord decodes any of the records a node sends to a collector.
func DecodeSensorRecord(b []byte) (Record, error) {
	magic, err := Validate(b)
	if err != nil {
		return nil, err
	}
	switch magic {
	case MagicCalibration:
		return DecodeCalibration(b)
	case MagicAirborne:
		return DecodeAirborne(b)
	case MagicWater:
		return DecodeWater(b)
	case MagicGeneric:
		return DecodeGeneric(b)
	}
	return nil, fmt.Errorf("%w: %s is not a sensor record", ErrMagic, MagicName(magic))
}
