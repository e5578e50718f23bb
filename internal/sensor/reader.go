package sensor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shaunagostinho/envnode/internal/wire"
)

// DefaultTimeout bounds every bus acquisition and controller task.
const DefaultTimeout = 2 * time.Second

var errNoAnswer = errors.New("sensor: no answer")

// Settings is the part of the configuration record applied to readings.
type Settings interface {
	TempOffset() int32
	Calibration() []byte
}

// Calibration record flag bits, one per coefficient block.
const (
	CalFlagFactory uint16 = 1 << iota
	CalFlagSite
)

// ParseVariant resolves a node variant from its configuration name.
func ParseVariant(name string) (wire.Variant, error) {
	for _, v := range []wire.Variant{wire.VariantAirborne, wire.VariantWater, wire.VariantGeneric} {
		if v.String() == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("sensor: unknown variant %q", name)
}

// Reader builds the records of one node variant from its sensors.
type Reader struct {
	variant wire.Variant
	sensors Sensors
	bus     *Bus
	ctrl    *Controller
	cfg     Settings
	timeout time.Duration
}

func NewReader(variant wire.Variant, sensors Sensors, bus *Bus, ctrl *Controller, cfg Settings) (*Reader, error) {
	switch variant {
	case wire.VariantAirborne, wire.VariantWater, wire.VariantGeneric:
	default:
		return nil, fmt.Errorf("sensor: unsupported variant %v", variant)
	}
	return &Reader{
		variant: variant,
		sensors: sensors,
		bus:     bus,
		ctrl:    ctrl,
		cfg:     cfg,
		timeout: DefaultTimeout,
	}, nil
}

func (r *Reader) Variant() wire.Variant { return r.variant }

// CalibrationRecord reports the factory coefficients followed by the four
// site coefficients held in the configuration record.
func (r *Reader) CalibrationRecord(seq uint32) wire.Record {
	rec := wire.Calibration{Magic: wire.MagicCalibration, Seq: seq, Variant: r.variant}

	err := r.withBus(func(context.Context) {
		if coeffs, ok := r.sensors.Coefficients(); ok {
			copy(rec.Coeffs[:FactoryCoeffs], coeffs[:])
		} else {
			rec.Flags |= CalFlagFactory
		}
	})
	if err != nil {
		rec.Flags |= CalFlagFactory
	}

	site := r.cfg.Calibration()
	if len(site) != 4*(wire.CalibrationCoeffs-FactoryCoeffs) {
		rec.Flags |= CalFlagSite
		return rec
	}
	for i := FactoryCoeffs; i < wire.CalibrationCoeffs; i++ {
		rec.Coeffs[i] = int32(binary.LittleEndian.Uint32(site[4*(i-FactoryCoeffs):]))
	}
	return rec
}

// DataRecord takes one reading of every sensor of the variant. Channels
// that do not answer are zero with their flag bit set.
func (r *Reader) DataRecord(seq uint32) wire.Record {
	switch r.variant {
	case wire.VariantAirborne:
		return r.airborne(seq)
	case wire.VariantWater:
		return r.water(seq)
	}
	return r.generic(seq)
}

func (r *Reader) airborne(seq uint32) wire.Airborne {
	rec := wire.Airborne{Magic: wire.MagicAirborne, Seq: seq}
	err := r.withBus(func(ctx context.Context) {
		s := r.sensors
		if v, ok := s.Pressure(); ok {
			rec.Pressure = v
		} else {
			rec.Flags |= wire.FlagPressure
		}
		if v, ok := s.Temperature(); ok {
			rec.Temperature = v + r.cfg.TempOffset()
		} else {
			rec.Flags |= wire.FlagTemperature
		}
		if v, ok := s.Humidity(); ok {
			rec.Humidity = v
		} else {
			rec.Flags |= wire.FlagHumidity
		}

		// Colour integration runs on the coprocessor.
		out, err := r.ctrl.Run(ctx, r.timeout, func() ([]byte, error) {
			c, ok := s.Color()
			if !ok {
				return nil, errNoAnswer
			}
			b := make([]byte, 8)
			binary.LittleEndian.PutUint16(b[0:], c.Red)
			binary.LittleEndian.PutUint16(b[2:], c.Green)
			binary.LittleEndian.PutUint16(b[4:], c.Blue)
			binary.LittleEndian.PutUint16(b[6:], c.Clear)
			return b, nil
		})
		if err != nil || len(out) != 8 {
			rec.Flags |= wire.FlagColor
		} else {
			rec.Red = binary.LittleEndian.Uint16(out[0:])
			rec.Green = binary.LittleEndian.Uint16(out[2:])
			rec.Blue = binary.LittleEndian.Uint16(out[4:])
			rec.Clear = binary.LittleEndian.Uint16(out[6:])
		}

		if v, ok := s.Magnetic(); ok {
			rec.MagX, rec.MagY, rec.MagZ = v.X, v.Y, v.Z
		} else {
			rec.Flags |= wire.FlagMagnetic
		}
		if v, ok := s.BatteryMV(); ok {
			rec.BatteryMV = v
		} else {
			rec.Flags |= wire.FlagBattery
		}
	})
	if err != nil {
		rec.Flags = wire.FlagPressure | wire.FlagTemperature | wire.FlagHumidity |
			wire.FlagColor | wire.FlagMagnetic | wire.FlagBattery
	}
	return rec
}

func (r *Reader) water(seq uint32) wire.Water {
	rec := wire.Water{Magic: wire.MagicWater, Seq: seq}
	err := r.withBus(func(ctx context.Context) {
		s := r.sensors
		for i, rng := range []Range{RangeLow, RangeMid, RangeHigh} {
			rng := rng // per-iteration copy (go1.22 loop semantics) for tasks outliving a timeout
			out, err := r.ctrl.Run(ctx, r.timeout, func() ([]byte, error) {
				v, ok := s.Conductivity(rng)
				if !ok {
					return nil, errNoAnswer
				}
				return binary.LittleEndian.AppendUint32(nil, v), nil
			})
			if err != nil || len(out) != 4 {
				rec.Flags |= wire.FlagConductivity
				continue
			}
			rec.Conductivity[i] = binary.LittleEndian.Uint32(out)
		}
		if v, ok := s.Temperature(); ok {
			rec.Temperature = v + r.cfg.TempOffset()
		} else {
			rec.Flags |= wire.FlagTemperature
		}
		if v, ok := s.BatteryMV(); ok {
			rec.BatteryMV = v
		} else {
			rec.Flags |= wire.FlagBattery
		}
	})
	if err != nil {
		rec.Flags = wire.FlagConductivity | wire.FlagTemperature | wire.FlagBattery
	}
	return rec
}

func (r *Reader) generic(seq uint32) wire.Generic {
	rec := wire.Generic{Magic: wire.MagicGeneric, Seq: seq}
	err := r.withBus(func(context.Context) {
		s := r.sensors
		for i := range rec.Channels {
			v, ok := s.Channel(i)
			if !ok {
				rec.Flags |= wire.FlagChannels
				continue
			}
			rec.Channels[i] = v
		}
		if v, ok := s.BatteryMV(); ok {
			rec.BatteryMV = v
		} else {
			rec.Flags |= wire.FlagBattery
		}
	})
	if err != nil {
		rec.Flags = wire.FlagChannels | wire.FlagBattery
	}
	return rec
}

// withBus runs fn while holding the sensor bus.
func (r *Reader) withBus(fn func(ctx context.Context)) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.bus.Acquire(ctx); err != nil {
		log.Printf("[sensor] bus unavailable: %v", err)
		return err
	}
	defer r.bus.Release()
	fn(context.Background())
	return nil
}
