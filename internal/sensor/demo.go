package sensor

import (
	"math"
	"math/rand"
	"sync"
)

// Color is one reading of the colour sensor.
type Color struct {
	Red, Green, Blue, Clear uint16
}

// Vector is one magnetometer reading.
type Vector struct {
	X, Y, Z int16
}

// Range selects a conductivity measurement range.
type Range int

const (
	RangeLow Range = iota
	RangeMid
	RangeHigh
)

// FactoryCoeffs is the number of factory calibration constants a sensor
// set reports.
const FactoryCoeffs = 8

// Sensors are the individual sensor reads. Each returns ok=false when the
// sensor did not answer.
type Sensors interface {
	Pressure() (uint32, bool)   // Pa
	Temperature() (int32, bool) // centi-degrees Celsius
	Humidity() (uint32, bool)   // milli-percent RH
	Color() (Color, bool)
	Magnetic() (Vector, bool)
	BatteryMV() (uint16, bool)
	Conductivity(r Range) (uint32, bool) // microsiemens
	Channel(i int) (int32, bool)         // millivolts
	Coefficients() ([FactoryCoeffs]int32, bool)
}

// Channel names accepted by Demo.Fail.
const (
	ChanPressure     = "pressure"
	ChanTemperature  = "temperature"
	ChanHumidity     = "humidity"
	ChanColor        = "color"
	ChanMagnetic     = "magnetic"
	ChanBattery      = "battery"
	ChanConductivity = "conductivity"
	ChanChannels     = "channels"
	ChanCoefficients = "coefficients"
)

// Demo generates plausible environmental readings for development and
// testing.
type Demo struct {
	mu     sync.Mutex
	t      float64 // virtual time accumulator
	rng    *rand.Rand
	failed map[string]bool
}

func NewDemo(seed int64) *Demo {
	return &Demo{rng: rand.New(rand.NewSource(seed)), failed: make(map[string]bool)}
}

// Fail makes the named channel stop answering (or answer again).
func (d *Demo) Fail(channel string, failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed[channel] = failed
}

// tick advances virtual time and reports whether channel answers.
func (d *Demo) tick(channel string) bool {
	d.t += 0.05
	return !d.failed[channel]
}

func (d *Demo) Pressure() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tick(ChanPressure) {
		return 0, false
	}
	// Slow weather drift around standard pressure.
	return uint32(101325 + 800*math.Sin(d.t*0.01) + d.rng.Float64()*20), true
}

func (d *Demo) Temperature() (int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tick(ChanTemperature) {
		return 0, false
	}
	// Diurnal swing between roughly 12 and 24 degrees.
	return int32(1800 + 600*math.Sin(d.t*0.02) + d.rng.Float64()*30), true
}

func (d *Demo) Humidity() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tick(ChanHumidity) {
		return 0, false
	}
	return uint32(55000 - 15000*math.Sin(d.t*0.02) + d.rng.Float64()*500), true
}

func (d *Demo) Color() (Color, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tick(ChanColor) {
		return Color{}, false
	}
	light := 0.5 + 0.5*math.Sin(d.t*0.02)
	return Color{
		Red:   uint16(light*12000 + d.rng.Float64()*100),
		Green: uint16(light*15000 + d.rng.Float64()*100),
		Blue:  uint16(light*9000 + d.rng.Float64()*100),
		Clear: uint16(light*40000 + d.rng.Float64()*200),
	}, true
}

func (d *Demo) Magnetic() (Vector, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tick(ChanMagnetic) {
		return Vector{}, false
	}
	return Vector{
		X: int16(200 + d.rng.Float64()*10),
		Y: int16(-40 + d.rng.Float64()*10),
		Z: int16(-430 + d.rng.Float64()*10),
	}, true
}

func (d *Demo) BatteryMV() (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tick(ChanBattery) {
		return 0, false
	}
	// Slow discharge from a full 3.0V cell.
	mv := 3000 - d.t*0.1
	if mv < 2000 {
		mv = 2000
	}
	return uint16(mv), true
}

func (d *Demo) Conductivity(r Range) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tick(ChanConductivity) {
		return 0, false
	}
	base := 450.0 + 50*math.Sin(d.t*0.01)
	scale := [...]float64{RangeLow: 1, RangeMid: 1.02, RangeHigh: 0.97}
	if r < RangeLow || r > RangeHigh {
		return 0, false
	}
	return uint32(base*scale[r] + d.rng.Float64()*5), true
}

func (d *Demo) Channel(i int) (int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tick(ChanChannels) || i < 0 || i > 3 {
		return 0, false
	}
	return int32(1650 + 1000*math.Sin(d.t*0.05+float64(i)) + d.rng.Float64()*10), true
}

func (d *Demo) Coefficients() ([FactoryCoeffs]int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failed[ChanCoefficients] {
		return [FactoryCoeffs]int32{}, false
	}
	// Fixed per device, like factory trim values.
	return [FactoryCoeffs]int32{27504, 26435, -1000, 36760, 25563, 28876, 3, 1000}, true
}
