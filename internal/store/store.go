// Package store holds the node's persisted configuration record.
//
// The record is read once at boot. If the persisted image is missing,
// unreadable or carries the wrong magic/version stamp, hard-coded defaults
// are written back immediately. Every setter clamps its input to documented
// bounds and persists the whole record before returning.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	Magic   uint32 = 0x454E5643 // "CVNE"
	Version uint16 = 3
)

// Bounds and defaults. Intervals are whole seconds.
const (
	MinSensorInterval     = 5
	MaxSensorInterval     = 86400
	DefaultSensorInterval = 10

	MinRetryInterval     = 1
	MaxRetryInterval     = 600
	DefaultRetryInterval = 5

	MinMaxFailures     = 1
	MaxMaxFailures     = 1000
	DefaultMaxFailures = 10

	MinTempOffset = -1000 // centi-degrees
	MaxTempOffset = 1000

	CalibrationSize = 16
)

// DefaultCollector is the collector address of a fresh node.
var DefaultCollector = netip.MustParseAddr("fd00::1")

var ErrRejected = errors.New("store: value rejected")

// Record is the persisted configuration image.
type Record struct {
	Magic          uint32                `cbor:"1,keyasint"`
	Version        uint16                `cbor:"2,keyasint"`
	SensorInterval uint32                `cbor:"3,keyasint"`
	RetryInterval  uint32                `cbor:"4,keyasint"`
	MaxFailures    uint32                `cbor:"5,keyasint"`
	Collector      [16]byte              `cbor:"6,keyasint"`
	TempOffset     int32                 `cbor:"7,keyasint"`
	Calibration    [CalibrationSize]byte `cbor:"8,keyasint"`
}

// Defaults returns the record a node boots with when nothing valid is
// persisted.
func Defaults() Record {
	return Record{
		Magic:          Magic,
		Version:        Version,
		SensorInterval: DefaultSensorInterval,
		RetryInterval:  DefaultRetryInterval,
		MaxFailures:    DefaultMaxFailures,
		Collector:      DefaultCollector.As16(),
	}
}

// View is the JSON form of the record served by the status API.
type View struct {
	SensorInterval uint32 `json:"sensorInterval"`
	RetryInterval  uint32 `json:"retryInterval"`
	MaxFailures    uint32 `json:"maxFailures"`
	Collector      string `json:"collector"`
	TempOffset     int32  `json:"tempOffset"`
	Calibration    string `json:"calibration"`
}

// Store is the single owner of the configuration record.
type Store struct {
	mu  sync.Mutex
	rec Record
	p   Persister
}

// Open loads the record from p, falling back to defaults (and persisting
// them) when the image is absent or stale. A valid image with fields out of
// bounds is clamped and written back.
func Open(p Persister) (*Store, error) {
	s := &Store{p: p}

	rec, err := load(p)
	if err == nil {
		fixed, changed := sanitize(rec)
		if changed {
			log.Printf("[store] persisted record out of bounds, rewriting")
			if err := s.persist(fixed); err != nil {
				return nil, err
			}
		}
		s.rec = fixed
		log.Printf("[store] loaded config record v%d", rec.Version)
		return s, nil
	}

	log.Printf("[store] %v, writing defaults", err)
	if err := s.persist(Defaults()); err != nil {
		return nil, err
	}
	rec, err = load(p)
	if err != nil {
		return nil, fmt.Errorf("store: re-read defaults: %w", err)
	}
	s.rec = rec
	return s, nil
}

func load(p Persister) (Record, error) {
	var rec Record
	image, err := p.Read()
	if err != nil {
		return rec, err
	}
	if err := cbor.Unmarshal(image, &rec); err != nil {
		return rec, fmt.Errorf("store: decode image: %w", err)
	}
	if rec.Magic != Magic || rec.Version != Version {
		return rec, fmt.Errorf("store: stamp mismatch (magic 0x%08X v%d)", rec.Magic, rec.Version)
	}
	return rec, nil
}

// sanitize applies the setter bounds to a decoded record.
func sanitize(rec Record) (Record, bool) {
	out := rec
	out.SensorInterval = clamp("sensor interval", rec.SensorInterval, MinSensorInterval, MaxSensorInterval)
	out.RetryInterval = clamp("retry interval", rec.RetryInterval, MinRetryInterval, MaxRetryInterval)
	out.MaxFailures = clamp("max failures", rec.MaxFailures, MinMaxFailures, MaxMaxFailures)
	out.TempOffset = clamp("temperature offset", rec.TempOffset, MinTempOffset, MaxTempOffset)
	if !validCollector(netip.AddrFrom16(rec.Collector).Unmap()) {
		log.Printf("[store] persisted collector address rejected, using %v", DefaultCollector)
		out.Collector = DefaultCollector.As16()
	}
	return out, out != rec
}

func validCollector(a netip.Addr) bool {
	return a.IsValid() && !a.IsUnspecified() && !a.IsMulticast()
}

func (s *Store) persist(rec Record) error {
	image, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode image: %w", err)
	}
	if err := s.p.Write(image); err != nil {
		return fmt.Errorf("store: persist: %w", err)
	}
	return nil
}

// update applies fn to a copy of the record and keeps the copy only once
// it has been persisted.
func (s *Store) update(fn func(rec *Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.rec
	fn(&next)
	if err := s.persist(next); err != nil {
		return err
	}
	s.rec = next
	return nil
}

func clamp[T cmp.Ordered](name string, v, lo, hi T) T {
	switch {
	case v < lo:
		log.Printf("[store] %s %v below minimum, clamped to %v", name, v, lo)
		return lo
	case v > hi:
		log.Printf("[store] %s %v above maximum, clamped to %v", name, v, hi)
		return hi
	}
	return v
}

func (s *Store) SensorInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rec.SensorInterval) * time.Second
}

func (s *Store) RetryInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rec.RetryInterval) * time.Second
}

func (s *Store) MaxFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.rec.MaxFailures)
}

func (s *Store) CollectorAddress() netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return netip.AddrFrom16(s.rec.Collector).Unmap()
}

func (s *Store) TempOffset() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.TempOffset
}

func (s *Store) Calibration() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.rec.Calibration[:]...)
}

// SetSensorInterval stores the interval between readings, in seconds.
func (s *Store) SetSensorInterval(secs uint64) error {
	v := uint32(clamp("sensor interval", secs, MinSensorInterval, MaxSensorInterval))
	return s.update(func(rec *Record) { rec.SensorInterval = v })
}

// SetRetryInterval stores the delay between delivery attempts, in seconds.
func (s *Store) SetRetryInterval(secs uint64) error {
	v := uint32(clamp("retry interval", secs, MinRetryInterval, MaxRetryInterval))
	return s.update(func(rec *Record) { rec.RetryInterval = v })
}

func (s *Store) SetMaxFailures(n uint64) error {
	v := uint32(clamp("max failures", n, MinMaxFailures, MaxMaxFailures))
	return s.update(func(rec *Record) { rec.MaxFailures = v })
}

func (s *Store) SetTempOffset(centi int64) error {
	v := int32(clamp("temperature offset", centi, MinTempOffset, MaxTempOffset))
	return s.update(func(rec *Record) { rec.TempOffset = v })
}

// SetCollectorAddress rejects unspecified, multicast and invalid addresses,
// leaving the stored address unchanged.
func (s *Store) SetCollectorAddress(a netip.Addr) error {
	if !validCollector(a) {
		log.Printf("[store] collector address %v rejected", a)
		return fmt.Errorf("%w: collector address %v", ErrRejected, a)
	}
	return s.update(func(rec *Record) { rec.Collector = a.As16() })
}

// SetCalibration requires exactly CalibrationSize bytes.
func (s *Store) SetCalibration(b []byte) error {
	if len(b) != CalibrationSize {
		log.Printf("[store] calibration of %d bytes rejected, want %d", len(b), CalibrationSize)
		return fmt.Errorf("%w: calibration length %d", ErrRejected, len(b))
	}
	return s.update(func(rec *Record) { copy(rec.Calibration[:], b) })
}

// Snapshot returns the JSON view of the current record.
func (s *Store) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		SensorInterval: s.rec.SensorInterval,
		RetryInterval:  s.rec.RetryInterval,
		MaxFailures:    s.rec.MaxFailures,
		Collector:      netip.AddrFrom16(s.rec.Collector).Unmap().String(),
		TempOffset:     s.rec.TempOffset,
		Calibration:    fmt.Sprintf("%x", s.rec.Calibration),
	}
}
