// Package command serves remote get/set requests against the node's
// configuration record.
package command

import (
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/shaunagostinho/envnode/internal/wire"
)

// Config is the configuration surface the responder reads and writes.
// *store.Store satisfies it.
type Config interface {
	SensorInterval() time.Duration
	RetryInterval() time.Duration
	MaxFailures() int
	CollectorAddress() netip.Addr
	TempOffset() int32
	Calibration() []byte

	SetSensorInterval(secs uint64) error
	SetRetryInterval(secs uint64) error
	SetMaxFailures(n uint64) error
	SetCollectorAddress(a netip.Addr) error
	SetTempOffset(centi int64) error
	SetCalibration(b []byte) error
}

// Observer is told about every command served.
type Observer interface {
	Command(op wire.Op, token wire.Token, valid bool)
}

type accessor struct {
	get func() wire.Value
	set func(wire.Value) error
}

// Responder maps command tokens to the typed configuration accessors.
type Responder struct {
	table map[wire.Token]accessor
	obs   Observer
}

func NewResponder(cfg Config, obs Observer) *Responder {
	return &Responder{table: accessors(cfg), obs: obs}
}

func accessors(cfg Config) map[wire.Token]accessor {
	return map[wire.Token]accessor{
		wire.TokenSensorInterval: {
			get: func() wire.Value { return wire.UintValue(uint64(cfg.SensorInterval() / time.Second)) },
			set: setUint(cfg.SetSensorInterval),
		},
		wire.TokenRetryInterval: {
			get: func() wire.Value { return wire.UintValue(uint64(cfg.RetryInterval() / time.Second)) },
			set: setUint(cfg.SetRetryInterval),
		},
		wire.TokenMaxFailures: {
			get: func() wire.Value { return wire.UintValue(uint64(cfg.MaxFailures())) },
			set: setUint(cfg.SetMaxFailures),
		},
		wire.TokenCollectorAddress: {
			get: func() wire.Value { return wire.AddressValue(cfg.CollectorAddress()) },
			set: func(v wire.Value) error {
				a, ok := v.Address()
				if !ok {
					return kindError(v, wire.KindAddress)
				}
				return cfg.SetCollectorAddress(a)
			},
		},
		wire.TokenTempOffset: {
			get: func() wire.Value { return wire.IntValue(int64(cfg.TempOffset())) },
			set: func(v wire.Value) error {
				n, ok := v.Int()
				if !ok {
					return kindError(v, wire.KindInt)
				}
				return cfg.SetTempOffset(n)
			},
		},
		wire.TokenCalibration: {
			get: func() wire.Value { return wire.BytesValue(cfg.Calibration()) },
			set: func(v wire.Value) error {
				b, ok := v.Bytes()
				if !ok {
					return kindError(v, wire.KindBytes)
				}
				return cfg.SetCalibration(b)
			},
		},
	}
}

func setUint(set func(uint64) error) func(wire.Value) error {
	return func(v wire.Value) error {
		n, ok := v.Uint()
		if !ok {
			return kindError(v, wire.KindUint)
		}
		return set(n)
	}
}

func kindError(v wire.Value, want wire.Kind) error {
	return fmt.Errorf("%w: got %s, want %s", wire.ErrValue, v.Kind(), want)
}

// Handle serves one encoded request and returns the encoded response.
// Malformed requests get no response (nil). Everything else is answered;
// failures are reported through the response's valid flag, never as an
// error.
func (r *Responder) Handle(b []byte) []byte {
	req, err := wire.DecodeCommandRequest(b)
	if err != nil {
		log.Printf("[command] dropped request: %v", err)
		return nil
	}
	resp := r.serve(req)
	if r.obs != nil {
		r.obs.Command(req.Op, req.Token, resp.IsValid())
	}
	return wire.Encode(resp)
}

func (r *Responder) serve(req wire.CommandRequest) wire.CommandResponse {
	acc, ok := r.table[req.Token]
	if !ok {
		log.Printf("[command] unknown token %d", uint16(req.Token))
		return wire.NewResponse(req.Token, false, wire.Value{})
	}

	switch req.Op {
	case wire.OpGet:
		return wire.NewResponse(req.Token, true, acc.get())

	case wire.OpSet:
		want, err := req.Value()
		if err != nil {
			log.Printf("[command] set %s: %v", req.Token, err)
			return wire.NewResponse(req.Token, false, acc.get())
		}
		if err := acc.set(want); err != nil {
			log.Printf("[command] set %s=%s: %v", req.Token, want, err)
			return wire.NewResponse(req.Token, false, acc.get())
		}
		got := acc.get()
		valid := got.Equal(want)
		if valid {
			log.Printf("[command] %s set to %s", req.Token, got)
		} else {
			log.Printf("[command] %s requested %s, stored %s", req.Token, want, got)
		}
		return wire.NewResponse(req.Token, valid, got)
	}

	log.Printf("[command] unknown op %d for %s", uint8(req.Op), req.Token)
	return wire.NewResponse(req.Token, false, wire.Value{})
}
