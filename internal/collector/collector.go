// Package collector is the reference receiving end of the delivery
// protocol: it acknowledges every well-formed sensor record and queues the
// reading in Redis for whoever processes it downstream.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shaunagostinho/envnode/internal/transport"
	"github.com/shaunagostinho/envnode/internal/wire"
)

// Reading is the queued form of one received sensor record.
type Reading struct {
	ID         string         `msgpack:"id"`
	Node       string         `msgpack:"node"`
	Kind       string         `msgpack:"kind"`
	Seq        uint32         `msgpack:"seq"`
	ReceivedAt int64          `msgpack:"received_at"` // Unix ms
	Fields     map[string]any `msgpack:"fields"`
}

// Publisher hands accepted readings to downstream processing.
type Publisher interface {
	Publish(ctx context.Context, r Reading) error
}

// Observer is told about every record the collector handles.
type Observer interface {
	Received(kind string)
	Rejected()
	Published(err error)
}

type nopObserver struct{}

func (nopObserver) Received(string) {}
func (nopObserver) Rejected()       {}
func (nopObserver) Published(error) {}

// RedisQueue appends readings to a Redis list.
type RedisQueue struct {
	rdb   *redis.Client
	queue string
}

func NewRedisQueue(rdb *redis.Client, queue string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queue: queue}
}

func (q *RedisQueue) Publish(ctx context.Context, r Reading) error {
	b, err := msgpack.Marshal(&r)
	if err != nil {
		return fmt.Errorf("collector: encode reading: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.queue, b).Err(); err != nil {
		return fmt.Errorf("collector: push to %s: %w", q.queue, err)
	}
	return nil
}

// Collector serves one transport.
type Collector struct {
	tx  transport.Transport
	pub Publisher
	obs Observer
	now func() time.Time
}

// New creates a collector. pub and obs may be nil.
func New(tx transport.Transport, pub Publisher, obs Observer) *Collector {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Collector{tx: tx, pub: pub, obs: obs, now: time.Now}
}

// Run handles datagrams until ctx is done or the transport closes.
func (c *Collector) Run(ctx context.Context) error {
	log.Printf("[collector] listening on %s", c.tx.LocalAddr())
	for {
		dg, err := c.tx.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		c.HandleDatagram(ctx, dg)
	}
}

// HandleDatagram acknowledges a sensor record and publishes its reading.
// Anything else is dropped.
func (c *Collector) HandleDatagram(ctx context.Context, dg transport.Datagram) {
	rec, err := wire.DecodeSensorRecord(dg.Payload)
	if err != nil {
		c.obs.Rejected()
		log.Printf("[collector] dropped datagram from %s: %v", dg.From, err)
		return
	}

	kind := wire.MagicName(rec.RecordMagic())
	c.obs.Received(kind)

	ack := wire.Encode(wire.NewAck(rec.Sequence(), wire.AckOK))
	if err := c.tx.Send(ctx, dg.From, ack); err != nil {
		log.Printf("[collector] ack %s #%d to %s: %v", kind, rec.Sequence(), dg.From, err)
	}

	if c.pub == nil {
		return
	}
	reading := Reading{
		ID:         uuid.New().String(),
		Node:       dg.From.Addr().String(),
		Kind:       kind,
		Seq:        rec.Sequence(),
		ReceivedAt: c.now().UnixMilli(),
		Fields:     Fields(rec),
	}
	err = c.pub.Publish(ctx, reading)
	c.obs.Published(err)
	if err != nil {
		log.Printf("[collector] ERROR: %v", err)
	}
}

// Fields flattens the measurements of a sensor record.
func Fields(rec wire.Record) map[string]any {
	switch r := rec.(type) {
	case wire.Calibration:
		coeffs := make([]int32, len(r.Coeffs))
		copy(coeffs, r.Coeffs[:])
		return map[string]any{
			"variant": r.Variant.String(),
			"coeffs":  coeffs,
			"flags":   r.Flags,
		}
	case wire.Airborne:
		return map[string]any{
			"pressure":    r.Pressure,
			"temperature": r.Temperature,
			"humidity":    r.Humidity,
			"battery_mv":  r.BatteryMV,
			"red":         r.Red,
			"green":       r.Green,
			"blue":        r.Blue,
			"clear":       r.Clear,
			"mag_x":       r.MagX,
			"mag_y":       r.MagY,
			"mag_z":       r.MagZ,
			"flags":       r.Flags,
		}
	case wire.Water:
		return map[string]any{
			"conductivity_low":  r.Conductivity[0],
			"conductivity_mid":  r.Conductivity[1],
			"conductivity_high": r.Conductivity[2],
			"temperature":       r.Temperature,
			"battery_mv":        r.BatteryMV,
			"flags":             r.Flags,
		}
	case wire.Generic:
		return map[string]any{
			"ch0":        r.Channels[0],
			"ch1":        r.Channels[1],
			"ch2":        r.Channels[2],
			"ch3":        r.Channels[3],
			"battery_mv": r.BatteryMV,
			"flags":      r.Flags,
		}
	}
	return nil
}
