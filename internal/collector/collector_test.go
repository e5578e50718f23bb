package collector

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shaunagostinho/envnode/internal/command"
	"github.com/shaunagostinho/envnode/internal/store"
	"github.com/shaunagostinho/envnode/internal/transport"
	"github.com/shaunagostinho/envnode/internal/wire"
)

const queue = "envnode:test"

var (
	nodeAddr      = netip.MustParseAddrPort("[fd00::2]:5684")
	collectorAddr = netip.MustParseAddrPort("[fd00::1]:5683")
)

type recordingObserver struct {
	mu        sync.Mutex
	received  []string
	rejected  int
	published []error
}

func (o *recordingObserver) Received(kind string) {
	o.mu.Lock()
	o.received = append(o.received, kind)
	o.mu.Unlock()
}

func (o *recordingObserver) Rejected() {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func (o *recordingObserver) Published(err error) {
	o.mu.Lock()
	o.published = append(o.published, err)
	o.mu.Unlock()
}

func startRedis(t *testing.T) (*miniredis.Miniredis, *RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewRedisQueue(rdb, queue)
}

func receiveAck(t *testing.T, node *transport.Pipe) wire.Ack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dg, err := node.Receive(ctx)
	if err != nil {
		t.Fatalf("no ack: %v", err)
	}
	ack, err := wire.DecodeAck(dg.Payload)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	return ack
}

func TestAcksAndPublishesReading(t *testing.T) {
	mr, q := startRedis(t)
	node, end := transport.NewPipe(nodeAddr, collectorAddr)
	obs := &recordingObserver{}
	c := New(end, q, obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	rec := wire.Generic{Seq: 7, Channels: [4]int32{1200, -250, 0, 33}, BatteryMV: 3300}
	if err := node.Send(ctx, collectorAddr, wire.Encode(rec)); err != nil {
		t.Fatal(err)
	}

	ack := receiveAck(t, node)
	if ack.Seq != 7 || ack.Result != wire.AckOK {
		t.Errorf("ack = %+v, want seq 7 result ok", ack)
	}

	var values []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		values, _ = mr.List(queue)
		if len(values) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(values) != 1 {
		t.Fatalf("queue has %d entries, want 1", len(values))
	}

	var r Reading
	if err := msgpack.Unmarshal([]byte(values[0]), &r); err != nil {
		t.Fatalf("msgpack.Unmarshal: %v", err)
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		t.Errorf("reading id %q: %v", r.ID, err)
	}
	if r.Node != "fd00::2" || r.Kind != "generic" || r.Seq != 7 || r.ReceivedAt == 0 {
		t.Errorf("reading = %+v", r)
	}
	if got := fmt.Sprint(r.Fields["ch1"]); got != "-250" {
		t.Errorf("ch1 = %s, want -250", got)
	}
	if got := fmt.Sprint(r.Fields["battery_mv"]); got != "3300" {
		t.Errorf("battery_mv = %s, want 3300", got)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.received) != 1 || obs.received[0] != "generic" {
		t.Errorf("received = %v", obs.received)
	}
}

func TestMalformedDatagramsAreDropped(t *testing.T) {
	node, end := transport.NewPipe(nodeAddr, collectorAddr)
	obs := &recordingObserver{}
	c := New(end, nil, obs)

	short := wire.Encode(wire.Water{Seq: 1})
	for _, b := range [][]byte{
		{0x01, 0x02},
		short[:len(short)-1],
		wire.Encode(wire.NewAck(1, wire.AckOK)),
		wire.Encode(wire.NewGetRequest(wire.TokenMaxFailures)),
	} {
		c.HandleDatagram(context.Background(), transport.Datagram{From: node.LocalAddr(), Payload: b})
	}

	if n := len(end.Sent()); n != 0 {
		t.Errorf("collector sent %d datagrams for malformed input", n)
	}
	if obs.rejected != 4 {
		t.Errorf("rejected = %d, want 4", obs.rejected)
	}
}

func TestEveryRecordKindIsAcked(t *testing.T) {
	node, end := transport.NewPipe(nodeAddr, collectorAddr)
	c := New(end, nil, nil)

	records := []wire.Record{
		wire.Calibration{Seq: 1, Variant: wire.VariantWater},
		wire.Airborne{Seq: 2},
		wire.Water{Seq: 3},
		wire.Generic{Seq: 0xFFFFFFFF},
	}
	for _, rec := range records {
		c.HandleDatagram(context.Background(), transport.Datagram{From: node.LocalAddr(), Payload: wire.Encode(rec)})
		if ack := receiveAck(t, node); ack.Seq != rec.Sequence() {
			t.Errorf("%s: ack seq %d, want %d", wire.MagicName(rec.RecordMagic()), ack.Seq, rec.Sequence())
		}
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Reading) error { return errors.New("redis down") }

func TestPublishFailureStillAcks(t *testing.T) {
	node, end := transport.NewPipe(nodeAddr, collectorAddr)
	obs := &recordingObserver{}
	c := New(end, failingPublisher{}, obs)

	c.HandleDatagram(context.Background(), transport.Datagram{From: node.LocalAddr(), Payload: wire.Encode(wire.Airborne{Seq: 9})})

	if ack := receiveAck(t, node); ack.Seq != 9 {
		t.Errorf("ack seq = %d, want 9", ack.Seq)
	}
	if len(obs.published) != 1 || obs.published[0] == nil {
		t.Errorf("published = %v, want one error", obs.published)
	}
}

func TestFieldsCalibration(t *testing.T) {
	cal := wire.Calibration{Variant: wire.VariantAirborne, Flags: 2}
	cal.Coeffs[11] = -7
	f := Fields(cal)
	if f["variant"] != "airborne" {
		t.Errorf("variant = %v", f["variant"])
	}
	if coeffs, ok := f["coeffs"].([]int32); !ok || len(coeffs) != wire.CalibrationCoeffs || coeffs[11] != -7 {
		t.Errorf("coeffs = %v", f["coeffs"])
	}
}

// serveCommands answers command requests like a node would, after first
// sending some noise the client must skip.
func serveCommands(ctx context.Context, node *transport.Pipe, r *command.Responder) {
	for {
		dg, err := node.Receive(ctx)
		if err != nil {
			return
		}
		node.Send(ctx, dg.From, wire.Encode(wire.NewAck(1, wire.AckOK)))
		node.Send(ctx, dg.From, wire.Encode(wire.NewResponse(wire.TokenCalibration, false, wire.Value{})))
		if resp := r.Handle(dg.Payload); resp != nil {
			node.Send(ctx, dg.From, resp)
		}
	}
}

func TestClientGetSet(t *testing.T) {
	node, end := transport.NewPipe(nodeAddr, collectorAddr)
	s, err := store.Open(&store.MemPersister{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveCommands(ctx, node, command.NewResponder(s, nil))

	client := NewClient(end, time.Second)

	v, valid, err := client.Get(ctx, nodeAddr, wire.TokenMaxFailures)
	if err != nil || !valid {
		t.Fatalf("Get: %v valid=%v", err, valid)
	}
	if n, _ := v.Uint(); n != 10 {
		t.Errorf("max_failures = %d, want default 10", n)
	}

	v, valid, err = client.Set(ctx, nodeAddr, wire.TokenMaxFailures, wire.UintValue(5000))
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if valid {
		t.Error("clamped set reported valid")
	}
	if n, _ := v.Uint(); n != 1000 || s.MaxFailures() != 1000 {
		t.Errorf("after set value = %d, stored %d", n, s.MaxFailures())
	}
}

func TestClientTimeout(t *testing.T) {
	_, end := transport.NewPipe(nodeAddr, collectorAddr)
	client := NewClient(end, 30*time.Millisecond)

	_, err := client.Do(context.Background(), nodeAddr, wire.NewGetRequest(wire.TokenSensorInterval))
	if !errors.Is(err, ErrNoResponse) {
		t.Errorf("err = %v, want ErrNoResponse", err)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		token wire.Token
		in    string
		want  wire.Value
		ok    bool
	}{
		{wire.TokenSensorInterval, "60", wire.UintValue(60), true},
		{wire.TokenSensorInterval, "-1", wire.Value{}, false},
		{wire.TokenTempOffset, "-150", wire.IntValue(-150), true},
		{wire.TokenCollectorAddress, "fd00::9", wire.AddressValue(netip.MustParseAddr("fd00::9")), true},
		{wire.TokenCollectorAddress, "not-an-ip", wire.Value{}, false},
		{wire.TokenCalibration, "00ff10", wire.BytesValue([]byte{0x00, 0xff, 0x10}), true},
		{wire.TokenCalibration, "zz", wire.Value{}, false},
		{wire.Token(99), "1", wire.Value{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.token.String()+"/"+tt.in, func(t *testing.T) {
			got, err := ParseValue(tt.token, tt.in)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if tt.ok && !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
