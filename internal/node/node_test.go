package node

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaunagostinho/envnode/internal/collector"
	"github.com/shaunagostinho/envnode/internal/command"
	"github.com/shaunagostinho/envnode/internal/config"
	"github.com/shaunagostinho/envnode/internal/delivery"
	"github.com/shaunagostinho/envnode/internal/logger"
	"github.com/shaunagostinho/envnode/internal/store"
	"github.com/shaunagostinho/envnode/internal/transport"
	"github.com/shaunagostinho/envnode/internal/wire"
)

var (
	nodeAddr      = netip.MustParseAddrPort("[fd00::2]:5684")
	collectorAddr = netip.MustParseAddrPort("[fd00::1]:5683")
)

type recordingAcks struct {
	mu   sync.Mutex
	seen [][]byte
}

func (r *recordingAcks) HandleDatagram(b []byte) bool {
	r.mu.Lock()
	r.seen = append(r.seen, b)
	r.mu.Unlock()
	return true
}

func TestDispatcherRoutesByMagic(t *testing.T) {
	nodeEnd, peer := transport.NewPipe(nodeAddr, collectorAddr)
	s, err := store.Open(&store.MemPersister{})
	if err != nil {
		t.Fatal(err)
	}
	acks := &recordingAcks{}
	d := NewDispatcher(nodeEnd, acks, command.NewResponder(s, nil))
	ctx := context.Background()

	d.OnDatagram(ctx, transport.Datagram{From: collectorAddr, Payload: wire.Encode(wire.NewAck(3, wire.AckOK))})
	d.OnDatagram(ctx, transport.Datagram{From: collectorAddr, Payload: wire.Encode(wire.NewGetRequest(wire.TokenRetryInterval))})
	d.OnDatagram(ctx, transport.Datagram{From: collectorAddr, Payload: wire.Encode(wire.Generic{Seq: 1})})
	d.OnDatagram(ctx, transport.Datagram{From: collectorAddr, Payload: []byte{0xAA}})

	if len(acks.seen) != 1 {
		t.Fatalf("ack handler saw %d datagrams, want 1", len(acks.seen))
	}
	sent := nodeEnd.Sent()
	if len(sent) != 1 {
		t.Fatalf("node sent %d datagrams, want one command response", len(sent))
	}

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	dg, err := peer.Receive(rctx)
	if err != nil {
		t.Fatalf("no response at requester: %v", err)
	}
	resp, err := wire.DecodeCommandResponse(dg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	v, _ := resp.Value()
	if n, _ := v.Uint(); resp.Token != wire.TokenRetryInterval || !resp.IsValid() || n != store.DefaultRetryInterval {
		t.Errorf("response = %+v value %v", resp, v)
	}
}

func TestDispatcherMalformedCommandGetsNoReply(t *testing.T) {
	nodeEnd, _ := transport.NewPipe(nodeAddr, collectorAddr)
	s, _ := store.Open(&store.MemPersister{})
	d := NewDispatcher(nodeEnd, &recordingAcks{}, command.NewResponder(s, nil))

	req := wire.Encode(wire.NewGetRequest(wire.TokenRetryInterval))
	d.OnDatagram(context.Background(), transport.Datagram{From: collectorAddr, Payload: req[:len(req)-2]})

	if n := len(nodeEnd.Sent()); n != 0 {
		t.Errorf("sent %d datagrams for a truncated request", n)
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.Variant = "water"
	cfg.Node.SettleMs = 0
	cfg.Node.Reset = "session"
	cfg.Status.Enabled = false
	cfg.Logging.Enabled = false
	return cfg
}

func TestNodeDeliversToCollector(t *testing.T) {
	nodeEnd, collectorEnd := transport.NewPipe(nodeAddr, collectorAddr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go collector.New(collectorEnd, nil, nil).Run(ctx)

	n, err := New(ctx, testConfig(), Options{
		Transport: nodeEnd,
		Persister: &store.MemPersister{},
		Registry:  prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	var kinds []uint32
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		kinds = kinds[:0]
		for _, b := range nodeEnd.Sent() {
			m, _ := wire.PeekMagic(b)
			kinds = append(kinds, m)
		}
		if ok, _ := n.LEDs(); ok && len(kinds) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(kinds) < 2 || kinds[0] != wire.MagicCalibration || kinds[1] != wire.MagicWater {
		t.Fatalf("node sent %v, want calibration then water record", kinds)
	}
	if ok, fail := n.LEDs(); !ok || fail {
		t.Errorf("leds = %v/%v, want ok", ok, fail)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Node.Variant = "orbital"
	nodeEnd, _ := transport.NewPipe(nodeAddr, collectorAddr)

	_, err := New(context.Background(), cfg, Options{Transport: nodeEnd, Persister: &store.MemPersister{}})
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestOpenTransportUnknownTypeIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cfg := config.TransportConfig{Type: "carrier-pigeon"}

	_, err := openWithRetry(ctx, "test", func() (transport.Transport, error) { return OpenTransport(cfg) }, 3)
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestProcessResetterFallsBackToExit(t *testing.T) {
	var released bool
	var argv []string
	code := -1
	r := NewProcessResetter(func() { released = true })
	r.exec = func(_ string, a []string, _ []string) error {
		argv = a
		return errors.New("exec format error")
	}
	r.exit = func(c int) { code = c }

	r.Reset("10 consecutive delivery failures")

	if !released {
		t.Error("Before hook not called")
	}
	if len(argv) != len(os.Args) {
		t.Errorf("exec argv = %v, want os.Args", argv)
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestNewResetter(t *testing.T) {
	if _, ok := NewResetter("session", nil).(SessionResetter); !ok {
		t.Error(`"session" did not give a SessionResetter`)
	}
	if _, ok := NewResetter("process", nil).(*ProcessResetter); !ok {
		t.Error(`"process" did not give a ProcessResetter`)
	}
}

func TestIndicatorFollowsLastExchange(t *testing.T) {
	var ind Indicator
	steps := []struct {
		outcome  delivery.Outcome
		ok, fail bool
	}{
		{delivery.Success, true, false},
		{delivery.Timeout, false, true},
		{delivery.Busy, false, true},
		{delivery.Aborted, false, true},
		{delivery.Success, true, false},
	}
	for i, s := range steps {
		ind.Completed("GEN1", uint32(i), s.outcome)
		if ok, fail := ind.LEDs(); ok != s.ok || fail != s.fail {
			t.Errorf("after %v: leds = %v/%v, want %v/%v", s.outcome, ok, fail, s.ok, s.fail)
		}
	}
	ind.Reset("test")
	if ok, fail := ind.LEDs(); ok || fail {
		t.Error("reset left an LED lit")
	}
}

type countingObserver struct {
	delivery.NopObserver
	states, resets int
}

func (c *countingObserver) StateChanged(delivery.State) { c.states++ }
func (c *countingObserver) Reset(string)                { c.resets++ }

func TestObserversFanOut(t *testing.T) {
	a, b := &countingObserver{}, &countingObserver{}
	obs := Observers{a, b}

	obs.StateChanged(delivery.StateSendCal)
	obs.Sent("CAL1", 1)
	obs.Completed("CAL1", 1, delivery.Success)
	obs.Ack(delivery.Match)
	obs.Failures(0)
	obs.Reset("x")

	for _, c := range []*countingObserver{a, b} {
		if c.states != 1 || c.resets != 1 {
			t.Errorf("observer saw %d states, %d resets", c.states, c.resets)
		}
	}
}

func TestLogSwitchTogglesAndSaves(t *testing.T) {
	dir := t.TempDir()
	cfg := config.LoadConfig(filepath.Join(dir, "config.yaml"))
	cfg.Logging = logger.Config{Enabled: false, Path: filepath.Join(dir, "log")}
	sw := logSwitch{csv: logger.New(cfg.Logging), cfg: cfg}

	if err := sw.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if !sw.IsEnabled() {
		t.Error("delivery log still off")
	}
	if !config.LoadConfig(filepath.Join(dir, "config.yaml")).Logging.Enabled {
		t.Error("choice not saved to config file")
	}
}
