package delivery

import (
	"context"
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/shaunagostinho/envnode/internal/transport"
	"github.com/shaunagostinho/envnode/internal/wire"
)

var (
	nodeAddr      = netip.MustParseAddrPort("[fd00::2]:5683")
	collectorAddr = netip.MustParseAddrPort("[fd00::1]:5683")
)

// replyFunc decides how the fake collector answers a record: the sequence
// to echo, or ok=false for silence.
type replyFunc func(magic, seq uint32) (echo uint32, ok bool)

func ackAll(_, seq uint32) (uint32, bool) { return seq, true }
func silent(_, _ uint32) (uint32, bool)   { return 0, false }

type harness struct {
	node    *transport.Pipe
	sender  *Sender
	matcher *Matcher
}

// newHarness wires a Sender and Matcher to one end of a pipe and a fake
// collector to the other.
func newHarness(t *testing.T, reply replyFunc) *harness {
	t.Helper()
	node, coll := transport.NewPipe(nodeAddr, collectorAddr)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		node.Close()
		coll.Close()
	})

	h := &harness{node: node, sender: NewSender(node)}
	h.matcher = NewMatcher(h.sender, nil)

	go func() {
		for {
			dg, err := node.Receive(ctx)
			if err != nil {
				return
			}
			h.matcher.HandleDatagram(dg.Payload)
		}
	}()
	go func() {
		for {
			dg, err := coll.Receive(ctx)
			if err != nil {
				return
			}
			if len(dg.Payload) < 8 {
				continue
			}
			magic := binary.LittleEndian.Uint32(dg.Payload)
			seq := binary.LittleEndian.Uint32(dg.Payload[4:])
			if echo, ok := reply(magic, seq); ok {
				_ = coll.Send(ctx, dg.From, wire.Encode(wire.NewAck(echo, wire.AckOK)))
			}
		}
	}()
	return h
}

// sentSeqs returns the sequence numbers of every record of the given kind
// the node handed to its transport.
func (h *harness) sentSeqs(magic uint32) []uint32 {
	var seqs []uint32
	for _, p := range h.node.Sent() {
		if binary.LittleEndian.Uint32(p) == magic {
			seqs = append(seqs, binary.LittleEndian.Uint32(p[4:]))
		}
	}
	return seqs
}

func payload(seq uint32) []byte {
	return wire.Encode(wire.Generic{Seq: seq})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		echoed, outstanding uint32
		want                Verdict
	}{
		{5, 5, Match},
		{6, 5, Ahead},
		{4, 5, Behind},
		{0, 0xFFFFFFFF, Ahead},
		{0xFFFFFFFF, 0, Behind},
		{3, 0xFFFFFFFE, Ahead},
		{0xFFFFFFFE, 3, Behind},
	}
	for _, tt := range tests {
		if got := Classify(tt.echoed, tt.outstanding); got != tt.want {
			t.Errorf("Classify(%#x, %#x) = %v, want %v", tt.echoed, tt.outstanding, got, tt.want)
		}
	}
}

func TestSendSuccess(t *testing.T) {
	h := newHarness(t, ackAll)
	if got := h.sender.Send(context.Background(), collectorAddr, 7, payload(7), time.Second); got != Success {
		t.Fatalf("Send = %v, want success", got)
	}
	if _, busy := h.sender.Outstanding(); busy {
		t.Error("sender still busy after completion")
	}
}

func TestSendTimeout(t *testing.T) {
	h := newHarness(t, silent)
	start := time.Now()
	if got := h.sender.Send(context.Background(), collectorAddr, 7, payload(7), 30*time.Millisecond); got != Timeout {
		t.Fatalf("Send = %v, want timeout", got)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestSendBusyLeavesOutstandingAlone(t *testing.T) {
	h := newHarness(t, silent)

	first := make(chan Outcome, 1)
	go func() {
		first <- h.sender.Send(context.Background(), collectorAddr, 5, payload(5), 200*time.Millisecond)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if _, busy := h.sender.Outstanding(); busy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first send never became outstanding")
		}
		time.Sleep(time.Millisecond)
	}

	if got := h.sender.Send(context.Background(), collectorAddr, 6, payload(6), time.Second); got != Busy {
		t.Fatalf("second Send = %v, want busy", got)
	}
	if seq, busy := h.sender.Outstanding(); seq != 5 || !busy {
		t.Errorf("Outstanding() = %d, %v; want 5, true", seq, busy)
	}
	if got := <-first; got != Timeout {
		t.Errorf("first Send = %v, want timeout", got)
	}
	if seqs := h.sentSeqs(wire.MagicGeneric); len(seqs) != 1 {
		t.Errorf("transmitted %v, want only the first record", seqs)
	}
}

func TestAckAheadAborts(t *testing.T) {
	h := newHarness(t, func(_, seq uint32) (uint32, bool) { return seq + 1, true })
	start := time.Now()
	if got := h.sender.Send(context.Background(), collectorAddr, 9, payload(9), time.Second); got != Aborted {
		t.Fatalf("Send = %v, want aborted", got)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("abort waited for the timeout")
	}
}

func TestAckBehindIsIgnored(t *testing.T) {
	h := newHarness(t, func(_, seq uint32) (uint32, bool) { return seq - 1, true })
	if got := h.sender.Send(context.Background(), collectorAddr, 9, payload(9), 40*time.Millisecond); got != Timeout {
		t.Fatalf("Send = %v, want timeout", got)
	}
}

func TestSendTransportErrorAborts(t *testing.T) {
	h := newHarness(t, ackAll)
	h.node.Close()
	if got := h.sender.Send(context.Background(), collectorAddr, 1, payload(1), time.Second); got != Aborted {
		t.Fatalf("Send on closed transport = %v, want aborted", got)
	}
}

func TestSendContextCancelAborts(t *testing.T) {
	h := newHarness(t, silent)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if got := h.sender.Send(ctx, collectorAddr, 1, payload(1), time.Minute); got != Aborted {
		t.Fatalf("Send = %v, want aborted", got)
	}
}

func TestCompleteRequiresMatchingSequence(t *testing.T) {
	s := NewSender(nil)
	if s.complete(3, Success) {
		t.Error("complete signalled with nothing outstanding")
	}
}

func TestMatcherHandleDatagram(t *testing.T) {
	m := NewMatcher(NewSender(nil), nil)

	if m.HandleDatagram(wire.Encode(wire.Generic{Seq: 1})) {
		t.Error("data record claimed as an ack")
	}
	if m.HandleDatagram([]byte{1, 2}) {
		t.Error("runt claimed as an ack")
	}
	truncated := wire.Encode(wire.NewAck(1, wire.AckOK))[:8]
	if !m.HandleDatagram(truncated) {
		t.Error("malformed ack not consumed")
	}
	if !m.HandleDatagram(wire.Encode(wire.NewAck(1, wire.AckOK))) {
		t.Error("ack with nothing outstanding not consumed")
	}
}
