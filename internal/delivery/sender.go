// Package delivery implements reliable delivery of sensor records to the
// collector: a single-outstanding send primitive, the acknowledgment
// matcher that completes it, and the state machine that owns the retry
// policy and escalates to a device reset.
package delivery

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/shaunagostinho/envnode/internal/transport"
)

// Outcome is the result of one Send.
type Outcome int

const (
	Success Outcome = iota
	Timeout
	Aborted
	Busy
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Aborted:
		return "aborted"
	case Busy:
		return "busy"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Sender transmits one datagram at a time and waits for it to be
// acknowledged. It never retries; the caller owns the retry policy.
type Sender struct {
	tx transport.Transport

	mu          sync.Mutex
	busy        bool
	outstanding uint32
	done        chan Outcome
}

func NewSender(tx transport.Transport) *Sender {
	return &Sender{tx: tx}
}

// Send transmits payload (a record carrying sequence seq) to dst once and
// blocks until the matcher completes it, timeout elapses, or the transport
// or ctx gives up. A call made while another is outstanding returns Busy
// without touching the outstanding sequence.
func (s *Sender) Send(ctx context.Context, dst netip.AddrPort, seq uint32, payload []byte, timeout time.Duration) Outcome {
	s.mu.Lock()
	if s.busy {
		outstanding := s.outstanding
		s.mu.Unlock()
		log.Printf("[delivery] ERROR: send seq=%d rejected, seq=%d still outstanding", seq, outstanding)
		return Busy
	}
	done := make(chan Outcome, 1)
	s.busy = true
	s.outstanding = seq
	s.done = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.done = nil
		s.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := s.tx.Send(ctx, dst, payload); err != nil {
		log.Printf("[delivery] transmit seq=%d to %s failed: %v", seq, dst, err)
		return Aborted
	}

	select {
	case o := <-done:
		return o
	case <-timer.C:
		return Timeout
	case <-ctx.Done():
		return Aborted
	}
}

// Outstanding returns the sequence of the send in flight, if any.
func (s *Sender) Outstanding() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding, s.busy
}

// complete ends the send in flight with o, provided it is still the one
// carrying seq. It reports whether a waiting Send was signalled.
func (s *Sender) complete(seq uint32, o Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy || s.outstanding != seq {
		return false
	}
	select {
	case s.done <- o:
		return true
	default:
		// Already completed; the first definitive outcome wins.
		return false
	}
}
