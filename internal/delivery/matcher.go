package delivery

import (
	"log"

	"github.com/shaunagostinho/envnode/internal/wire"
)

// Verdict classifies an acknowledgment against the outstanding sequence.
type Verdict int

const (
	// Match: the ack confirms the send in flight.
	Match Verdict = iota
	// Ahead: the collector is past the send in flight; abandon it.
	Ahead
	// Behind: a late ack for an earlier attempt; keep waiting.
	Behind
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case Ahead:
		return "ahead"
	case Behind:
		return "behind"
	}
	return "unknown"
}

// Classify compares sequence numbers in serial-number arithmetic so that
// the comparison stays correct across the 32-bit wrap.
func Classify(echoed, outstanding uint32) Verdict {
	d := int32(echoed - outstanding)
	switch {
	case d == 0:
		return Match
	case d > 0:
		return Ahead
	}
	return Behind
}

// Matcher routes inbound acknowledgments to the Sender.
type Matcher struct {
	sender *Sender
	obs    Observer
}

func NewMatcher(sender *Sender, obs Observer) *Matcher {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Matcher{sender: sender, obs: obs}
}

// HandleDatagram inspects one inbound datagram. It returns false when the
// datagram is not an acknowledgment at all, so the caller can offer it to
// another handler.
func (m *Matcher) HandleDatagram(b []byte) bool {
	magic, err := wire.PeekMagic(b)
	if err != nil || magic != wire.MagicAck {
		return false
	}
	ack, err := wire.DecodeAck(b)
	if err != nil {
		log.Printf("[delivery] dropped ack: %v", err)
		return true
	}

	outstanding, ok := m.sender.Outstanding()
	if !ok {
		log.Printf("[delivery] ack seq=%d with nothing outstanding", ack.Seq)
		return true
	}

	v := Classify(ack.Seq, outstanding)
	m.obs.Ack(v)
	switch v {
	case Match:
		if ack.Result != wire.AckOK {
			log.Printf("[delivery] ack seq=%d carries result %d", ack.Seq, ack.Result)
		}
		m.sender.complete(outstanding, Success)
	case Ahead:
		log.Printf("[delivery] ack seq=%d ahead of outstanding seq=%d, abandoning send", ack.Seq, outstanding)
		m.sender.complete(outstanding, Aborted)
	case Behind:
		log.Printf("[delivery] stale ack seq=%d (outstanding seq=%d) ignored", ack.Seq, outstanding)
	}
	return true
}
