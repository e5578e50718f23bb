package delivery

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/shaunagostinho/envnode/internal/wire"
)

// State is a delivery state machine state.
type State int

const (
	StateInit State = iota
	StateSendCal
	StateWaitAckCal
	StateSendData
	StateWaitAckData
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSendCal:
		return "SEND_CAL"
	case StateWaitAckCal:
		return "WAIT_ACK_CAL"
	case StateSendData:
		return "SEND_DATA"
	case StateWaitAckData:
		return "WAIT_ACK_DATA"
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Settings supplies the timing and failure policy. The values are read
// fresh for every attempt so that configuration changes take effect on the
// next cycle.
type Settings interface {
	SensorInterval() time.Duration
	RetryInterval() time.Duration
	MaxFailures() int
}

// RecordSource builds the records the machine delivers.
type RecordSource interface {
	CalibrationRecord(seq uint32) wire.Record
	DataRecord(seq uint32) wire.Record
}

// Resetter performs the device-wide reset the machine escalates to.
type Resetter interface {
	Reset(reason string)
}

// Observer is notified of delivery progress. Implementations must not block.
type Observer interface {
	StateChanged(s State)
	Sent(kind string, seq uint32)
	Completed(kind string, seq uint32, o Outcome)
	Ack(v Verdict)
	Failures(n int)
	Reset(reason string)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StateChanged(State)                {}
func (NopObserver) Sent(string, uint32)               {}
func (NopObserver) Completed(string, uint32, Outcome) {}
func (NopObserver) Ack(Verdict)                       {}
func (NopObserver) Failures(int)                      {}
func (NopObserver) Reset(string)                      {}

// Session is the machine's mutable state for one boot.
type Session struct {
	State    State
	CalSeq   uint32 // last calibration sequence used
	DataSeq  uint32 // last data sequence used
	Failures int
	Dest     netip.AddrPort

	wake     time.Time
	deadline time.Time
	outcome  Outcome
}

// Options tunes a Machine. The zero value is usable.
type Options struct {
	// Settle delays the first calibration send after start.
	Settle time.Duration
	// FirstSeq is the first sequence number of each kind; zero means 1.
	FirstSeq uint32
	Observer Observer
}

// Machine drives calibration and data delivery. It is not safe for
// concurrent use; one goroutine calls Step or Run.
type Machine struct {
	sender   *Sender
	settings Settings
	source   RecordSource
	resetter Resetter
	obs      Observer
	settle   time.Duration
	firstSeq uint32
	dest     netip.AddrPort

	sess Session
}

func NewMachine(sender *Sender, settings Settings, source RecordSource, resetter Resetter, dest netip.AddrPort, opts Options) *Machine {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.FirstSeq == 0 {
		opts.FirstSeq = 1
	}
	m := &Machine{
		sender:   sender,
		settings: settings,
		source:   source,
		resetter: resetter,
		obs:      opts.Observer,
		settle:   opts.Settle,
		firstSeq: opts.FirstSeq,
		dest:     dest,
	}
	m.sess = m.freshSession()
	return m
}

func (m *Machine) freshSession() Session {
	return Session{
		State:   StateInit,
		CalSeq:  m.firstSeq - 1,
		DataSeq: m.firstSeq - 1,
		Dest:    m.dest,
	}
}

// Session returns a copy of the current session.
func (m *Machine) Session() Session { return m.sess }

// Run steps the machine until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	log.Printf("[delivery] delivering to %s", m.dest)
	for {
		if err := m.Step(ctx); err != nil {
			return err
		}
	}
}

// Step performs one state transition, blocking for as long as that state
// requires. It returns only ctx errors.
func (m *Machine) Step(ctx context.Context) error {
	switch m.sess.State {
	case StateInit:
		m.sess.wake = time.Now().Add(m.settle)
		m.enter(StateSendCal)

	case StateSendCal:
		if err := sleepUntil(ctx, m.sess.wake); err != nil {
			return err
		}
		m.sess.CalSeq++
		m.transmit(ctx, m.source.CalibrationRecord(m.sess.CalSeq))
		m.enter(StateWaitAckCal)

	case StateWaitAckCal:
		return m.await(ctx, StateSendData, StateSendCal, 0)

	case StateSendData:
		if err := sleepUntil(ctx, m.sess.wake); err != nil {
			return err
		}
		m.sess.DataSeq++
		m.transmit(ctx, m.source.DataRecord(m.sess.DataSeq))
		m.enter(StateWaitAckData)

	case StateWaitAckData:
		return m.await(ctx, StateSendData, StateSendData, m.settings.SensorInterval())

	default:
		m.reset(fmt.Sprintf("unknown delivery state %d", int(m.sess.State)))
	}
	return nil
}

// transmit performs one attempt. Send blocks for at most the retry
// interval, so by the time it returns the outcome is known.
func (m *Machine) transmit(ctx context.Context, rec wire.Record) {
	retry := m.settings.RetryInterval()
	kind := wire.MagicName(rec.RecordMagic())
	seq := rec.Sequence()

	m.sess.deadline = time.Now().Add(retry)
	m.obs.Sent(kind, seq)
	m.sess.outcome = m.sender.Send(ctx, m.sess.Dest, seq, wire.Encode(rec), retry)
	m.obs.Completed(kind, seq, m.sess.outcome)
	if m.sess.outcome != Success {
		log.Printf("[delivery] %s seq=%d: %s", kind, seq, m.sess.outcome)
	}
}

// await resolves a WAIT state. A success clears the failure count and
// schedules next after delay; anything else is counted once the retry
// interval has fully elapsed and schedules retry immediately.
func (m *Machine) await(ctx context.Context, next, retry State, delay time.Duration) error {
	if m.sess.outcome == Success {
		if m.sess.Failures != 0 {
			m.sess.Failures = 0
			m.obs.Failures(0)
		}
		m.sess.wake = time.Now().Add(delay)
		m.enter(next)
		return nil
	}

	if err := sleepUntil(ctx, m.sess.deadline); err != nil {
		return err
	}
	m.sess.Failures++
	m.obs.Failures(m.sess.Failures)

	if limit := m.settings.MaxFailures(); m.sess.Failures >= limit {
		m.reset(fmt.Sprintf("%d consecutive delivery failures", m.sess.Failures))
		return nil
	}
	m.sess.wake = time.Now()
	m.enter(retry)
	return nil
}

func (m *Machine) reset(reason string) {
	log.Printf("[delivery] WARNING: resetting device: %s", reason)
	m.obs.Reset(reason)
	m.resetter.Reset(reason)
	// A real reset never returns; in-process resetters get a rebooted
	// session instead.
	m.sess = m.freshSession()
	m.obs.StateChanged(m.sess.State)
}

func (m *Machine) enter(s State) {
	m.sess.State = s
	m.obs.StateChanged(s)
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
