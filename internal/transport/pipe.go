package transport

import (
	"context"
	"net/netip"
	"sync"
)

// Pipe is one end of an in-memory datagram link. Datagrams sent to any
// address other than the peer's are silently lost, like unroutable packets
// on the mesh.
type Pipe struct {
	local netip.AddrPort
	peer  *Pipe
	rx    chan Datagram
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	drop func(payload []byte) bool
	sent [][]byte
}

// NewPipe returns two connected ends with the given addresses.
func NewPipe(a, b netip.AddrPort) (*Pipe, *Pipe) {
	pa := &Pipe{local: a, rx: make(chan Datagram, 64), done: make(chan struct{})}
	pb := &Pipe{local: b, rx: make(chan Datagram, 64), done: make(chan struct{})}
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

// SetDrop installs a loss function consulted for every outgoing datagram.
func (p *Pipe) SetDrop(drop func(payload []byte) bool) {
	p.mu.Lock()
	p.drop = drop
	p.mu.Unlock()
}

// Sent returns copies of every datagram handed to Send, lost or not.
func (p *Pipe) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	for i, b := range p.sent {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

func (p *Pipe) Send(ctx context.Context, to netip.AddrPort, payload []byte) error {
	if len(payload) > MaxDatagram {
		return ErrTooLarge
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	p.mu.Lock()
	p.sent = append(p.sent, append([]byte(nil), payload...))
	drop := p.drop
	p.mu.Unlock()

	if to != p.peer.local || (drop != nil && drop(payload)) {
		return nil
	}
	dg := Datagram{From: p.local, Payload: append([]byte(nil), payload...)}
	select {
	case p.peer.rx <- dg:
	case <-p.peer.done:
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Receiver backlog full: lost.
	}
	return nil
}

func (p *Pipe) Receive(ctx context.Context) (Datagram, error) {
	select {
	case dg := <-p.rx:
		return dg, nil
	case <-p.done:
		return Datagram{}, ErrClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

func (p *Pipe) LocalAddr() netip.AddrPort { return p.local }

func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
