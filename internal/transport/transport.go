// Package transport moves datagrams between a node and its collector.
//
// The mesh stack below it (address resolution, routing, radio scheduling) is
// somebody else's problem: a Transport sends one datagram to an address and
// hands back whatever datagrams arrive.
package transport

import (
	"context"
	"errors"
	"net/netip"
)

// Datagram is one received payload and the address it came from.
type Datagram struct {
	From    netip.AddrPort
	Payload []byte
}

// Transport is the datagram boundary to the mesh.
type Transport interface {
	// Send transmits payload once. It does not wait for any reply.
	Send(ctx context.Context, to netip.AddrPort, payload []byte) error
	// Receive blocks until a datagram arrives, ctx is done or the
	// transport is closed.
	Receive(ctx context.Context) (Datagram, error)
	// LocalAddr is the address replies should be sent to.
	LocalAddr() netip.AddrPort
	Close() error
}

var (
	ErrClosed   = errors.New("transport: closed")
	ErrTooLarge = errors.New("transport: datagram too large")
)

// MaxDatagram is the largest payload any transport accepts.
const MaxDatagram = 1232
