// Package node assembles a sensor node: the transport, the persisted
// configuration, the sensors, the delivery machine and the services that
// report on them.
package node

import (
	"context"
	"errors"
	"log"

	"github.com/shaunagostinho/envnode/internal/transport"
	"github.com/shaunagostinho/envnode/internal/wire"
)

// AckHandler consumes acknowledgment datagrams. *delivery.Matcher
// satisfies it.
type AckHandler interface {
	HandleDatagram(b []byte) bool
}

// CommandHandler serves a command request and returns the encoded
// response, or nil when nothing should be sent back. *command.Responder
// satisfies it.
type CommandHandler interface {
	Handle(b []byte) []byte
}

// Dispatcher routes every inbound datagram by its magic header.
type Dispatcher struct {
	tx       transport.Transport
	acks     AckHandler
	commands CommandHandler
}

func NewDispatcher(tx transport.Transport, acks AckHandler, commands CommandHandler) *Dispatcher {
	return &Dispatcher{tx: tx, acks: acks, commands: commands}
}

// OnDatagram hands acknowledgments to the matcher and answers command
// requests to whoever sent them. Other datagrams are dropped.
func (d *Dispatcher) OnDatagram(ctx context.Context, dg transport.Datagram) {
	magic, err := wire.PeekMagic(dg.Payload)
	if err != nil {
		log.Printf("[node] dropped %d-byte datagram from %s", len(dg.Payload), dg.From)
		return
	}

	switch magic {
	case wire.MagicAck:
		d.acks.HandleDatagram(dg.Payload)
	case wire.MagicCommandRequest:
		resp := d.commands.Handle(dg.Payload)
		if resp == nil {
			return
		}
		if err := d.tx.Send(ctx, dg.From, resp); err != nil {
			log.Printf("[node] command response to %s: %v", dg.From, err)
		}
	default:
		log.Printf("[node] ignoring %s from %s", wire.MagicName(magic), dg.From)
	}
}

// Run receives datagrams until ctx is done or the transport closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		dg, err := d.tx.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		d.OnDatagram(ctx, dg)
	}
}
