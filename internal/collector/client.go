package collector

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"strconv"
	"time"

	"github.com/shaunagostinho/envnode/internal/transport"
	"github.com/shaunagostinho/envnode/internal/wire"
)

var ErrNoResponse = errors.New("collector: no command response")

// Client issues remote configuration commands to nodes.
type Client struct {
	tx      transport.Transport
	timeout time.Duration
}

func NewClient(tx transport.Transport, timeout time.Duration) *Client {
	return &Client{tx: tx, timeout: timeout}
}

// Do sends req to node and waits for the response carrying the same token.
// Datagrams from other addresses and unrelated records are skipped.
func (c *Client) Do(ctx context.Context, node netip.AddrPort, req wire.CommandRequest) (wire.CommandResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.tx.Send(ctx, node, wire.Encode(req)); err != nil {
		return wire.CommandResponse{}, fmt.Errorf("collector: send %s %s: %w", req.Op, req.Token, err)
	}
	for {
		dg, err := c.tx.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return wire.CommandResponse{}, fmt.Errorf("%w from %s for %s", ErrNoResponse, node, req.Token)
			}
			return wire.CommandResponse{}, err
		}
		if dg.From != node {
			continue
		}
		resp, err := wire.DecodeCommandResponse(dg.Payload)
		if err != nil {
			continue
		}
		if resp.Token != req.Token {
			log.Printf("[client] response for %s while waiting for %s", resp.Token, req.Token)
			continue
		}
		return resp, nil
	}
}

// Get reads token from node.
func (c *Client) Get(ctx context.Context, node netip.AddrPort, token wire.Token) (wire.Value, bool, error) {
	resp, err := c.Do(ctx, node, wire.NewGetRequest(token))
	if err != nil {
		return wire.Value{}, false, err
	}
	v, err := resp.Value()
	return v, resp.IsValid(), err
}

// Set writes v to token on node and returns the value the node holds
// afterwards.
func (c *Client) Set(ctx context.Context, node netip.AddrPort, token wire.Token, v wire.Value) (wire.Value, bool, error) {
	req, err := wire.NewSetRequest(token, v)
	if err != nil {
		return wire.Value{}, false, err
	}
	resp, err := c.Do(ctx, node, req)
	if err != nil {
		return wire.Value{}, false, err
	}
	got, err := resp.Value()
	return got, resp.IsValid(), err
}

// ParseValue parses s as the value kind token expects: unsigned seconds or
// counts, a signed temperature offset, an IPv6 address or hex bytes.
func ParseValue(token wire.Token, s string) (wire.Value, error) {
	switch token {
	case wire.TokenSensorInterval, wire.TokenRetryInterval, wire.TokenMaxFailures:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return wire.Value{}, fmt.Errorf("%s: %w", token, err)
		}
		return wire.UintValue(n), nil
	case wire.TokenTempOffset:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return wire.Value{}, fmt.Errorf("%s: %w", token, err)
		}
		return wire.IntValue(n), nil
	case wire.TokenCollectorAddress:
		a, err := netip.ParseAddr(s)
		if err != nil {
			return wire.Value{}, fmt.Errorf("%s: %w", token, err)
		}
		return wire.AddressValue(a), nil
	case wire.TokenCalibration:
		b, err := hex.DecodeString(s)
		if err != nil {
			return wire.Value{}, fmt.Errorf("%s: %w", token, err)
		}
		return wire.BytesValue(b), nil
	}
	return wire.Value{}, fmt.Errorf("unknown token %s", token)
}
