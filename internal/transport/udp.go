package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"time"
)

// UDP carries datagrams over a UDP socket. On a mesh node the border router
// makes the collector reachable as an ordinary IPv6 endpoint.
type UDP struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP transport on addr (e.g. "[::]:5683").
func ListenUDP(addr string) (*UDP, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s: %w", addr, err)
	}
	log.Printf("[transport] udp listening on %s", conn.LocalAddr())
	return &UDP{conn: conn}, nil
}

func (u *UDP) Send(ctx context.Context, to netip.AddrPort, payload []byte) error {
	if len(payload) > MaxDatagram {
		return ErrTooLarge
	}
	if dl, ok := ctx.Deadline(); ok {
		u.conn.SetWriteDeadline(dl)
		defer u.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := u.conn.WriteToUDPAddrPort(payload, to); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("udp: send to %s: %w", to, err)
	}
	return nil
}

func (u *UDP) Receive(ctx context.Context) (Datagram, error) {
	buf := make([]byte, MaxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return Datagram{}, err
		}
		// Short read deadlines keep the loop responsive to ctx.
		u.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return Datagram{}, ErrClosed
			}
			return Datagram{}, fmt.Errorf("udp: receive: %w", err)
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		return Datagram{From: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), Payload: payload}, nil
	}
}

func (u *UDP) LocalAddr() netip.AddrPort {
	ap := u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (u *UDP) Close() error {
	return u.conn.Close()
}
