package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shaunagostinho/envnode/internal/command"
	"github.com/shaunagostinho/envnode/internal/config"
	"github.com/shaunagostinho/envnode/internal/delivery"
	"github.com/shaunagostinho/envnode/internal/logger"
	"github.com/shaunagostinho/envnode/internal/metrics"
	"github.com/shaunagostinho/envnode/internal/sensor"
	"github.com/shaunagostinho/envnode/internal/server"
	"github.com/shaunagostinho/envnode/internal/store"
	"github.com/shaunagostinho/envnode/internal/transport"
	"github.com/shaunagostinho/envnode/web"
)

// Options replaces collaborators that are otherwise built from the config.
type Options struct {
	Transport transport.Transport
	Persister store.Persister
	Sensors   sensor.Sensors
	Resetter  delivery.Resetter
	Registry  *prometheus.Registry
}

// Node is an assembled sensor node.
type Node struct {
	tx       transport.Transport
	store    *store.Store
	machine  *delivery.Machine
	dispatch *Dispatcher
	status   *server.Server
	csv      *logger.Logger
	leds     *Indicator
}

// New builds a node from cfg. Without an injected transport it opens the
// configured one, retrying until it succeeds or ctx is done.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	variant, err := sensor.ParseVariant(cfg.Node.Variant)
	if err != nil {
		return nil, err
	}

	if opts.Persister == nil {
		opts.Persister = store.NewFilePersister(cfg.Node.StorePath)
	}
	st, err := store.Open(opts.Persister)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	if opts.Sensors == nil {
		opts.Sensors = sensor.NewDemo(time.Now().UnixNano())
	}
	reader, err := sensor.NewReader(variant, opts.Sensors, sensor.NewBus(), sensor.NewController(), st)
	if err != nil {
		return nil, err
	}

	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	met := metrics.NewNode(opts.Registry)

	tx := opts.Transport
	if tx == nil {
		tx, err = openWithRetry(ctx, cfg.Transport.Type, func() (transport.Transport, error) {
			return OpenTransport(cfg.Transport)
		}, 10)
		if err != nil {
			return nil, err
		}
	}

	n := &Node{
		tx:    tx,
		store: st,
		csv:   logger.New(cfg.Logging),
		leds:  &Indicator{},
	}

	observers := Observers{met, n.csv, n.leds}
	if cfg.Status.Enabled {
		n.status = server.New(cfg.Status.ListenAddr, st, server.Options{
			Variant:    variant.String(),
			LEDs:       n.leds,
			Logging:    logSwitch{csv: n.csv, cfg: cfg},
			Deployment: cfg,
			WebFS:      web.FS,
			Gatherer:   opts.Registry,
		})
		observers = append(observers, n.status)
	}

	resetter := opts.Resetter
	if resetter == nil {
		resetter = NewResetter(cfg.Node.Reset, n.release)
	}

	sender := delivery.NewSender(tx)
	dest := netip.AddrPortFrom(st.CollectorAddress(), cfg.Transport.CollectorPort)
	n.machine = delivery.NewMachine(sender, st, reader, resetter, dest, delivery.Options{
		Settle:   time.Duration(cfg.Node.SettleMs) * time.Millisecond,
		Observer: observers,
	})
	n.dispatch = NewDispatcher(tx, delivery.NewMatcher(sender, observers), command.NewResponder(st, met))

	log.Printf("[node] %s node at %s, collector %s", variant, tx.LocalAddr(), dest)
	return n, nil
}

// NewResetter picks the reset behaviour named by mode ("process" or
// "session").
func NewResetter(mode string, release func()) delivery.Resetter {
	if mode == "session" {
		return SessionResetter{}
	}
	return NewProcessResetter(release)
}

// Store exposes the persisted configuration.
func (n *Node) Store() *store.Store { return n.store }

// LEDs reports the status indicator.
func (n *Node) LEDs() (ok, fail bool) { return n.leds.LEDs() }

// Run receives datagrams, serves status and delivers records until ctx is
// done.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer n.release()

	errCh := make(chan error, 2)
	go func() { errCh <- n.dispatch.Run(ctx) }()
	if n.status != nil {
		go func() {
			if err := n.status.Run(ctx); err != nil {
				log.Printf("[node] status server exited: %v", err)
			}
		}()
	}
	go func() { errCh <- n.machine.Run(ctx) }()

	err := <-errCh
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.New("node: receive loop stopped")
	}
	return err
}

func (n *Node) release() {
	n.tx.Close()
	n.csv.Close()
}

// logSwitch toggles the delivery log and records the choice in the
// config file.
type logSwitch struct {
	csv *logger.Logger
	cfg *config.Config
}

func (l logSwitch) SetEnabled(on bool) error {
	l.csv.SetEnabled(on)
	return l.cfg.SetLogging(on)
}

func (l logSwitch) IsEnabled() bool { return l.csv.IsEnabled() }

// OpenTransport opens the transport named by cfg.Type.
func OpenTransport(cfg config.TransportConfig) (transport.Transport, error) {
	switch cfg.Type {
	case "udp":
		u, err := transport.ListenUDP(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		return u, nil
	case "serial":
		local, err := netip.ParseAddrPort(cfg.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("node: local address: %w", err)
		}
		s, err := transport.OpenSerial(transport.SerialConfig{
			PortPath: cfg.PortPath,
			BaudRate: cfg.BaudRate,
			Local:    local,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: transport.type %q", config.ErrInvalid, cfg.Type)
}

// openWithRetry calls open with exponential backoff. Starts at 1s, doubles
// each attempt up to 60s; attempts past maxAttempts keep the max interval.
func openWithRetry(ctx context.Context, name string, open func() (transport.Transport, error), maxAttempts int) (transport.Transport, error) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		tx, err := open()
		if err == nil {
			log.Printf("[%s] opened (attempt %d)", name, attempt+1)
			return tx, nil
		}
		if errors.Is(err, config.ErrInvalid) {
			return nil, err
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] open attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] open attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
