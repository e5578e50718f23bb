package main

import (
	"fmt"
	"log"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/envnode/internal/collector"
	"github.com/shaunagostinho/envnode/internal/node"
	"github.com/shaunagostinho/envnode/internal/store"
	"github.com/shaunagostinho/envnode/internal/transport"
)

var (
	demo       bool
	variant    string
	statusAddr string
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a sensor node",
	Long: `Run a sensor node: read the sensors, deliver records to the collector and
answer remote configuration commands.

With --demo the node talks to an in-process collector over a simulated link
and keeps its configuration record in memory.`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func init() {
	nodeCmd.Flags().BoolVar(&demo, "demo", false, "Run against an in-process collector")
	nodeCmd.Flags().StringVar(&variant, "variant", "", "Override node variant (airborne, water, generic)")
	nodeCmd.Flags().StringVar(&statusAddr, "listen", "", "Override status server address (e.g. :8080)")
	rootCmd.AddCommand(nodeCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	log.Println("[main] envnode node starting")
	cfg := loadConfig()
	if variant != "" {
		cfg.Node.Variant = variant
	}
	if statusAddr != "" {
		cfg.Status.ListenAddr = statusAddr
	}

	ctx, cancel := signalContext()
	defer cancel()

	var opts node.Options
	if demo {
		cfg.Node.Reset = "session"
		local, err := netip.ParseAddrPort(cfg.Transport.LocalAddr)
		if err != nil {
			return fmt.Errorf("transport.local_addr: %w", err)
		}
		remote := netip.AddrPortFrom(store.DefaultCollector, cfg.Transport.CollectorPort)
		nodeEnd, collectorEnd := transport.NewPipe(local, remote)
		go collector.New(collectorEnd, nil, nil).Run(ctx)

		opts.Transport = nodeEnd
		opts.Persister = &store.MemPersister{}
	}

	n, err := node.New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	return n.Run(ctx)
}
