package main

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/envnode/internal/collector"
	"github.com/shaunagostinho/envnode/internal/transport"
	"github.com/shaunagostinho/envnode/internal/wire"
)

var (
	nodeTarget string
	bindAddr   string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or change a node's configuration remotely",
	Long: `Read or change one configuration token of a running node.

Tokens: sensor_interval, retry_interval, max_failures, collector_address,
temp_offset, calibration (hex).

The node clamps out-of-range values; the command prints the value the node
holds afterwards and reports whether it is the one requested.`,
}

var configGetCmd = &cobra.Command{
	Use:   "get TOKEN",
	Short: "Read a configuration token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(cmd, args[0], nil)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set TOKEN VALUE",
	Short: "Write a configuration token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(cmd, args[0], &args[1])
	},
}

func init() {
	configCmd.PersistentFlags().StringVarP(&nodeTarget, "node", "n", "", "Node address, e.g. [fd00::2]:5684 (required)")
	configCmd.PersistentFlags().StringVar(&bindAddr, "bind", "[::]:0", "Local UDP address to send from")
	configCmd.MarkPersistentFlagRequired("node")
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, name string, value *string) error {
	cfg := loadConfig()

	token, ok := wire.ParseToken(name)
	if !ok {
		return fmt.Errorf("unknown token %q", name)
	}
	target, err := netip.ParseAddrPort(nodeTarget)
	if err != nil {
		return fmt.Errorf("--node: %w", err)
	}

	tx, err := transport.ListenUDP(bindAddr)
	if err != nil {
		return err
	}
	defer tx.Close()

	ctx, cancel := signalContext()
	defer cancel()

	client := collector.NewClient(tx, time.Duration(cfg.Collector.TimeoutMs)*time.Millisecond)

	var got wire.Value
	var valid bool
	if value == nil {
		got, valid, err = client.Get(ctx, target, token)
	} else {
		v, perr := collector.ParseValue(token, *value)
		if perr != nil {
			return perr
		}
		got, valid, err = client.Set(ctx, target, token, v)
	}
	if err != nil {
		return err
	}

	status := "ok"
	if !valid {
		status = "invalid"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (%s)\n", token, got, status)
	return nil
}
