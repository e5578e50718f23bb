package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/envnode/internal/collector"
	"github.com/shaunagostinho/envnode/internal/config"
	"github.com/shaunagostinho/envnode/internal/metrics"
	"github.com/shaunagostinho/envnode/internal/transport"
)

var noRedis bool

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run the reference collector",
	Long: `Run the reference collector: acknowledge every sensor record received on
the collector address and queue the readings in a Redis list as msgpack.`,
	Args: cobra.NoArgs,
	RunE: runCollector,
}

func init() {
	collectorCmd.Flags().BoolVar(&noRedis, "no-redis", false, "Acknowledge records without queueing them")
	rootCmd.AddCommand(collectorCmd)
}

func runCollector(cmd *cobra.Command, args []string) error {
	log.Println("[main] envnode collector starting")
	cfg := loadConfig()

	ctx, cancel := signalContext()
	defer cancel()

	var pub collector.Publisher
	if !noRedis {
		rdb, err := newRedisClient(cfg.Collector)
		if err != nil {
			return err
		}
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Printf("[collector] ERROR: redis at %s unreachable: %v", cfg.Collector.RedisAddr, err)
		}
		pub = collector.NewRedisQueue(rdb, cfg.Collector.Queue)
	}

	reg := prometheus.NewRegistry()
	met := metrics.NewCollector(reg)
	if cfg.Collector.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Collector.MetricsAddr, reg)
	}

	tx, err := transport.ListenUDP(cfg.Collector.ListenAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		tx.Close()
	}()
	return collector.New(tx, pub, met).Run(ctx)
}

// newRedisClient accepts either a redis:// URL or a host:port address.
func newRedisClient(cfg config.CollectorConfig) (*redis.Client, error) {
	if strings.HasPrefix(cfg.RedisAddr, "redis://") || strings.HasPrefix(cfg.RedisAddr, "rediss://") {
		opt, err := redis.ParseURL(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[collector] metrics on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Printf("[collector] ERROR: metrics server: %v", err)
	}
}
