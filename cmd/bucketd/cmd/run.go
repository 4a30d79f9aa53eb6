package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andydunstall/bucketgossip"
	"github.com/andydunstall/bucketgossip/bucket"
	"github.com/andydunstall/bucketgossip/cluster"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath    string
	bindAddr      string
	advertiseAddr string
	members       []string
	snapshotDir   string
	metricsAddr   string
	logLevel      string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")

	// Flags override the config file.
	runCmd.Flags().StringVarP(&bindAddr, "bind-addr", "a", "", "Address to listen for gossip on")
	runCmd.Flags().StringVar(&advertiseAddr, "advertise-addr", "", "Address other members know this node by")
	runCmd.Flags().StringSliceVarP(&members, "members", "m", nil, "Addresses of the other cluster members (comma-separated)")
	runCmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "", "Directory to persist the node incarnation to")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node",
	Long: `Run a node that replicates its routes to the cluster members.

Examples:
  # Start a node
  bucketd run --bind-addr=127.0.0.1:7946 --snapshot-dir=/var/lib/bucketd

  # Start a node with members to gossip with
  bucketd run --bind-addr=127.0.0.1:7947 --snapshot-dir=/var/lib/bucketd --members=127.0.0.1:7946

  # Listen on all interfaces
  bucketd run --bind-addr=0.0.0.0:7946 --advertise-addr=10.26.104.52:7946 --snapshot-dir=/var/lib/bucketd`,
	Run: func(cmd *cobra.Command, args []string) {
		conf, err := loadRunConfig(cmd)
		if err != nil {
			log.Fatalf("invalid config: %v", err)
		}

		logger, err := conf.Logger()
		if err != nil {
			log.Fatalf("failed to setup logger: %v", err)
		}
		defer logger.Sync()

		if err := run(conf, logger); err != nil {
			logger.Fatal("failed to run node", zap.Error(err))
		}
	},
}

func loadRunConfig(cmd *cobra.Command) (Config, error) {
	conf := DefaultConfig()
	if configPath != "" {
		var err error
		conf, err = LoadConfig(afero.NewOsFs(), configPath)
		if err != nil {
			return Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("bind-addr") {
		conf.BindAddr = bindAddr
	}
	if flags.Changed("advertise-addr") {
		conf.AdvertiseAddr = advertiseAddr
	}
	if flags.Changed("members") {
		conf.Members = members
	}
	if flags.Changed("snapshot-dir") {
		conf.SnapshotDir = snapshotDir
	}
	if flags.Changed("metrics-addr") {
		conf.MetricsAddr = metricsAddr
	}
	if flags.Changed("log-level") {
		conf.LogLevel = logLevel
	}

	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func run(conf Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	node, err := bucketgossip.Create[cluster.Routes](
		conf.BindAddr,
		cluster.Routes(conf.Data),
		&loggingSubscriber{logger: logger},
		bucketgossip.WithAdvertiseAddr(conf.AdvertiseAddr),
		bucketgossip.WithMembers(conf.Members),
		bucketgossip.WithSnapshotDir(conf.SnapshotDir),
		bucketgossip.WithInterval(conf.GossipInterval.Duration),
		bucketgossip.WithInitialDelay(conf.InitialDelay.Duration),
		bucketgossip.WithRegisterer(reg),
		bucketgossip.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	logger.Info(
		"node started",
		zap.String("bind-addr", node.BindAddr()),
		zap.String("addr", string(node.Addr())),
	)

	var server *http.Server
	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server = &http.Server{
			Addr:              conf.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()

		logger.Info("serving metrics", zap.String("addr", conf.MetricsAddr))
	}

	// Wait for interrupt signal for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("failed to shutdown metrics server", zap.Error(err))
		}
	}
	return node.Shutdown()
}

// loggingSubscriber logs changes to remote buckets.
type loggingSubscriber struct {
	logger *zap.Logger
}

func (s *loggingSubscriber) OnBucketsUpdated(buckets map[bucket.Address]bucket.Bucket[cluster.Routes]) {
	for addr, b := range buckets {
		s.logger.Info(
			"bucket updated",
			zap.String("addr", string(addr)),
			zap.Object("bucket", b),
		)
	}
}

func (s *loggingSubscriber) OnBucketRemoved(addr bucket.Address, _ bucket.Bucket[cluster.Routes]) {
	s.logger.Info("bucket removed", zap.String("addr", string(addr)))
}
