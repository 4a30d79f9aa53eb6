package cmd

import (
	"context"
	"log"
	"time"

	"github.com/andydunstall/bucketgossip/cluster"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	evalNodes    int
	evalInterval time.Duration
	evalTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(evalCmd)

	evalCmd.Flags().IntVarP(&evalNodes, "nodes", "n", 32, "Number of nodes in the cluster")
	evalCmd.Flags().DurationVar(&evalInterval, "interval", 100*time.Millisecond, "Gossip interval")
	evalCmd.Flags().DurationVar(&evalTimeout, "timeout", 10*time.Second, "Time to wait for the update to propagate")
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Measure the time for an update to propagate to all nodes in a local cluster",
	Run: func(cmd *cobra.Command, args []string) {
		logger, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("failed to setup logger: %v", err)
		}

		// Only log the results.
		c := cluster.NewCluster(evalInterval, zap.NewNop())
		defer c.Shutdown()

		if err := c.AddNodes(evalNodes); err != nil {
			logger.Fatal("failed to add nodes", zap.Error(err))
		}

		ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
		defer cancel()

		start := time.Now()
		if err := c.WaitForConverged(ctx); err != nil {
			logger.Fatal("timed out waiting for cluster to converge", zap.Error(err))
		}
		logger.Info("cluster converged", zap.Duration("duration", time.Since(start)))

		node, err := c.AddNode()
		if err != nil {
			logger.Fatal("failed to add node", zap.Error(err))
		}
		node.Node.UpdateLocal(cluster.Routes{"foo": "bar"})

		start = time.Now()
		if err = c.WaitToUpdate(ctx, node.Addr(), "foo", "bar"); err != nil {
			logger.Fatal("timed out waiting for update to propagate", zap.Error(err))
		}
		logger.Info(
			"update propagated",
			zap.Int("nodes", evalNodes+1),
			zap.Duration("duration", time.Since(start)),
		)
	},
}
