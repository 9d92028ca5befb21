// Command dbcore-probe is a thin diagnostic harness over pkg/provider and
// pkg/core: it reads a YAML connection environment, bootstraps a bucket
// against the named seed nodes, waits for the topology reconciler to
// converge, and prints the resolved node/service layout. It is not an
// SDK facade — no request dispatch, no retry policy, just bootstrap and
// report.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/dbcore/pkg/core"
	"github.com/cuemby/dbcore/pkg/endpoint"
	"github.com/cuemby/dbcore/pkg/events"
	"github.com/cuemby/dbcore/pkg/log"
	"github.com/cuemby/dbcore/pkg/provider"
	"github.com/cuemby/dbcore/pkg/svcpool"
	"github.com/cuemby/dbcore/pkg/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dbcore-probe",
	Short: "Bootstrap a bucket and print its resolved topology",
	Long: `dbcore-probe drives this module's configuration provider and
topology reconciler against a real cluster for diagnostic purposes: it
bootstraps one bucket from a YAML connection environment, waits for
convergence, and prints the node/service layout it settled on.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(topologyCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Bootstrap a bucket and print its resolved node/service layout",
	RunE:  runTopology,
}

func init() {
	topologyCmd.Flags().StringP("config", "c", "", "YAML connection environment file (required)")
	topologyCmd.Flags().Duration("timeout", 10*time.Second, "Bootstrap and convergence timeout")
	_ = topologyCmd.MarkFlagRequired("config")
}

func runTopology(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	env, err := loadEnvironment(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	providerCfg := provider.DefaultConfig(env.TLS)
	providerCfg.Seeds = env.Seeds
	providerCfg.ConnectTimeout = timeout

	mgrLoader := newHTTPManagerLoader(timeout, env.TLS)
	p := provider.New(providerCfg, unsupportedKVLoader{}, mgrLoader, nil, nil, nil, nil, bus)

	c := core.New(core.Config{
		Provider:       p,
		Bus:            bus,
		Timer:          noopTimer{},
		Orchestrator:   noopOrchestrator{},
		Dialer:         noopDialer{},
		TLS:            env.TLS,
		PoolConfig:     svcpool.Config{MinEndpoints: 0, MaxEndpoints: 1},
		EndpointConfig: endpoint.Config{ConnectTimeout: timeout},
		RequestTimeout: timeout,
	})

	log.WithComponent("dbcore-probe").Info().Strs("seeds", env.Seeds).Str("bucket", env.Bucket).Msg("bootstrapping")

	if err := p.Bootstrap(ctx, env.Bucket); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	if !waitForConvergence(ctx, c, env.Bucket) {
		return fmt.Errorf("timed out waiting for topology reconciler to converge")
	}

	printTopology(c, env.Bucket)

	if err := c.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// waitForConvergence polls until the reconciler has produced a managed
// node set matching the bootstrapped config's node count, or ctx expires.
func waitForConvergence(ctx context.Context, c *core.Core, bucket string) bool {
	want := 0
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cfg := c.ClusterConfig(); cfg.HasBucket(bucket) {
			want = len(cfg.Buckets[bucket].Nodes)
		}
		if len(c.ManagedNodes()) >= want && want > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return len(c.ManagedNodes()) >= want && want > 0
		case <-ticker.C:
		}
	}
}

func printTopology(c *core.Core, bucket string) {
	cfg := c.ClusterConfig()
	bc := cfg.Buckets[bucket]

	fmt.Printf("bucket: %s (type=%v revision=%d)\n", bucket, bc.Type, bc.Revision)
	fmt.Println("managed nodes:")
	for _, id := range c.ManagedNodes() {
		services := c.NodeServices(id)
		fmt.Printf("  %s  services=%v\n", id, services)
	}
}

type noopDialer struct{}

func (noopDialer) Dial(ctx context.Context, host string, port uint16, tls bool) (transport.Handle, error) {
	return nil, fmt.Errorf("dbcore-probe does not dial endpoints, it only reports topology")
}

type noopOrchestrator struct{}

func (noopOrchestrator) MaybeRetry(ctx context.Context, req transport.Request) {}

type noopTimer struct{}

func (noopTimer) Register(ctx context.Context, req transport.Request, timeout time.Duration) func() {
	return func() {}
}
