// Command joshua-agent runs the local auto-scaling agent pool manager
// (component C6): a fixed set of worker goroutines, each executing the
// agent run loop (C5) against a shared keyspace, scaled to host load and
// drained cooperatively on shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"joshua/pkg/agent"
	"joshua/pkg/claim"
	"joshua/pkg/ensemble"
	"joshua/pkg/log"
	"joshua/pkg/metrics"
	"joshua/pkg/pool"
	"joshua/pkg/results"
	"joshua/pkg/storage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "joshua-agent",
	Short: "Joshua test-ensemble agent and pool manager",
}

func init() {
	rootCmd.PersistentFlags().String("store-dir", ".", "Directory holding the joshua.db store file")
	rootCmd.PersistentFlags().String("root", "joshua", "Root directory name within the store")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	runCmd.Flags().String("config", "", "Path to the pool-manager YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scaleHintCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the pool manager and run worker agents until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		fc, err := loadFileConfig(configPath)
		if err != nil {
			return err
		}
		if storeDir, _ := rootCmd.PersistentFlags().GetString("store-dir"); storeDir != "" {
			fc.StoreDir = storeDir
		}
		if root, _ := rootCmd.PersistentFlags().GetString("root"); root != "" {
			fc.Root = root
		}
		if fc.WorkDir == "" {
			fc.WorkDir = filepath.Join(fc.StoreDir, "work")
		}

		store, err := storage.Open(fc.StoreDir)
		if err != nil {
			return fmt.Errorf("joshua-agent: open store: %w", err)
		}
		defer store.Close()

		ks := storage.OpenKeyspace(store, fc.Root)
		reg := ensemble.New(ks)
		sink := results.New(ks, reg)

		instance, err := claim.NewInstanceID()
		if err != nil {
			return fmt.Errorf("joshua-agent: generate instance id: %w", err)
		}
		proto := claim.New(ks, instance)
		log.Info(fmt.Sprintf("joshua-agent: starting, instance=%s", instance.String()))

		factory := func(id int, workDir string) *agent.Agent {
			return agent.New(agent.Config{
				WorkDir:          workDir,
				SaveOn:           agent.SaveOnFailure,
				AgentTimeout:     seconds(fc.AgentTimeoutSecs),
				AgentIdleTimeout: seconds(fc.AgentIdleTimeout),
				SanityPeriod:     seconds(fc.SanityPeriodSecs),
				TimeoutGrace:     seconds(fc.TimeoutGraceSecs),
			}, ks, reg, proto, sink, instance)
		}

		mgr := pool.New(fc.poolConfig(), reg, factory, nil)

		metricsAddr := fc.MetricsAddr
		if metricsAddr == "" {
			metricsAddr = "127.0.0.1:9090"
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf("joshua-agent: metrics server", err)
			}
		}()
		log.Info(fmt.Sprintf("joshua-agent: metrics endpoint http://%s/metrics", metricsAddr))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return mgr.Run(ctx)
	},
}

var scaleHintCmd = &cobra.Command{
	Use:   "scale-hint",
	Short: "Print the current count of active ensembles for an external autoscaler",
	Long: `scale-hint is the supplemented equivalent of the original's
k8s/agent-scaler sidecar: a thin read-only query suitable for a
HorizontalPodAutoscaler external-metrics adapter. It does not affect this
process's own worker count, which the pool manager (run) still governs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		storeDir, _ := rootCmd.PersistentFlags().GetString("store-dir")
		root, _ := rootCmd.PersistentFlags().GetString("root")

		store, err := storage.Open(storeDir)
		if err != nil {
			return fmt.Errorf("joshua-agent: open store: %w", err)
		}
		defer store.Close()

		reg := ensemble.New(storage.OpenKeyspace(store, root))
		active, err := reg.ListActive()
		if err != nil {
			return fmt.Errorf("joshua-agent: list active ensembles: %w", err)
		}
		fmt.Println(len(active))
		return nil
	},
}
