// Command joshuactl is the administrative client for Joshua's ensemble
// registry: create, stop, resume, delete, list, show, and tail ensembles
// directly against the store, the equivalent of the original's webapp and
// joshua_client.py wrapped as a thin cobra shell over the core library
// (SPEC_FULL.md §3 "Webapp's read-only summary endpoints").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"joshua/pkg/ensemble"
	"joshua/pkg/log"
	"joshua/pkg/storage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "joshuactl",
	Short: "Administrative client for the Joshua ensemble registry",
}

func init() {
	rootCmd.PersistentFlags().String("store-dir", ".", "Directory holding the joshua.db store file")
	rootCmd.PersistentFlags().String("root", "joshua", "Root directory name within the store")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	createCmd.Flags().String("username", "", "Submitting user (required)")
	createCmd.Flags().Bool("sanity", false, "Register as a sanity ensemble instead of active")
	createCmd.Flags().Int64("priority", 100, "Scheduling priority")
	createCmd.Flags().Int64("timeout", 0, "Per-run timeout in seconds (0 = unset)")
	createCmd.Flags().Int64("fail-fast", 0, "Stop after this many failures (0 = unlimited)")
	createCmd.Flags().Int64("max-runs", 0, "Stop after this many completed runs (0 = unlimited)")
	createCmd.Flags().Bool("compressed", false, "zlib-compress stored output")
	createCmd.Flags().String("test-command", "", "Override test_command (default ./joshua_test)")
	createCmd.Flags().String("timeout-command", "", "Override timeout_command (default ./joshua_timeout)")
	createCmd.Flags().String("env", "", "Colon-joined K=V pairs forwarded to the test command")
	_ = createCmd.MarkFlagRequired("username")

	stopCmd.Flags().Bool("sanity", false, "EID is in the sanity index")
	resumeCmd.Flags().Bool("sanity", false, "EID is in the sanity index")
	listCmd.Flags().Bool("sanity", false, "List the sanity index instead of active")
	listCmd.Flags().Bool("all", false, "List the entire registry, active and stopped")
	tailCmd.Flags().Bool("fail-only", false, "Only stream failing results")
	tailCmd.Flags().String("since", "", "Resume from this hex-encoded versionstamp cursor")
	selftestCmd.Flags().Duration("timeout", 60*time.Second, "How long to wait for the self-test ensemble to complete")

	rootCmd.AddCommand(createCmd, stopCmd, resumeCmd, deleteCmd, listCmd, showCmd, tailCmd, selftestCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func openRegistry(cmd *cobra.Command) (*storage.Store, *storage.Keyspace, *ensemble.Registry, error) {
	storeDir, _ := rootCmd.PersistentFlags().GetString("store-dir")
	root, _ := rootCmd.PersistentFlags().GetString("root")
	store, err := storage.Open(storeDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("joshuactl: open store: %w", err)
	}
	ks := storage.OpenKeyspace(store, root)
	return store, ks, ensemble.New(ks), nil
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
