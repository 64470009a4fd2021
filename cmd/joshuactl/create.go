package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"joshua/pkg/ensemble"
)

var createCmd = &cobra.Command{
	Use:   "create <tarball>",
	Short: "Create an ensemble from a gzipped tarball",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("joshuactl: open tarball: %w", err)
		}
		defer f.Close()

		username, _ := cmd.Flags().GetString("username")
		props := ensemble.DefaultProperties()
		props.Sanity, _ = cmd.Flags().GetBool("sanity")
		props.Priority, _ = cmd.Flags().GetInt64("priority")
		props.Timeout, _ = cmd.Flags().GetInt64("timeout")
		props.FailFast, _ = cmd.Flags().GetInt64("fail-fast")
		props.MaxRuns, _ = cmd.Flags().GetInt64("max-runs")
		props.Compressed, _ = cmd.Flags().GetBool("compressed")
		props.Env, _ = cmd.Flags().GetString("env")
		if tc, _ := cmd.Flags().GetString("test-command"); tc != "" {
			props.TestCommand = tc
		}
		if tc, _ := cmd.Flags().GetString("timeout-command"); tc != "" {
			props.TimeoutCommand = tc
		}

		store, _, reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		eid, err := reg.Create(username, props, f)
		if err != nil {
			return fmt.Errorf("joshuactl: create ensemble: %w", err)
		}
		fmt.Println(eid)
		return nil
	},
}
