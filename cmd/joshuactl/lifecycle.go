package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <eid>",
	Short: "Stop an ensemble, removing it from its index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		sanity, _ := cmd.Flags().GetBool("sanity")
		if err := reg.Stop(args[0], sanity); err != nil {
			return fmt.Errorf("joshuactl: stop %s: %w", args[0], err)
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <eid>",
	Short: "Resume a stopped ensemble",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		sanity, _ := cmd.Flags().GetBool("sanity")
		transitioned, err := reg.Resume(args[0], sanity)
		if err != nil {
			return fmt.Errorf("joshuactl: resume %s: %w", args[0], err)
		}
		if !transitioned {
			fmt.Println("already running")
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <eid>",
	Short: "Permanently delete an ensemble and all of its results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := reg.Delete(args[0]); err != nil {
			return fmt.Errorf("joshuactl: delete %s: %w", args[0], err)
		}
		return nil
	},
}
