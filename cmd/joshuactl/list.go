package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"joshua/pkg/ensemble"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List ensembles and their run counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		all, _ := cmd.Flags().GetBool("all")
		sanity, _ := cmd.Flags().GetBool("sanity")

		var infos []ensemble.Info
		switch {
		case all:
			infos, err = reg.ListAll()
		case sanity:
			infos, err = reg.ListSanity()
		default:
			infos, err = reg.ListActive()
		}
		if err != nil {
			return fmt.Errorf("joshuactl: list: %w", err)
		}
		printInfos(infos)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <eid>",
	Short: "Show one ensemble's properties, counts, and remaining estimate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := reg.ListAll()
		if err != nil {
			return fmt.Errorf("joshuactl: show: %w", err)
		}
		for _, info := range all {
			if info.EID == args[0] {
				printInfos([]ensemble.Info{info})
				return nil
			}
		}
		return fmt.Errorf("joshuactl: ensemble %s not found", args[0])
	},
}

func printInfos(infos []ensemble.Info) {
	for _, info := range infos {
		status := "running"
		if info.Properties.StoppedSet {
			status = "stopped"
		}
		fmt.Printf("%-60s user=%-12s %-7s started=%d ended=%d pass=%d fail=%d remaining=%s\n",
			info.EID, info.Properties.Username, status,
			info.Counts.Started, info.Counts.Ended, info.Counts.Pass, info.Counts.Fail,
			remainingString(info.Remaining),
		)
	}
}

func remainingString(r ensemble.Remaining) string {
	switch r.Kind {
	case "0":
		return "0"
	case "not_started":
		return "not_started"
	case "no_max":
		return "no_max"
	case "stopping":
		return "stopping"
	default:
		return fmt.Sprintf("%.0fs", r.Seconds)
	}
}
