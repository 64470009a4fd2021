package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"joshua/pkg/tail"
)

var tailCmd = &cobra.Command{
	Use:   "tail <eid>",
	Short: "Stream an ensemble's results in commit order until it stops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ks, _, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		failOnly, _ := cmd.Flags().GetBool("fail-only")
		sinceHex, _ := cmd.Flags().GetString("since")
		var since []byte
		if sinceHex != "" {
			since, err = hex.DecodeString(sinceHex)
			if err != nil {
				return fmt.Errorf("joshuactl: decode --since cursor: %w", err)
			}
		}

		ctx, cancel := shutdownContext()
		defer cancel()

		records, errc := tail.Stream(ctx, ks, args[0], since, failOnly)
		for rec := range records {
			printRecord(rec)
		}
		if err := <-errc; err != nil {
			return fmt.Errorf("joshuactl: tail %s: %w", args[0], err)
		}
		return nil
	},
}

func printRecord(rec tail.Record) {
	outcome := "PASS"
	if rec.Fail {
		outcome = "FAIL"
	}
	fmt.Printf("[%s] seed=%d code=%d host=%s vs=%s\n%s\n",
		outcome, rec.Seed, rec.Code, rec.Hostname, hex.EncodeToString(rec.Versionstamp), rec.Output)
}
