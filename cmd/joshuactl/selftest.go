package main

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"joshua/pkg/agent"
	"joshua/pkg/claim"
	"joshua/pkg/ensemble"
	"joshua/pkg/results"
)

// selftestCmd exercises create -> agent run -> result end to end against a
// throwaway ensemble, the administrative-client equivalent of the original
// webapp's health check (SPEC_FULL.md §8 scenario 1: "Create+run+pass").
var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Create a trivial passing ensemble and drain it with one in-process agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ks, reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")

		tarball, err := selftestTarball()
		if err != nil {
			return fmt.Errorf("joshuactl: build selftest tarball: %w", err)
		}
		props := ensemble.DefaultProperties()
		props.MaxRuns = 1
		eid, err := reg.Create("selftest", props, bytes.NewReader(tarball))
		if err != nil {
			return fmt.Errorf("joshuactl: create selftest ensemble: %w", err)
		}
		fmt.Printf("selftest: created %s\n", eid)

		instance, err := claim.NewInstanceID()
		if err != nil {
			return fmt.Errorf("joshuactl: generate instance id: %w", err)
		}
		proto := claim.New(ks, instance)
		sink := results.New(ks, reg)
		workDir, err := os.MkdirTemp("", "joshuactl-selftest-")
		if err != nil {
			return fmt.Errorf("joshuactl: create selftest work dir: %w", err)
		}
		defer os.RemoveAll(workDir)

		ag := agent.New(agent.Config{
			WorkDir: workDir,
			SaveOn:  agent.SaveNever,
			// idle out quickly once the ensemble is drained, rather than
			// riding out the full --timeout budget on an empty active index.
			AgentIdleTimeout: 2 * time.Second,
			TimeoutGrace:     timeout,
		}, ks, reg, proto, sink, instance)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := ag.Run(ctx); err != nil {
			return fmt.Errorf("joshuactl: selftest agent run: %w", err)
		}

		all, err := reg.ListAll()
		if err != nil {
			return fmt.Errorf("joshuactl: read back selftest ensemble: %w", err)
		}
		for _, info := range all {
			if info.EID != eid {
				continue
			}
			if info.Counts.Pass != 1 || info.Counts.Fail != 0 {
				return fmt.Errorf("joshuactl: selftest failed: pass=%d fail=%d", info.Counts.Pass, info.Counts.Fail)
			}
			fmt.Println("selftest: ok")
			return nil
		}
		return fmt.Errorf("joshuactl: selftest ensemble %s vanished", eid)
	},
}

// selftestTarball builds a minimal gzipped tar whose joshua_test always
// exits 0, in-memory (no on-disk fixture, §6 "tarball contract").
func selftestTarball() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("#!/bin/sh\nexit 0\n")
	hdr := &tar.Header{Name: "joshua_test", Mode: 0755, Size: int64(len(body))}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(body); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
