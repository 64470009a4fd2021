package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"joshua/pkg/pool"
)

// fileConfig is the on-disk shape of the pool-manager config file
// (SPEC_FULL.md §1 "Pool-manager and agent tunables ... loaded from a YAML
// file"). Durations are given in seconds in the file, matching the
// original's config.yaml, and converted once on load.
type fileConfig struct {
	StoreDir         string  `yaml:"store_dir"`
	Root             string  `yaml:"root"`
	WorkDir          string  `yaml:"work_dir"`
	MaxAgents        int     `yaml:"max_agents"`
	FreeCPUs         int     `yaml:"free_cpus"`
	FreeSpaceGB      float64 `yaml:"free_space_gb"`
	GrowthRate       int     `yaml:"growth_rate"`
	MgrSleepSeconds  float64 `yaml:"mgr_sleep"`
	DeathWaitSeconds float64 `yaml:"death_wait"`
	MaxDeathWaitSecs float64 `yaml:"max_death_wait"`
	ReportFreqSecs   float64 `yaml:"report_freq"`
	StopFile         string  `yaml:"stop_file"`

	AgentTimeoutSecs   float64 `yaml:"agent_timeout"`
	AgentIdleTimeout   float64 `yaml:"agent_idle_timeout"`
	SanityPeriodSecs   float64 `yaml:"sanity_period"`
	TimeoutGraceSecs   float64 `yaml:"timeout_grace"`
	MetricsAddr        string  `yaml:"metrics_addr"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("joshua-agent: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("joshua-agent: parse config %s: %w", path, err)
	}
	return fc, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (fc fileConfig) poolConfig() pool.Config {
	return pool.Config{
		WorkDir:      fc.WorkDir,
		MaxAgents:    fc.MaxAgents,
		FreeCPUs:     fc.FreeCPUs,
		FreeSpaceGB:  fc.FreeSpaceGB,
		GrowthRate:   fc.GrowthRate,
		MgrSleep:     seconds(fc.MgrSleepSeconds),
		DeathWait:    seconds(fc.DeathWaitSeconds),
		MaxDeathWait: seconds(fc.MaxDeathWaitSecs),
		ReportFreq:   seconds(fc.ReportFreqSecs),
		StopFile:     fc.StopFile,
	}
}
