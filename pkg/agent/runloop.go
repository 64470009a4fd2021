// Package agent implements the agent run loop (component C5): picking an
// ensemble to run, materialising its tarball, executing the test command
// under a claimed seed, and recording the result. It is the component that
// ties storage, ensemble, claim, results and process together into the
// thing that actually burns CPU.
package agent

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"joshua/pkg/claim"
	"joshua/pkg/ensemble"
	"joshua/pkg/joshuaerr"
	"joshua/pkg/log"
	"joshua/pkg/metrics"
	"joshua/pkg/process"
	"joshua/pkg/results"
	"joshua/pkg/storage"
)

// SaveMode controls when a run's working directory is archived (§4.5
// "should_save").
type SaveMode int

const (
	SaveAlways SaveMode = iota
	SaveOnFailure
	SaveNever
)

// ShouldSave implements §4.5's should_save(code, save_on).
func ShouldSave(code int, mode SaveMode) bool {
	switch mode {
	case SaveAlways:
		return true
	case SaveOnFailure:
		return code != 0
	default:
		return false
	}
}

// heartbeatInterval is how often a running claim's liveness is refreshed;
// well under StaleHeartbeatThreshold so a live agent is never mistaken for
// dead.
const heartbeatInterval = 2 * time.Second

// Config holds one agent's tunables (§4.5, §8 "agent_timeout",
// "agent_idle_timeout", "sanity_period").
type Config struct {
	WorkDir          string
	SaveOn           SaveMode
	AgentTimeout     time.Duration // 0 = unbounded
	AgentIdleTimeout time.Duration // 0 = unbounded
	SanityPeriod     time.Duration
	TimeoutGrace     time.Duration // how long timeout_command gets to run (30s when 0); also the run timeout for ensembles with no timeout property
}

// Agent runs the pick-materialise-execute-record loop against one keyspace
// until it is told to stop, times out, or a sanity ensemble fails.
type Agent struct {
	cfg      Config
	ks       *storage.Keyspace
	registry *ensemble.Registry
	claims   *claim.Protocol
	sink     *results.Sink
	instance claim.InstanceID

	lastSanity time.Time
	rng        *rand.Rand
	hostname   string
}

// New wires an agent against a keyspace.
func New(cfg Config, ks *storage.Keyspace, registry *ensemble.Registry, claims *claim.Protocol, sink *results.Sink, instance claim.InstanceID) *Agent {
	hostname, _ := os.Hostname()
	return &Agent{
		cfg:      cfg,
		ks:       ks,
		registry: registry,
		claims:   claims,
		sink:     sink,
		instance: instance,
		rng:      rand.New(rand.NewSource(int64(instance[0])<<8 | int64(instance[1]))),
		hostname: hostname,
	}
}

// logFailure records a fatal error to the agent-failure log (§3, §7) and
// bumps the corresponding counter, swallowing any secondary error from the
// logging attempt itself (there is nowhere further to report it).
func (a *Agent) logFailure(cause error, eid string, seed int64) {
	if err := LogFailure(a.ks, a.instance, a.hostname, cause, eid, seed); err != nil {
		log.WithEnsemble(eid).With().Int64("seed", seed).Logger().
			Error().Err(err).Msg("agent: write failure log entry")
	}
	metrics.AgentFailuresTotal.Inc()
}

// Run executes the main loop (§4.5) until ctx is cancelled, agent_timeout or
// agent_idle_timeout elapses, or a sanity ensemble fails (returned as
// joshuaerr.ErrSanityFailure so the caller can exit non-zero).
func (a *Agent) Run(ctx context.Context) error {
	agentLog := log.WithAgent(a.instance.String()).With().Str("hostname", a.hostname).Logger()
	started := time.Now()
	idleSince := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if a.cfg.AgentTimeout > 0 && time.Since(started) > a.cfg.AgentTimeout {
			agentLog.Info().Msg("agent: agent_timeout reached, exiting")
			return nil
		}

		if a.cfg.SanityPeriod <= 0 || time.Since(a.lastSanity) >= a.cfg.SanityPeriod || a.lastSanity.IsZero() {
			if err := a.runAllSanity(ctx); err != nil {
				return err
			}
			a.lastSanity = time.Now()
		}

		active, watch, err := a.registry.Watch(false)
		if err != nil {
			return fmt.Errorf("agent: list active ensembles: %w", err)
		}
		if err := a.gcStaleDirs(active); err != nil {
			agentLog.Error().Err(err).Msg("agent: gc stale local directories")
		}

		runnable, err := a.filterRunnable(active, false)
		if err != nil {
			return fmt.Errorf("agent: filter runnable: %w", err)
		}

		if len(runnable) == 0 {
			if a.cfg.AgentIdleTimeout > 0 && time.Since(idleSince) > a.cfg.AgentIdleTimeout {
				agentLog.Info().Msg("agent: agent_idle_timeout reached, exiting")
				return nil
			}
			a.waitForWork(ctx, watch)
			continue
		}
		idleSince = time.Now()

		picked := a.pickWeighted(runnable)
		if err := a.executeOne(ctx, picked, false); err != nil {
			log.WithEnsemble(picked.EID).Error().Err(err).Msg("agent: execute")
		}
	}
}

// waitForWork blocks until new work might be available: the active index
// changed, or a fallback tick elapses so agent_idle_timeout is still
// observed even with no index activity.
func (a *Agent) waitForWork(ctx context.Context, watch <-chan struct{}) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-watch:
	case <-timer.C:
	}
}

// runAllSanity runs every sanity ensemble once; any non-zero exit is fatal
// to the agent (§4.5 "sanity failures are fatal").
func (a *Agent) runAllSanity(ctx context.Context) error {
	sanity, err := a.registry.ListSanity()
	if err != nil {
		return fmt.Errorf("agent: list sanity ensembles: %w", err)
	}
	for _, info := range sanity {
		if err := a.executeOne(ctx, info, true); err != nil {
			a.logFailure(err, info.EID, 0)
			return fmt.Errorf("agent: sanity ensemble %s: %w", info.EID, joshuaerr.ErrSanityFailure)
		}
	}
	return nil
}

// filterRunnable keeps only the ensembles should_run currently allows.
func (a *Agent) filterRunnable(infos []ensemble.Info, sanity bool) ([]ensemble.Info, error) {
	out := make([]ensemble.Info, 0, len(infos))
	for _, info := range infos {
		ok, err := a.claims.ShouldRun(info.EID, sanity)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, info)
		}
	}
	return out, nil
}

// pickWeighted draws one ensemble with probability proportional to
// priority/mean_duration (§4.5 "weighted selection").
func (a *Agent) pickWeighted(infos []ensemble.Info) ensemble.Info {
	if len(infos) == 1 {
		return infos[0]
	}
	weights := make([]float64, len(infos))
	var total float64
	for i, info := range infos {
		mean := 1.0
		if info.Counts.Ended > 0 {
			mean = float64(info.Counts.Duration) / float64(info.Counts.Ended)
			if mean < 0.001 {
				mean = 0.001
			}
		}
		priority := float64(info.Properties.Priority)
		if priority <= 0 {
			priority = 100
		}
		w := priority / mean
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return infos[a.rng.Intn(len(infos))]
	}
	draw := a.rng.Float64() * total
	var acc float64
	for i, w := range weights {
		acc += w
		if draw < acc {
			return infos[i]
		}
	}
	return infos[len(infos)-1]
}

// executeOne claims a seed, runs the test command under it, and records the
// result (§4.5). For sanity ensembles the claimed seed is still run through
// the ordinary claim/result path so its pass/fail counters stay consistent,
// and a non-zero exit of a sanity run is returned as an error.
func (a *Agent) executeOne(ctx context.Context, info ensemble.Info, sanity bool) error {
	seed, err := claim.NewSeed()
	if err != nil {
		return err
	}
	ok, err := a.claims.TryStart(info.EID, seed, sanity)
	if err != nil {
		return err
	}
	if !ok {
		return nil // someone else claimed it first
	}
	metrics.RunsStartedTotal.WithLabelValues(info.EID).Inc()

	tarball, err := storage.ReadBlob(a.ks.Store, a.ks.Data.Sub(info.EID))
	if err != nil {
		return fmt.Errorf("agent: read tarball for %s: %w", info.EID, err)
	}
	runDir, err := Materialize(a.cfg.WorkDir, info.EID, tarball)
	if err != nil {
		return err
	}

	timeout := a.cfg.TimeoutGrace
	if info.Properties.Timeout > 0 {
		timeout = time.Duration(info.Properties.Timeout) * time.Second
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	runCtx, cancelRun := context.WithCancel(runCtx)
	defer cancelRun()

	runLog := log.WithEnsemble(info.EID).With().Int64("seed", seed).Logger()

	hbDone := make(chan struct{})
	claimLost := make(chan struct{})
	go a.heartbeatLoop(runCtx, info.EID, seed, sanity, hbDone, claimLost, cancelRun)

	env := a.buildEnv(info, seed, runDir)
	launcher := process.New(runDir, env)
	cmd := splitCommand(info.Properties.TestCommand)

	start := time.Now()
	res, runErr := launcher.Run(runCtx, cmd[0], cmd[1:])
	close(hbDone)
	duration := time.Since(start)

	code := res.ExitCode
	lost := false
	select {
	case <-claimLost:
		lost = true
		code = -1
		runLog.Error().Err(joshuaerr.ErrClaimLost).Msg("agent: run aborted")
	default:
	}
	if runErr == nil && !lost && runCtx.Err() == context.DeadlineExceeded {
		code = -2 // timed out, not a claim loss
		runLog.Error().Err(joshuaerr.ErrTimeout).Msg("agent: run aborted")
		if info.Properties.TimeoutCommand != "" {
			a.runTimeoutCommand(ctx, info, runDir, env)
		}
	}

	if err := writeConsoleLog(runDir, res.Stdout); err != nil {
		runLog.Error().Err(err).Msg("agent: write console.log")
	}
	cores := findCoreFiles(a.cfg.WorkDir)
	if ShouldSave(code, a.cfg.SaveOn) {
		a.archiveIfNeeded(info.EID, seed, runDir, cores)
	}
	removeCoreFiles(cores)
	clearTmp(runDir)

	outcome := "pass"
	if code != 0 {
		outcome = "fail"
	}
	metrics.RunsEndedTotal.WithLabelValues(info.EID, outcome).Inc()

	if runErr != nil {
		return fmt.Errorf("agent: run %s/%d: %w", info.EID, seed, runErr)
	}
	if err := a.sink.Insert(info.EID, seed, code, res.Stdout, sanity, duration.Seconds()); err != nil {
		if werr := a.sink.Insert(info.EID, seed, code, results.WrapError(err), sanity, duration.Seconds()); werr != nil {
			return werr
		}
	}
	if sanity && code != 0 {
		return fmt.Errorf("agent: sanity run %s/%d exited with code %d", info.EID, seed, code)
	}
	return nil
}

// heartbeatLoop refreshes this run's claim until hbDone closes; if the
// claim is ever lost (stolen, or the ensemble stopped), it cancels the run
// and signals claimLost.
func (a *Agent) heartbeatLoop(ctx context.Context, eid string, seed int64, sanity bool, done <-chan struct{}, claimLost chan<- struct{}, cancelRun context.CancelFunc) {
	hbLog := log.WithSeed(seed).With().Str("ensemble_id", eid).Logger()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := a.claims.HeartbeatAndCheck(eid, seed, sanity)
			if err != nil {
				hbLog.Error().Err(err).Msg("agent: heartbeat")
				continue
			}
			if !ok {
				close(claimLost)
				cancelRun()
				return
			}
		}
	}
}

func (a *Agent) runTimeoutCommand(ctx context.Context, info ensemble.Info, runDir string, env []string) {
	grace := a.cfg.TimeoutGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	cmd := splitCommand(info.Properties.TimeoutCommand)
	launcher := process.New(runDir, env)
	if _, err := launcher.Run(tctx, cmd[0], cmd[1:]); err != nil {
		log.WithEnsemble(info.EID).Error().Err(err).Msg("agent: timeout_command")
	}
}

// archiveIfNeeded tars+gzips a run's tmp dir (console log) plus any core
// files collected from work_dir to work_dir/runs/joshua-run-<EID>-<seed>.tar.gz
// (§4.5).
func (a *Agent) archiveIfNeeded(eid string, seed int64, runDir string, cores []string) {
	nodeLog := log.WithNode(a.hostname).With().Str("ensemble_id", eid).Int64("seed", seed).Logger()
	dest := filepath.Join(a.cfg.WorkDir, "runs")
	if err := os.MkdirAll(dest, 0755); err != nil {
		nodeLog.Error().Err(err).Msg("agent: create run archive dir")
		return
	}
	name := fmt.Sprintf("joshua-run-%s-%d.tar.gz", sanitizeEID(eid), seed)
	f, err := os.Create(filepath.Join(dest, name))
	if err != nil {
		nodeLog.Error().Err(err).Msg("agent: create run archive")
		return
	}
	defer f.Close()
	if err := archiveRun(filepath.Join(runDir, "tmp"), cores, f); err != nil {
		nodeLog.Error().Err(err).Msg("agent: archive run")
	}
}

// coreFilePattern matches the core-dump naming §4.5 collects under work_dir.
var coreFilePattern = regexp.MustCompile(`^core\..*$`)

// findCoreFiles lists core-dump files directly under workDir.
func findCoreFiles(workDir string) []string {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil
	}
	var cores []string
	for _, e := range entries {
		if !e.IsDir() && coreFilePattern.MatchString(e.Name()) {
			cores = append(cores, filepath.Join(workDir, e.Name()))
		}
	}
	return cores
}

func removeCoreFiles(cores []string) {
	for _, c := range cores {
		if err := os.Remove(c); err != nil && !os.IsNotExist(err) {
			log.Errorf(fmt.Sprintf("agent: remove core file %s", c), err)
		}
	}
}

// writeConsoleLog writes captured stdout+stderr to <runDir>/tmp/console.log
// (§4.5).
func writeConsoleLog(runDir string, output []byte) error {
	return os.WriteFile(filepath.Join(runDir, "tmp", "console.log"), output, 0644)
}

// clearTmp empties a run's tmp directory after archival (§4.5).
func clearTmp(runDir string) {
	tmp := filepath.Join(runDir, "tmp")
	entries, err := os.ReadDir(tmp)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tmp, e.Name())); err != nil {
			log.Errorf(fmt.Sprintf("agent: clear tmp entry %s", e.Name()), err)
		}
	}
}

// buildEnv constructs the child process environment: the agent's own
// environment, JOSHUA_<PROPERTY> for every ensemble property (known fields
// plus any extension properties), JOSHUA_SEED, the colon-joined env
// property's K=V pairs, and a private TMP (§4.5, §6).
func (a *Agent) buildEnv(info ensemble.Info, seed int64, runDir string) []string {
	env := append([]string(nil), os.Environ()...)
	env = append(env, "JOSHUA_ENSEMBLE_ID="+info.EID, "JOSHUA_SEED="+strconv.FormatInt(seed, 10))

	p := info.Properties
	known := map[string]string{
		"USERNAME":        p.Username,
		"PRIORITY":        strconv.FormatInt(p.Priority, 10),
		"TIMEOUT":         strconv.FormatInt(p.Timeout, 10),
		"FAIL_FAST":       strconv.FormatInt(p.FailFast, 10),
		"MAX_RUNS":        strconv.FormatInt(p.MaxRuns, 10),
		"TEST_COMMAND":    p.TestCommand,
		"TIMEOUT_COMMAND": p.TimeoutCommand,
		"COMPRESSED":      strconv.FormatBool(p.Compressed),
		"SANITY":          strconv.FormatBool(p.Sanity),
		"ENV":             p.Env,
	}
	for name, val := range known {
		env = append(env, "JOSHUA_"+name+"="+val)
	}
	for name, val := range p.Extra {
		env = append(env, "JOSHUA_"+strings.ToUpper(name)+"="+val)
	}

	for _, pair := range strings.Split(p.Env, ":") {
		if pair != "" {
			env = append(env, pair)
		}
	}
	env = append(env, "TMP="+filepath.Join(runDir, "tmp"))
	return env
}

// gcStaleDirs removes materialised ensemble directories under WorkDir that
// no longer correspond to any active or sanity ensemble (§4.5 "garbage
// collect stale local directories").
func (a *Agent) gcStaleDirs(active []ensemble.Info) error {
	keep := make(map[string]bool, len(active))
	for _, info := range active {
		keep[sanitizeEID(info.EID)] = true
	}
	sanity, err := a.registry.ListSanity()
	if err != nil {
		return err
	}
	for _, info := range sanity {
		keep[sanitizeEID(info.EID)] = true
	}

	root := filepath.Join(a.cfg.WorkDir, "ensembles")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".part")
		if !keep[name] {
			if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
				log.WithNode(a.hostname).With().Str("dir", name).Logger().
					Error().Err(err).Msg("agent: remove stale directory")
			}
		}
	}
	return nil
}

func splitCommand(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return []string{s}
	}
	return fields
}
