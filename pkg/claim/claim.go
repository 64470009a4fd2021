// Package claim implements the run claim & heartbeat protocol (component
// C3): at-most-once-per-seed claiming, liveness heartbeating, and
// steal-from-dead reclaim.
package claim

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"joshua/pkg/log"
	"joshua/pkg/metrics"
	"joshua/pkg/storage"
)

// StaleHeartbeatThreshold is the age past which a claim is considered
// abandoned and eligible for steal (§3, §5).
const StaleHeartbeatThreshold = 10 * time.Second

// InstanceID identifies one agent process. It guards claims and lets other
// agents detect takeovers (glossary "Instance-id").
type InstanceID [8]byte

// NewInstanceID generates a process-wide instance id. It honours the
// source system's container-orchestration environment variables
// (PLATFORM_SHORT_INSTANCE_ID, falling back to SHORT_TASK_ID) before
// falling back to 8 random bytes, so an agent restarted in place by an
// orchestrator keeps a stable identity across restarts (SPEC_FULL.md §3).
func NewInstanceID() (InstanceID, error) {
	var id InstanceID
	if v := os.Getenv("PLATFORM_SHORT_INSTANCE_ID"); v != "" {
		copy(id[:], v)
		return id, nil
	}
	if v := os.Getenv("SHORT_TASK_ID"); v != "" {
		copy(id[:], v)
		return id, nil
	}
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("claim: generate instance id: %w", err)
	}
	return id, nil
}

func (id InstanceID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Protocol binds the claim operations to a keyspace and this process's
// instance id.
type Protocol struct {
	ks       *storage.Keyspace
	instance InstanceID
	hostname string
}

// New creates a claim protocol handle for this process.
func New(ks *storage.Keyspace, instance InstanceID) *Protocol {
	hostname, _ := os.Hostname()
	return &Protocol{ks: ks, instance: instance, hostname: hostname}
}

func claimKey(ks *storage.Keyspace, eid string, seed int64) []byte {
	return ks.Incomplete.Sub(eid, seed).Bytes()
}
func beganAtKey(ks *storage.Keyspace, eid string, seed int64) []byte {
	return ks.Incomplete.Sub(eid, seed, "began_at").Bytes()
}
func hostnameKey(ks *storage.Keyspace, eid string, seed int64) []byte {
	return ks.Incomplete.Sub(eid, seed, "hostname").Bytes()
}
func heartbeatKey(ks *storage.Keyspace, eid string, seed int64) []byte {
	return ks.Incomplete.Sub(eid, "heartbeat", seed).Bytes()
}
func startedCounterKey(ks *storage.Keyspace, eid string) []byte {
	return ks.All.Sub(eid, "count", "started").Bytes()
}
func maxRunsKey(ks *storage.Keyspace, eid string) []byte {
	return ks.All.Sub(eid, "properties", "max_runs").Bytes()
}

// NewSeed draws a 63-bit random seed (§4.5: "Seed = 63-bit random").
func NewSeed() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("claim: generate seed: %w", err)
	}
	v := int64(binary.BigEndian.Uint64(buf[:]))
	if v < 0 {
		v = -v
	}
	return v, nil
}

// TryStart attempts to claim (eid, seed) for this instance (§4.3). sanity
// selects whether EID's liveness is checked against the sanity or active
// index, matching get_dir_changes(sanity) in the source protocol.
func (p *Protocol) TryStart(eid string, seed int64, sanity bool) (bool, error) {
	claimed := false
	err := p.ks.Store.Update(func(tx *storage.Txn) error {
		if tx.Get(p.ks.IndexFor(sanity).Sub(eid).Bytes()) == nil {
			return nil // ensemble stopped
		}
		cKey := claimKey(p.ks, eid, seed)
		existing := tx.Get(cKey)
		if existing != nil {
			if string(existing) != string(p.instance[:]) {
				return nil // someone else claims it
			}
			claimed = true // re-entrant
			return nil
		}
		if err := tx.AtomicAdd(startedCounterKey(p.ks, eid), 1); err != nil {
			return err
		}
		if err := tx.Set(cKey, p.instance[:]); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.Set(beganAtKey(p.ks, eid, seed), storage.Tuple{now.Unix()}.Pack()); err != nil {
			return err
		}
		if err := tx.Set(hostnameKey(p.ks, eid, seed), storage.Tuple{p.hostname}.Pack()); err != nil {
			return err
		}
		if err := tx.Set(heartbeatKey(p.ks, eid, seed), storage.Tuple{now.Unix()}.Pack()); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim: try_start %s/%d: %w", eid, seed, err)
	}
	return claimed, nil
}

// HeartbeatAndCheck refreshes the claim's liveness timestamp iff the
// ensemble is still active (or still sanity, per sanity) and this instance
// still owns the claim (§4.3).
func (p *Protocol) HeartbeatAndCheck(eid string, seed int64, sanity bool) (bool, error) {
	ok := false
	err := p.ks.Store.Update(func(tx *storage.Txn) error {
		if tx.Get(p.ks.IndexFor(sanity).Sub(eid).Bytes()) == nil {
			return nil
		}
		cur := tx.Get(claimKey(p.ks, eid, seed))
		if cur == nil || string(cur) != string(p.instance[:]) {
			return nil
		}
		if err := tx.Set(heartbeatKey(p.ks, eid, seed), storage.Tuple{time.Now().UTC().Unix()}.Pack()); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim: heartbeat %s/%d: %w", eid, seed, err)
	}
	return ok, nil
}

// ShouldRun implements §4.3's should_run: true when under max_runs, or when
// a stale (>10s) claim is found and reclaimed, or when no claim exists yet.
// sanity is accepted for symmetry with TryStart/HeartbeatAndCheck — the
// source's should_run never reads the active/sanity index itself, only
// started/max_runs and the heartbeat subtree, both keyed by EID alone.
//
// The source protocol takes an explicit read-conflict on the stale
// heartbeat key so that at most one stealer wins per dead seed when many
// agents race should_run concurrently. bbolt's Update transactions are
// already fully serialized across a single process's writers — there is
// never more than one in-flight writer to reason about conflicts against —
// so the same raceless-steal guarantee falls out of running the detect-and-
// reclaim logic inside one Update call, with no separate conflict API
// needed (see DESIGN.md).
func (p *Protocol) ShouldRun(eid string, sanity bool) (bool, error) {
	var result bool
	err := p.ks.Store.Update(func(tx *storage.Txn) error {
		started, _ := tx.Counter(startedCounterKey(p.ks, eid))
		maxRuns, _ := readInt64(tx, maxRunsKey(p.ks, eid))
		if maxRuns == 0 || int64(started) < maxRuns {
			result = true
			return nil
		}

		hbBegin, hbEnd := p.ks.Incomplete.Sub(eid, "heartbeat").Range()
		rows := tx.Scan(hbBegin, hbEnd, 0)
		if len(rows) == 0 {
			result = true
			return nil
		}

		now := time.Now().UTC()
		var staleSeed int64
		var staleKey []byte
		var maxAge time.Duration
		found := false
		for _, kv := range rows {
			rest := kv.Key[len(p.ks.Incomplete.Sub(eid, "heartbeat").Bytes()):]
			t, err := storage.Unpack(rest)
			if err != nil || len(t) == 0 {
				continue
			}
			seed, ok := t[0].(int64)
			if !ok {
				continue
			}
			hbTuple, err := storage.Unpack(kv.Value)
			if err != nil || len(hbTuple) == 0 {
				continue
			}
			unix, ok := hbTuple[0].(int64)
			if !ok {
				continue
			}
			age := now.Sub(time.Unix(unix, 0).UTC())
			if age > maxAge {
				maxAge = age
				staleSeed = seed
				staleKey = kv.Key
				found = true
			}
		}
		if !found || maxAge <= StaleHeartbeatThreshold {
			result = false
			return nil
		}

		begin, end := p.ks.Incomplete.Sub(eid, staleSeed).Range()
		if err := tx.ClearRange(begin, end); err != nil {
			return err
		}
		if err := tx.Delete(staleKey); err != nil {
			return err
		}
		metrics.ClaimStealsTotal.Inc()
		log.WithEnsemble(eid).With().Int64("seed", staleSeed).Logger().
			Warn().Msg("claim: reclaimed stale heartbeat")
		result = true
		return nil
	})
	return result, err
}

func readInt64(tx *storage.Txn, key []byte) (int64, bool) {
	v := tx.Get(key)
	if v == nil {
		return 0, false
	}
	t, err := storage.Unpack(v)
	if err != nil || len(t) == 0 {
		return 0, false
	}
	n, ok := t[0].(int64)
	return n, ok
}

// InProgress describes one claimed, still-running seed (§4.3 show_in_progress).
type InProgress struct {
	Seed       int64
	BeganAt    time.Time
	Hostname   string
	Heartbeat  time.Time
	RunningFor time.Duration
}

// ShowInProgress lists every currently-claimed seed for EID.
func (p *Protocol) ShowInProgress(eid string) ([]InProgress, error) {
	var out []InProgress
	err := p.ks.Store.View(func(tx *storage.Txn) error {
		sub := p.ks.Incomplete.Sub(eid)
		begin, end := sub.Range()
		hbSub := p.ks.Incomplete.Sub(eid, "heartbeat")
		for _, kv := range tx.Scan(begin, end, 0) {
			rest := kv.Key[len(sub.Bytes()):]
			t, err := storage.Unpack(rest)
			if err != nil || len(t) == 0 {
				continue
			}
			// skip nested fields (began_at/hostname) and the heartbeat subtree;
			// a bare claim entry's tuple is exactly one element: the seed.
			if len(t) != 1 {
				continue
			}
			seed, ok := t[0].(int64)
			if !ok {
				continue
			}
			beganAt, _ := readTimeField(tx, sub.Sub(seed, "began_at").Bytes())
			hostname, _ := readStringField(tx, sub.Sub(seed, "hostname").Bytes())
			heartbeat, _ := readTimeField(tx, hbSub.Sub(seed).Bytes())
			out = append(out, InProgress{
				Seed:       seed,
				BeganAt:    beganAt,
				Hostname:   hostname,
				Heartbeat:  heartbeat,
				RunningFor: time.Since(beganAt),
			})
		}
		return nil
	})
	return out, err
}

func readTimeField(tx *storage.Txn, key []byte) (time.Time, bool) {
	v := tx.Get(key)
	if v == nil {
		return time.Time{}, false
	}
	t, err := storage.Unpack(v)
	if err != nil || len(t) == 0 {
		return time.Time{}, false
	}
	unix, ok := t[0].(int64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func readStringField(tx *storage.Txn, key []byte) (string, bool) {
	v := tx.Get(key)
	if v == nil {
		return "", false
	}
	t, err := storage.Unpack(v)
	if err != nil || len(t) == 0 {
		return "", false
	}
	s, ok := t[0].(string)
	return s, ok
}
