package ensemble

import (
	"errors"
	"strings"
	"time"

	"joshua/pkg/storage"
)

// ErrNotFound is returned when an operation references an EID absent from
// the registry.
var ErrNotFound = errors.New("ensemble: not found")

func writeProperties(tx *storage.Txn, sub storage.Subspace, p Properties) error {
	set := func(name string, v any) error {
		return tx.Set(sub.Sub(name).Bytes(), storage.Tuple{v}.Pack())
	}
	if err := set("username", p.Username); err != nil {
		return err
	}
	if err := set("submitted", p.Submitted.Unix()); err != nil {
		return err
	}
	if err := set("compressed", boolToInt(p.Compressed)); err != nil {
		return err
	}
	if err := set("sanity", boolToInt(p.Sanity)); err != nil {
		return err
	}
	priority := p.Priority
	if priority == 0 {
		priority = 100
	}
	if err := set("priority", priority); err != nil {
		return err
	}
	if p.Timeout != 0 {
		if err := set("timeout", p.Timeout); err != nil {
			return err
		}
	}
	if err := set("fail_fast", p.FailFast); err != nil {
		return err
	}
	if err := set("max_runs", p.MaxRuns); err != nil {
		return err
	}
	testCmd := p.TestCommand
	if testCmd == "" {
		testCmd = "./joshua_test"
	}
	if err := set("test_command", testCmd); err != nil {
		return err
	}
	timeoutCmd := p.TimeoutCommand
	if timeoutCmd == "" {
		timeoutCmd = "./joshua_timeout"
	}
	if err := set("timeout_command", timeoutCmd); err != nil {
		return err
	}
	if err := set("env", p.Env); err != nil {
		return err
	}
	for k, v := range p.Extra {
		if err := set("extra/"+k, v); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func readTime(tx *storage.Txn, key []byte) (time.Time, bool) {
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

func readString(tx *storage.Txn, key []byte) (string, bool) {
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

func readInt(tx *storage.Txn, key []byte) (int64, bool) {
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

func readProperties(tx *storage.Txn, sub storage.Subspace) Properties {
	var p Properties
	p.Username, _ = readString(tx, sub.Sub("username").Bytes())
	p.Submitted, _ = readTime(tx, sub.Sub("submitted").Bytes())
	compressed, _ := readInt(tx, sub.Sub("compressed").Bytes())
	p.Compressed = compressed != 0
	sanity, _ := readInt(tx, sub.Sub("sanity").Bytes())
	p.Sanity = sanity != 0
	p.Priority, _ = readInt(tx, sub.Sub("priority").Bytes())
	p.Timeout, _ = readInt(tx, sub.Sub("timeout").Bytes())
	p.FailFast, _ = readInt(tx, sub.Sub("fail_fast").Bytes())
	p.MaxRuns, _ = readInt(tx, sub.Sub("max_runs").Bytes())
	p.TestCommand, _ = readString(tx, sub.Sub("test_command").Bytes())
	p.TimeoutCommand, _ = readString(tx, sub.Sub("timeout_command").Bytes())
	p.Env, _ = readString(tx, sub.Sub("env").Bytes())
	if stopped, ok := readTime(tx, sub.Sub("stopped").Bytes()); ok {
		p.Stopped = stopped
		p.StoppedSet = true
	}
	p.Runtime, _ = readInt(tx, sub.Sub("runtime").Bytes())
	p.Extra = readExtra(tx, sub)
	return p
}

// readExtra reconstructs the extension-property map written by
// writeProperties under the "extra/<name>" keys, forwarded to children as
// JOSHUA_<NAME> (§4.5, §6).
func readExtra(tx *storage.Txn, sub storage.Subspace) map[string]string {
	extra := map[string]string{}
	begin, end := sub.Range()
	for _, kv := range tx.Scan(begin, end, 0) {
		rest := kv.Key[len(sub.Bytes()):]
		t, err := storage.Unpack(rest)
		if err != nil || len(t) != 1 {
			continue
		}
		name, ok := t[0].(string)
		if !ok || !strings.HasPrefix(name, "extra/") {
			continue
		}
		vt, err := storage.Unpack(kv.Value)
		if err != nil || len(vt) == 0 {
			continue
		}
		val, ok := vt[0].(string)
		if !ok {
			continue
		}
		extra[strings.TrimPrefix(name, "extra/")] = val
	}
	return extra
}

func readCounts(tx *storage.Txn, sub storage.Subspace) Counts {
	var c Counts
	started, _ := tx.Counter(sub.Sub("started").Bytes())
	ended, _ := tx.Counter(sub.Sub("ended").Bytes())
	pass, _ := tx.Counter(sub.Sub("pass").Bytes())
	fail, _ := tx.Counter(sub.Sub("fail").Bytes())
	duration, _ := tx.Counter(sub.Sub("duration").Bytes())
	c.Started, c.Ended, c.Pass, c.Fail, c.Duration = started, ended, pass, fail, duration
	return c
}

// readInfo assembles the read-path Info for one EID, deriving runtime and
// remaining per §4.2.
func readInfo(tx *storage.Txn, ks *storage.Keyspace, eid string) (Info, error) {
	sentinel := ks.All.Sub(eid).Bytes()
	if tx.Get(sentinel) == nil {
		return Info{}, ErrNotFound
	}
	propsSub := ks.All.Sub(eid, "properties")
	countSub := ks.All.Sub(eid, "count")
	props := readProperties(tx, propsSub)
	counts := readCounts(tx, countSub)

	var runtime time.Duration
	if props.StoppedSet {
		runtime = time.Duration(props.Runtime) * time.Second
	} else if !props.Submitted.IsZero() {
		runtime = time.Since(props.Submitted)
	}

	remaining := deriveRemaining(props, counts, runtime)

	return Info{
		EID:        eid,
		Properties: props,
		Counts:     counts,
		Runtime:    runtime,
		Remaining:  remaining,
	}, nil
}

// deriveRemaining implements the table in §4.2.
func deriveRemaining(p Properties, c Counts, runtime time.Duration) Remaining {
	if p.StoppedSet {
		return Remaining{Kind: "0"}
	}
	if c.Ended == 0 {
		return Remaining{Kind: "not_started"}
	}
	if p.MaxRuns == 0 {
		return Remaining{Kind: "no_max"}
	}
	if int64(c.Ended) >= p.MaxRuns {
		return Remaining{Kind: "stopping"}
	}
	secondsRemaining := runtime.Seconds() * float64(p.MaxRuns-int64(c.Ended)) / float64(c.Ended)
	return Remaining{Kind: "seconds", Seconds: secondsRemaining}
}
