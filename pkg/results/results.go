// Package results implements the result sink (component C4): transactional
// result insertion, counters, fail-fast/max-runs enforcement, and
// large-output spill.
package results

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zlib"

	"joshua/pkg/ensemble"
	"joshua/pkg/log"
	"joshua/pkg/metrics"
	"joshua/pkg/storage"
)

// BlobKeyLimit is the threshold past which output is spilled to a blob key
// (§3, §4.4).
const BlobKeyLimit = storage.BlobKeyLimit

// Sink binds the result-insertion protocol to a keyspace and the ensemble
// registry it calls into to enforce fail_fast/max_runs stop semantics.
type Sink struct {
	ks       *storage.Keyspace
	registry *ensemble.Registry
}

// New creates a result sink.
func New(ks *storage.Keyspace, registry *ensemble.Registry) *Sink {
	return &Sink{ks: ks, registry: registry}
}

// Insert records the outcome of one run (§4.4). sanity selects whether
// EID's active-ness is tracked in the sanity or active index, matching the
// ensemble's own Sanity property.
func (s *Sink) Insert(eid string, seed int64, code int, output []byte, sanity bool, durationSeconds float64) error {
	compressed, fail, ended := false, false, uint64(0)
	var failFast, maxRuns int64

	err := s.ks.Store.View(func(tx *storage.Txn) error {
		compressed = boolField(tx, s.ks.All.Sub(eid, "properties", "compressed").Bytes())
		failFast = int64Field(tx, s.ks.All.Sub(eid, "properties", "fail_fast").Bytes())
		maxRuns = int64Field(tx, s.ks.All.Sub(eid, "properties", "max_runs").Bytes())
		return nil
	})
	if err != nil {
		return fmt.Errorf("results: read properties for %s: %w", eid, err)
	}

	body, blobPayload, spilled, err := prepareOutput(output, seed, compressed)
	if err != nil {
		return fmt.Errorf("results: prepare output for %s/%d: %w", eid, seed, err)
	}

	var versionstamp []byte
	inserted := false
	endedKey := s.ks.All.Sub(eid, "count", "ended").Bytes()

	err = s.ks.Store.Update(func(tx *storage.Txn) error {
		if tx.Get(s.ks.IndexFor(sanity).Sub(eid).Bytes()) == nil {
			return nil // ensemble already stopped (I4/I5 ordering, SPEC_FULL open question)
		}
		claimKey := s.ks.Incomplete.Sub(eid, seed).Bytes()
		if tx.Get(claimKey) == nil {
			return nil // race: already inserted by someone else
		}

		// Read the claimant's hostname before clearing the incomplete
		// subrange below: within one transaction a Get reflects prior
		// Deletes, so this must happen first or the field reads back empty.
		hostname, _ := readHostname(tx, s.ks, eid, seed)

		begin, end := s.ks.Incomplete.Sub(eid, seed).Range()
		if err := tx.ClearRange(begin, end); err != nil {
			return err
		}
		if err := tx.Delete(s.ks.Incomplete.Sub(eid, "heartbeat", seed).Bytes()); err != nil {
			return err
		}

		countSub := s.ks.All.Sub(eid, "count")
		if err := tx.AtomicAdd(countSub.Sub("ended").Bytes(), 1); err != nil {
			return err
		}

		var resultsSub storage.Subspace
		if code != 0 {
			fail = true
			if err := tx.AtomicAdd(countSub.Sub("fail").Bytes(), 1); err != nil {
				return err
			}
			resultsSub = s.ks.ResultsFail.Sub(eid)
		} else {
			if err := tx.AtomicAdd(countSub.Sub("pass").Bytes(), 1); err != nil {
				return err
			}
			resultsSub = s.ks.ResultsPass.Sub(eid)
		}
		if err := tx.AtomicAdd(countSub.Sub("duration").Bytes(), int64(durationSeconds)); err != nil {
			return err
		}

		vs, err := tx.Versionstamp()
		if err != nil {
			return err
		}
		versionstamp = vs

		recordKey := resultsSub.Sub(vs, code, hostname, seed).Bytes()
		if err := tx.Set(recordKey, body); err != nil {
			return err
		}

		endedNow, _ := tx.Counter(countSub.Sub("ended").Bytes())
		ended = endedNow
		inserted = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("results: insert %s/%d: %w", eid, seed, err)
	}
	if !inserted {
		return nil
	}
	// Wakes any tail stream blocked waiting for this ensemble's next result
	// (§4.7); readers re-scan on wakeup rather than trusting the signal
	// itself to carry data.
	s.ks.Store.Notify(endedKey)

	if spilled {
		if err := storage.WriteBlob(s.ks.Store, s.ks.ResultsLarge.Sub(eid, seed), bytes.NewReader(blobPayload)); err != nil {
			return fmt.Errorf("results: write spilled blob %s/%d: %w", eid, seed, err)
		}
		metrics.ResultSpillsTotal.Inc()
	}

	// Snapshot-read stop triggers (§4.4 step 5 and 7): bounded overshoot is
	// acceptable when two finalizers race past the threshold concurrently.
	if fail && failFast > 0 {
		var curFail uint64
		_ = s.ks.Store.View(func(tx *storage.Txn) error {
			curFail, _ = tx.Counter(s.ks.All.Sub(eid, "count", "fail").Bytes())
			return nil
		})
		if int64(curFail) >= failFast {
			if err := s.registry.Stop(eid, sanity); err != nil && err != ensemble.ErrNotFound {
				return fmt.Errorf("results: fail_fast stop %s: %w", eid, err)
			}
			log.WithEnsemble(eid).With().Int64("seed", seed).Logger().
				Info().Msg("results: fail_fast threshold reached, ensemble stopped")
		}
	}
	if maxRuns > 0 && int64(ended) >= maxRuns {
		if err := s.registry.Stop(eid, sanity); err != nil && err != ensemble.ErrNotFound {
			return fmt.Errorf("results: max_runs stop %s: %w", eid, err)
		}
		log.WithEnsemble(eid).Info().Msg("results: max_runs reached, ensemble stopped")
	}

	return nil
}

// prepareOutput implements the spill decision (§4.4): if the (optionally
// zlib-compressed) payload exceeds BlobKeyLimit, it is replaced by a small
// marker referencing a blob key, optionally re-compressed a second time
// when the ensemble is compressed (SPEC_FULL.md §3).
func prepareOutput(output []byte, seed int64, compressed bool) (body []byte, blobPayload []byte, spilled bool, err error) {
	candidate := output
	if compressed {
		candidate, err = zlibCompress(output)
		if err != nil {
			return nil, nil, false, err
		}
	}
	if len(candidate) <= BlobKeyLimit {
		return candidate, nil, false, nil
	}

	marker := fmt.Sprintf(
		`<Test><JoshuaMessage Message="value_in_blob" BlobKey="%d" BlobVersion="2"/></Test>`,
		seed,
	)
	markerBody := []byte(marker)
	if compressed {
		markerBody, err = zlibCompress(markerBody)
		if err != nil {
			return nil, nil, false, err
		}
	}
	return markerBody, candidate, true, nil
}

func zlibCompress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WrapError builds the JoshuaError payload used when the transactional
// insert itself fails (§6, §7): the error crosses the run boundary as a
// structured result instead of being silently dropped.
func WrapError(err error) []byte {
	return []byte(fmt.Sprintf(`<Test><JoshuaError Severity="40" ErrorMessage=%q/></Test>`, err.Error()))
}

func readHostname(tx *storage.Txn, ks *storage.Keyspace, eid string, seed int64) (string, bool) {
	v := tx.Get(ks.Incomplete.Sub(eid, seed, "hostname").Bytes())
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

func boolField(tx *storage.Txn, key []byte) bool {
	v := tx.Get(key)
	if v == nil {
		return false
	}
	t, err := storage.Unpack(v)
	if err != nil || len(t) == 0 {
		return false
	}
	n, ok := t[0].(int64)
	return ok && n != 0
}

func int64Field(tx *storage.Txn, key []byte) int64 {
	v := tx.Get(key)
	if v == nil {
		return 0
	}
	t, err := storage.Unpack(v)
	if err != nil || len(t) == 0 {
		return 0
	}
	n, _ := t[0].(int64)
	return n
}
