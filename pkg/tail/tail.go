// Package tail implements the tail/subscribe stream (component C7): a
// merged, versionstamp-ordered read of one ensemble's pass+fail (or
// fail-only) results starting from a given cursor, continuing via watches
// until the ensemble is gone from the active index.
package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/klauspost/compress/zlib"

	"joshua/pkg/storage"
)

// BatchWindow is the nominal length of one read pass (≈250ms). readBatch
// does not enforce it: each pass reads every row currently past the cursor
// in one transaction, with no wall-clock bound.
const BatchWindow = 250 * time.Millisecond

// Record is one decoded result row, with any large-output spill already
// resolved to its original bytes.
type Record struct {
	EID          string
	Seed         int64
	Code         int
	Hostname     string
	Output       []byte
	Versionstamp []byte
	Fail         bool
}

// ErrUnknownBlobVersion is returned (and the offending record skipped, per
// §7) when a value_in_blob marker names a BlobVersion this reader doesn't
// recognise.
var ErrUnknownBlobVersion = errors.New("tail: unrecognised blob version")

// Stream merge-reads eid's pass and fail results (or fail only, if
// failOnly) in commit order, starting strictly after the versionstamp
// cursor (nil means from the beginning), and sends each decoded record on
// the returned channel. It ends when the result range is exhausted and the
// ensemble is no longer in the active index; otherwise it waits on the
// ensemble's ended-counter or active-index watch and resumes (§4.7).
//
// The caller is responsible for draining out until it closes and then
// checking errc for a terminal error.
func Stream(ctx context.Context, ks *storage.Keyspace, eid string, start []byte, failOnly bool) (<-chan Record, <-chan error) {
	out := make(chan Record)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		cursor := append([]byte(nil), start...)
		compressed := readCompressed(ks, eid)

		for {
			batch, next, err := readBatch(ks, eid, cursor, failOnly)
			if err != nil {
				errc <- err
				return
			}
			for _, row := range batch {
				rec, err := decodeRow(row, compressed, ks, eid)
				if err != nil {
					// §7: unrecognised blob version is a parse error for
					// this record only; skip it and keep streaming.
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
			if len(batch) > 0 {
				cursor = next
				continue
			}

			if !ensembleActive(ks, eid) {
				return
			}

			endedWatch := ks.Store.Watch(ks.All.Sub(eid, "count", "ended").Bytes())
			activeWatch := ks.Store.Watch(storage.ChangeKey(ks.Active))
			select {
			case <-ctx.Done():
				return
			case <-endedWatch:
			case <-activeWatch:
			}
		}
	}()

	return out, errc
}

// row is one raw result key/value plus which index (pass/fail) it came
// from, pre-merge.
type row struct {
	kv   storage.KV
	sub  storage.Subspace
	fail bool
}

// readBatch scans both results indexes for eid past cursor and returns them
// merged in versionstamp order. One pass reads everything currently
// available in a single transaction; no time or row limit is applied.
func readBatch(ks *storage.Keyspace, eid string, cursor []byte, failOnly bool) ([]row, []byte, error) {
	var merged []row

	err := ks.Store.View(func(tx *storage.Txn) error {
		var passRows, failRows []storage.KV
		if !failOnly {
			passRows = scanSince(tx, ks.ResultsPass.Sub(eid), cursor)
		}
		failRows = scanSince(tx, ks.ResultsFail.Sub(eid), cursor)
		merged = mergeRows(ks.ResultsPass.Sub(eid), passRows, ks.ResultsFail.Sub(eid), failRows)
		return nil
	})
	if err != nil {
		return nil, cursor, fmt.Errorf("tail: scan results for %s: %w", eid, err)
	}

	next := cursor
	if len(merged) > 0 {
		last := merged[len(merged)-1]
		rest := last.kv.Key[len(last.sub.Bytes()):]
		t, err := storage.Unpack(rest)
		if err == nil && len(t) > 0 {
			if vs, ok := t[0].([]byte); ok {
				next = vs
			}
		}
	}
	return merged, next, nil
}

func scanSince(tx *storage.Txn, sub storage.Subspace, since []byte) []storage.KV {
	begin, end := sub.Range()
	if len(since) > 0 {
		begin = append(sub.Pack(storage.Tuple{since}), 0xFF)
	}
	return tx.Scan(begin, end, 0)
}

// mergeRows merges two already-ascending (by versionstamp) slices into one
// ascending slice by comparing each row's versionstamp tuple element.
func mergeRows(passSub storage.Subspace, passRows []storage.KV, failSub storage.Subspace, failRows []storage.KV) []row {
	out := make([]row, 0, len(passRows)+len(failRows))
	i, j := 0, 0
	for i < len(passRows) || j < len(failRows) {
		switch {
		case i >= len(passRows):
			out = append(out, row{kv: failRows[j], sub: failSub, fail: true})
			j++
		case j >= len(failRows):
			out = append(out, row{kv: passRows[i], sub: passSub, fail: false})
			i++
		default:
			pvs := versionstampOf(passSub, passRows[i])
			fvs := versionstampOf(failSub, failRows[j])
			if bytes.Compare(pvs, fvs) <= 0 {
				out = append(out, row{kv: passRows[i], sub: passSub, fail: false})
				i++
			} else {
				out = append(out, row{kv: failRows[j], sub: failSub, fail: true})
				j++
			}
		}
	}
	return out
}

func versionstampOf(sub storage.Subspace, kv storage.KV) []byte {
	rest := kv.Key[len(sub.Bytes()):]
	t, err := storage.Unpack(rest)
	if err != nil || len(t) == 0 {
		return nil
	}
	vs, _ := t[0].([]byte)
	return vs
}

// decodeRow parses one result row's key tuple and resolves its output,
// honouring an optional zlib-compressed payload and value_in_blob spill.
func decodeRow(r row, compressed bool, ks *storage.Keyspace, eid string) (Record, error) {
	rest := r.kv.Key[len(r.sub.Bytes()):]
	t, err := storage.Unpack(rest)
	if err != nil || len(t) != 4 {
		return Record{}, fmt.Errorf("tail: malformed result key for %s: %w", eid, err)
	}
	vs, _ := t[0].([]byte)
	code, _ := t[1].(int64)
	hostname, _ := t[2].(string)
	seed, _ := t[3].(int64)

	body := r.kv.Value
	if compressed {
		if plain, err := zlibDecompress(body); err == nil {
			body = plain
		}
	}

	output, err := resolveSpill(body, ks, eid, seed, compressed)
	if err != nil {
		return Record{}, err
	}

	return Record{
		EID:          eid,
		Seed:         seed,
		Code:         int(code),
		Hostname:     hostname,
		Output:       output,
		Versionstamp: vs,
		Fail:         r.fail,
	}, nil
}

var markerAttr = regexp.MustCompile(`(\w+)="([^"]*)"`)

// resolveSpill recognises a value_in_blob marker by a narrow tag-prefix
// test (§9 "avoid full XML parsing in the hot path") and, if present, reads
// the real payload from the large-output blob subspace named by the
// marker's BlobVersion.
func resolveSpill(body []byte, ks *storage.Keyspace, eid string, seed int64, compressed bool) ([]byte, error) {
	if !bytes.HasPrefix(body, []byte("<Test><JoshuaMessage")) {
		return body, nil
	}
	attrs := parseMarkerAttrs(body)
	if attrs["Message"] != "value_in_blob" {
		return body, nil
	}

	var blobSub storage.Subspace
	switch attrs["BlobVersion"] {
	case "2":
		blobSub = ks.ResultsLarge.Sub(eid, seed)
	case "1":
		blobSub = ks.ResultsLarge.Sub(seed) // legacy: no EID path element
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBlobVersion, attrs["BlobVersion"])
	}

	payload, err := storage.ReadBlob(ks.Store, blobSub)
	if err != nil {
		return nil, fmt.Errorf("tail: read spilled blob for %s/%d: %w", eid, seed, err)
	}
	if compressed {
		plain, err := zlibDecompress(payload)
		if err != nil {
			return nil, fmt.Errorf("tail: decompress spilled blob for %s/%d: %w", eid, seed, err)
		}
		payload = plain
	}
	return payload, nil
}

func parseMarkerAttrs(body []byte) map[string]string {
	matches := markerAttr.FindAllSubmatch(body, -1)
	out := make(map[string]string, len(matches))
	for _, m := range matches {
		out[string(m[1])] = string(m[2])
	}
	return out
}

func zlibDecompress(p []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ensembleActive(ks *storage.Keyspace, eid string) bool {
	var active bool
	_ = ks.Store.View(func(tx *storage.Txn) error {
		active = tx.Get(ks.Active.Sub(eid).Bytes()) != nil
		return nil
	})
	return active
}

func readCompressed(ks *storage.Keyspace, eid string) bool {
	var compressed bool
	_ = ks.Store.View(func(tx *storage.Txn) error {
		v := tx.Get(ks.All.Sub(eid, "properties", "compressed").Bytes())
		if v == nil {
			return nil
		}
		t, err := storage.Unpack(v)
		if err != nil || len(t) == 0 {
			return nil
		}
		n, _ := t[0].(int64)
		compressed = n != 0
		return nil
	})
	return compressed
}
