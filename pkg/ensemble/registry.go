package ensemble

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"joshua/pkg/storage"
)

const timestampFormat = "20060102-150405"

// Registry implements the ensemble registry's public operations (§4.2).
// Each operation is one transaction unless its doc comment says otherwise.
type Registry struct {
	ks *storage.Keyspace
}

// New wraps a keyspace with ensemble-registry operations.
func New(ks *storage.Keyspace) *Registry {
	return &Registry{ks: ks}
}

// Create computes the EID, streams the tarball into the blob store, and
// inserts the ensemble record and index entry in one follow-up transaction.
// Calling Create again with the same (username, tarball) within the same UTC
// second yields the same EID and returns idempotently if the ensemble already
// exists; a call in a later second yields a new EID, because the EID embeds
// the submission timestamp.
func (r *Registry) Create(username string, props Properties, tarball io.Reader) (string, error) {
	buf, err := io.ReadAll(tarball)
	if err != nil {
		return "", fmt.Errorf("ensemble: read tarball: %w", err)
	}
	sum := sha256.Sum256(buf)
	hash16 := hex.EncodeToString(sum[:])[:16]
	submitted := time.Now().UTC()
	eid := fmt.Sprintf("%s-%s-%s", submitted.Format(timestampFormat), username, hash16)

	already, err := r.exists(eid)
	if err != nil {
		return "", err
	}
	if already {
		return eid, nil
	}

	if err := storage.WriteBlob(r.ks.Store, r.ks.Data.Sub(eid), bytes.NewReader(buf)); err != nil {
		return "", fmt.Errorf("ensemble: write tarball blob: %w", err)
	}

	props.Username = username
	props.Submitted = submitted
	index := r.indexFor(props.Sanity)

	err = r.ks.Store.Update(func(tx *storage.Txn) error {
		sentinel := r.ks.All.Sub(eid).Bytes()
		if tx.Get(sentinel) != nil {
			return nil // idempotent: created concurrently
		}
		if err := tx.Set(sentinel, []byte{}); err != nil {
			return err
		}
		if err := writeProperties(tx, r.ks.All.Sub(eid, "properties"), props); err != nil {
			return err
		}
		if err := tx.Set(index.Sub(eid).Bytes(), []byte{}); err != nil {
			return err
		}
		return tx.AtomicAdd(storage.ChangeKey(index), 1)
	})
	if err != nil {
		return "", fmt.Errorf("ensemble: create %s: %w", eid, err)
	}
	r.ks.Store.Notify(storage.ChangeKey(index))
	return eid, nil
}

// Stop removes EID from its index (active or sanity), recording its final
// runtime. Stop is idempotent with respect to I5: "stopped" is set only
// once.
func (r *Registry) Stop(eid string, sanity bool) error {
	if ok, err := r.exists(eid); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("ensemble: stop %s: %w", eid, ErrNotFound)
	}
	index := r.indexFor(sanity)
	bumped := false

	err := r.ks.Store.Update(func(tx *storage.Txn) error {
		if tx.Get(index.Sub(eid).Bytes()) == nil {
			return nil // already stopped
		}
		propsSub := r.ks.All.Sub(eid, "properties")
		stoppedKey := propsSub.Sub("stopped").Bytes()
		if tx.Get(stoppedKey) == nil {
			now := time.Now().UTC()
			submitted, _ := readTime(tx, propsSub.Sub("submitted").Bytes())
			runtime := now.Sub(submitted).Seconds()
			if err := tx.Set(stoppedKey, storage.Tuple{now.Unix()}.Pack()); err != nil {
				return err
			}
			if err := tx.Set(propsSub.Sub("runtime").Bytes(), storage.Tuple{int64(runtime)}.Pack()); err != nil {
				return err
			}
		}
		if err := tx.Delete(index.Sub(eid).Bytes()); err != nil {
			return err
		}
		begin, end := r.ks.Incomplete.Sub(eid).Range()
		if err := tx.ClearRange(begin, end); err != nil {
			return err
		}
		if err := tx.AtomicAdd(storage.ChangeKey(index), 1); err != nil {
			return err
		}
		bumped = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensemble: stop %s: %w", eid, err)
	}
	if bumped {
		r.ks.Store.Notify(storage.ChangeKey(index))
	}
	return nil
}

// Resume re-inserts EID into its index if absent. Returns true iff it
// transitioned from stopped to running.
func (r *Registry) Resume(eid string, sanity bool) (bool, error) {
	index := r.indexFor(sanity)
	transitioned := false
	err := r.ks.Store.Update(func(tx *storage.Txn) error {
		key := index.Sub(eid).Bytes()
		if tx.Get(key) != nil {
			return nil
		}
		if err := tx.Set(key, []byte{}); err != nil {
			return err
		}
		if err := tx.AtomicAdd(storage.ChangeKey(index), 1); err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ensemble: resume %s: %w", eid, err)
	}
	if transitioned {
		r.ks.Store.Notify(storage.ChangeKey(index))
	}
	return transitioned, nil
}

// Delete range-deletes every subspace belonging to EID: results (pass, fail,
// large), tarball data, in-progress claims, and the registry entry itself.
func (r *Registry) Delete(eid string) error {
	return r.ks.Store.Update(func(tx *storage.Txn) error {
		for _, sub := range []storage.Subspace{
			r.ks.ResultsPass.Sub(eid),
			r.ks.ResultsFail.Sub(eid),
			r.ks.ResultsLarge.Sub(eid),
			r.ks.Data.Sub(eid),
			r.ks.Incomplete.Sub(eid),
			r.ks.All.Sub(eid),
		} {
			begin, end := sub.Range()
			if err := tx.ClearRange(begin, end); err != nil {
				return err
			}
		}
		if err := tx.Delete(r.ks.Active.Sub(eid).Bytes()); err != nil {
			return err
		}
		return tx.Delete(r.ks.Sanity.Sub(eid).Bytes())
	})
}

// ListActive range-scans the active index, resolving each EID's properties
// and counts.
func (r *Registry) ListActive() ([]Info, error) {
	return r.list(r.ks.Active)
}

// ListSanity range-scans the sanity index.
func (r *Registry) ListSanity() ([]Info, error) {
	return r.list(r.ks.Sanity)
}

// ListAll range-scans the full registry. Like ListActive/ListSanity it
// collects the EIDs in one transaction and resolves their properties and
// counts in a second; the scan is not paginated across transactions, since
// bbolt transactions don't expire mid-scan the way the source store's do.
func (r *Registry) ListAll() ([]Info, error) {
	var eids []string
	err := r.ks.Store.View(func(tx *storage.Txn) error {
		begin, end := r.ks.All.Range()
		for _, kv := range tx.Scan(begin, end, 0) {
			rest := kv.Key[len(r.ks.All.Bytes()):]
			t, err := storage.Unpack(rest)
			if err != nil || len(t) == 0 {
				continue
			}
			eid, ok := t[0].(string)
			if !ok {
				continue
			}
			eids = append(eids, eid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.resolve(dedupe(eids))
}

// Watch returns the current listing and a channel that fires on the next
// insertion or removal in the given index.
func (r *Registry) Watch(sanity bool) ([]Info, <-chan struct{}, error) {
	index := r.indexFor(sanity)
	infos, err := r.list(index)
	if err != nil {
		return nil, nil, err
	}
	return infos, r.ks.Store.Watch(storage.ChangeKey(index)), nil
}

func (r *Registry) indexFor(sanity bool) storage.Subspace {
	return r.ks.IndexFor(sanity)
}

func (r *Registry) exists(eid string) (bool, error) {
	var found bool
	err := r.ks.Store.View(func(tx *storage.Txn) error {
		found = tx.Get(r.ks.All.Sub(eid).Bytes()) != nil
		return nil
	})
	return found, err
}

func (r *Registry) list(index storage.Subspace) ([]Info, error) {
	var eids []string
	err := r.ks.Store.View(func(tx *storage.Txn) error {
		begin, end := index.Range()
		for _, kv := range tx.Scan(begin, end, 0) {
			rest := kv.Key[len(index.Bytes()):]
			t, err := storage.Unpack(rest)
			if err != nil || len(t) == 0 {
				continue
			}
			if eid, ok := t[0].(string); ok && eid != "__change__" {
				eids = append(eids, eid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.resolve(eids)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) resolve(eids []string) ([]Info, error) {
	infos := make([]Info, 0, len(eids))
	err := r.ks.Store.View(func(tx *storage.Txn) error {
		for _, eid := range eids {
			info, err := readInfo(tx, r.ks, eid)
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
		return nil
	})
	return infos, err
}
