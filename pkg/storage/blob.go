package storage

import "io"

const (
	// BlobKeyLimit is the maximum payload size of a single blob chunk key.
	BlobKeyLimit = 8 * 1024
	// BlobTransactionLimit bounds how many chunk bytes are committed per
	// transaction while writing a blob.
	BlobTransactionLimit = 128 * 1024
)

// WriteBlob streams r into subspace S, keyed by byte offset, in chunks of
// BlobKeyLimit bytes, committing at most BlobTransactionLimit bytes per
// transaction.
func WriteBlob(store *Store, s Subspace, r io.Reader) error {
	var offset int64
	chunk := make([]byte, BlobKeyLimit)
	for {
		batchStart := offset
		var pending [][]byte
		batchBytes := 0
		for batchBytes < BlobTransactionLimit {
			n, err := io.ReadFull(r, chunk)
			if n > 0 {
				buf := make([]byte, n)
				copy(buf, chunk[:n])
				pending = append(pending, buf)
				batchBytes += n
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				if err := flushBlobBatch(store, s, batchStart, pending); err != nil {
					return err
				}
				return nil
			}
			if err != nil {
				return err
			}
		}
		if err := flushBlobBatch(store, s, batchStart, pending); err != nil {
			return err
		}
		offset = batchStart + int64(batchBytes)
	}
}

func flushBlobBatch(store *Store, s Subspace, startOffset int64, chunks [][]byte) error {
	if len(chunks) == 0 {
		return nil
	}
	return store.Update(func(tx *Txn) error {
		off := startOffset
		for _, c := range chunks {
			if err := tx.Set(s.Pack(Tuple{off}), c); err != nil {
				return err
			}
			off += int64(len(c))
		}
		return nil
	})
}

// ReadBlob reads the full byte stream stored under subspace S, scanning from
// offset 0 and stopping at the first empty value (defensive against
// accidental truncation, per §4.1).
func ReadBlob(store *Store, s Subspace) ([]byte, error) {
	var out []byte
	begin, end := s.Range()
	err := store.View(func(tx *Txn) error {
		rows := tx.Scan(begin, end, 0)
		for _, kv := range rows {
			if len(kv.Value) == 0 {
				break
			}
			out = append(out, kv.Value...)
		}
		return nil
	})
	return out, err
}

// DeleteBlob range-deletes the whole subspace in one transaction.
func DeleteBlob(store *Store, s Subspace) error {
	begin, end := s.Range()
	return store.Update(func(tx *Txn) error {
		return tx.ClearRange(begin, end)
	})
}
