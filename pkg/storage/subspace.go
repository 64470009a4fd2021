package storage

import "bytes"

// Subspace is a namespace of keys sharing a common tuple prefix, modelling
// the "directory" abstraction: Directory.Open(path) returns a Subspace whose
// packed keys all sort together and never collide with a sibling directory's
// keys, because every packed tuple element is null-terminated and escaped
// (see tuple.go).
type Subspace struct {
	prefix []byte
}

// Sub returns a child subspace nested one tuple element deeper.
func (s Subspace) Sub(el ...any) Subspace {
	return Subspace{prefix: append(append([]byte(nil), s.prefix...), Tuple(el).Pack()...)}
}

// Pack builds a full key: the subspace's prefix followed by the packed tuple.
func (s Subspace) Pack(t Tuple) []byte {
	return append(append([]byte(nil), s.prefix...), t.Pack()...)
}

// Bytes returns the subspace's raw prefix, usable directly as a key when the
// subspace itself (not an element within it) is the addressed entity (e.g.
// the ensemble's sentinel key or a change-counter key).
func (s Subspace) Bytes() []byte {
	return append([]byte(nil), s.prefix...)
}

// Range returns the [begin, end) byte bounds that contain every key in this
// subspace and all of its descendants.
func (s Subspace) Range() (begin, end []byte) {
	begin = append([]byte(nil), s.prefix...)
	end = append([]byte(nil), s.prefix...)
	end = append(end, 0xFF)
	return begin, end
}

// Contains reports whether key falls within this subspace's range.
func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}

// Directory allocates and opens named subspaces under a configurable root.
// Unlike the source system's allocator, which assigns each directory an
// opaque short prefix via a side table, Joshua's Directory packs the full
// path into the key itself: the keyspace is small enough (a handful of
// named subspaces, not a directory per tenant) that the extra bytes are not
// worth an allocation table, and it keeps the bbolt file browseable with a
// plain key dump.
type Directory struct {
	root Subspace
}

// NewDirectory opens the root directory. path defaults to a single element,
// "joshua", when empty.
func NewDirectory(path ...string) *Directory {
	if len(path) == 0 {
		path = []string{"joshua"}
	}
	els := make(Tuple, len(path))
	for i, p := range path {
		els[i] = p
	}
	return &Directory{root: Subspace{prefix: els.Pack()}}
}

// Open returns the subspace for a '/'-free path of names relative to the
// directory's root, e.g. Open("ensembles", "all").
func (d *Directory) Open(path ...string) Subspace {
	sub := d.root
	for _, p := range path {
		sub = sub.Sub(p)
	}
	return sub
}
