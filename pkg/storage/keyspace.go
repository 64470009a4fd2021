package storage

// Keyspace names the subspaces the data model (§3) divides the directory
// tree into. It is pure plumbing — no business rules — shared by the
// ensemble registry (C2), claim protocol (C3), result sink (C4), and tail
// stream (C7) so that all four agree on where things live without
// depending on each other's packages.
type Keyspace struct {
	Store *Store

	All          Subspace // /ensembles/all
	Active       Subspace // /ensembles/active
	Sanity       Subspace // /ensembles/sanity
	Data         Subspace // /ensembles/data
	Incomplete   Subspace // /ensembles/incomplete
	ResultsPass  Subspace // /ensembles/results/pass
	ResultsFail  Subspace // /ensembles/results/fail
	ResultsLarge Subspace // /ensembles/results/large
	Failures     Subspace // /failures
}

// OpenKeyspace wires a Store to the directory layout under root (default:
// a single "joshua" element, per §4.1).
func OpenKeyspace(store *Store, root ...string) *Keyspace {
	dir := NewDirectory(root...)
	return &Keyspace{
		Store:        store,
		All:          dir.Open("ensembles", "all"),
		Active:       dir.Open("ensembles", "active"),
		Sanity:       dir.Open("ensembles", "sanity"),
		Data:         dir.Open("ensembles", "data"),
		Incomplete:   dir.Open("ensembles", "incomplete"),
		ResultsPass:  dir.Open("ensembles", "results", "pass"),
		ResultsFail:  dir.Open("ensembles", "results", "fail"),
		ResultsLarge: dir.Open("ensembles", "results", "large"),
		Failures:     dir.Open("failures"),
	}
}

// IndexFor returns the Active or Sanity subspace an ensemble's liveness is
// tracked in, selected the same way across the registry, claim protocol, and
// result sink so all three agree on where one ensemble's index entry lives.
func (ks *Keyspace) IndexFor(sanity bool) Subspace {
	if sanity {
		return ks.Sanity
	}
	return ks.Active
}

// ChangeKey returns the single change-counter key for an index subspace
// (Active or Sanity); agents watch this key to be woken on any insertion or
// removal in that index (§3, glossary "Change-counter key").
func ChangeKey(index Subspace) []byte {
	return index.Sub("__change__").Bytes()
}
