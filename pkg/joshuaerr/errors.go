// Package joshuaerr is the tagged error enumeration called for by
// SPEC_FULL.md §1 in place of the source system's exceptions-as-control-flow
// JoshuaError type.
package joshuaerr

import "errors"

var (
	// ErrEnsembleStopped means the ensemble was no longer in its index at
	// the moment an operation checked (claim, insert, etc).
	ErrEnsembleStopped = errors.New("joshuaerr: ensemble stopped")
	// ErrClaimLost means this instance's claim on a seed was stolen or
	// invalidated mid-run.
	ErrClaimLost = errors.New("joshuaerr: claim lost")
	// ErrTimeout means the run exceeded its wall-clock budget.
	ErrTimeout = errors.New("joshuaerr: run timed out")
	// ErrSanityFailure means a sanity ensemble failed at startup or during
	// its periodic re-run; the agent treats this as fatal.
	ErrSanityFailure = errors.New("joshuaerr: sanity ensemble failed")
	// ErrFatalCleanup means descendant processes survived repeated kill
	// attempts; the agent logs and exits so the pool manager replaces it.
	ErrFatalCleanup = errors.New("joshuaerr: could not clean up descendants")
)
