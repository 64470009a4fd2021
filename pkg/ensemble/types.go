// Package ensemble implements the ensemble registry (component C2): the
// KV-backed catalogue of ensembles, their properties and counters, the
// active/sanity indexes, and the change-counter watches agents use to
// discover new work.
package ensemble

import "time"

// Properties is the typed configuration record for one ensemble (§3). Known
// fields are stored as dedicated tuple-packed keys; Extra carries any
// forwarded property the caller supplied that isn't one of the known
// fields, forwarded verbatim to child processes as JOSHUA_<NAME> (§4.5,
// §6).
type Properties struct {
	Username        string
	Submitted       time.Time
	Compressed      bool
	Sanity          bool
	Priority        int64 // default 100
	Timeout         int64 // seconds, 0 = unset
	FailFast        int64 // 0 = unlimited
	MaxRuns         int64 // 0 = unlimited
	TestCommand     string
	TimeoutCommand  string
	Env             string // colon-joined K=V pairs
	Stopped         time.Time
	StoppedSet      bool
	Runtime         int64 // seconds, set when stopped
	Extra           map[string]string
}

// DefaultProperties returns a Properties with the data model's defaults
// filled in (§3): priority 100, test_command ./joshua_test, timeout_command
// ./joshua_timeout.
func DefaultProperties() Properties {
	return Properties{
		Priority:       100,
		TestCommand:    "./joshua_test",
		TimeoutCommand: "./joshua_timeout",
		Extra:          map[string]string{},
	}
}

// Counts holds the atomic-add counters maintained per ensemble (§3).
type Counts struct {
	Started  uint64
	Ended    uint64
	Pass     uint64
	Fail     uint64
	Duration uint64 // accumulated seconds
}

// Remaining describes the read-path "remaining" derivation (§4.2).
type Remaining struct {
	// Kind is one of "0", "not_started", "no_max", "stopping", "seconds".
	Kind    string
	Seconds float64
}

// Info is the read-path view of one ensemble: properties, counts, and
// derived fields, as returned by List*/Show operations.
type Info struct {
	EID        string
	Properties Properties
	Counts     Counts
	Runtime    time.Duration
	Remaining  Remaining
}
