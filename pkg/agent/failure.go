package agent

import (
	"crypto/rand"
	"fmt"
	"time"

	"joshua/pkg/claim"
	"joshua/pkg/storage"
)

// LogFailure records an agent-fatal error under /failures/<unix_ts>/<hostname>/<random32>
// (§3, §7: "anything that crosses the agent boundary is logged under
// /failures with timestamp and hostname"). The value is a tuple-packed
// record rather than a bare string (SPEC_FULL.md §3 "Agent-failure log
// fields"), carrying the instance-id so failures are attributable without
// parsing free text, plus optional ensemble/seed context when the failure
// happened mid-run.
func LogFailure(ks *storage.Keyspace, instance claim.InstanceID, hostname string, cause error, eid string, seed int64) error {
	var token [16]byte
	if _, err := rand.Read(token[:]); err != nil {
		return fmt.Errorf("agent: generate failure token: %w", err)
	}
	key := ks.Failures.Sub(time.Now().UTC().Unix(), hostname, token[:]).Bytes()
	record := storage.Tuple{instance.String(), cause.Error(), eid, seed}
	return ks.Store.Update(func(tx *storage.Txn) error {
		return tx.Set(key, record.Pack())
	})
}
