package desync

import (
	"lockstep.ai/internal/sim/fingerprint"
	"lockstep.ai/internal/sim/ledger"
)

// traceRadius is how many fingerprint entries around the divergence a report
// keeps on each side.
const traceRadius = 8

// Report is the diagnostic record of one detected desync.
type Report struct {
	ID            string `json:"id"`
	Peer          string `json:"peer"`
	CreatedUnixMS int64  `json:"created_unix_ms"`
	Timer         int32  `json:"timer"`
	StartTick     int32  `json:"start_tick"`
	LastValidTick int32  `json:"last_valid_tick"`

	// Remote is set when the peer announced the desync instead of this
	// node detecting it.
	Remote bool   `json:"remote,omitempty"`
	Reason string `json:"reason"`

	Mismatch      *ledger.Mismatch `json:"mismatch,omitempty"`
	LocalOpinion  *ledger.Opinion  `json:"local_opinion,omitempty"`
	RemoteOpinion *ledger.Opinion  `json:"remote_opinion,omitempty"`

	// FingerprintIndex is the first differing fingerprint, or -1.
	FingerprintIndex int                 `json:"fingerprint_index"`
	Fingerprints     []fingerprint.Entry `json:"fingerprints,omitempty"`
	Trace            []ledger.Checkpoint `json:"trace,omitempty"`
}

// fingerprintsAround returns the local entries within traceRadius of idx.
func fingerprintsAround(op *ledger.Opinion, idx int) []fingerprint.Entry {
	if idx < 0 || len(op.Traces) == 0 {
		return nil
	}
	lo := max(idx-traceRadius, 0)
	hi := min(idx+traceRadius+1, len(op.Traces))
	if lo >= hi {
		return nil
	}
	return append([]fingerprint.Entry(nil), op.Traces[lo:hi]...)
}
