package seal

// Outcome is the result of replaying one ledger record during sealing.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
)

// ReplayResult records how one prior signature fared during replay. Skips
// carry the reason so the gap is auditable.
type ReplayResult struct {
	Index       int
	RecipientID string
	Outcome     Outcome
	Reason      string
}

// Report summarizes one sealing run. It is logged, never user-facing.
type Report struct {
	DocumentID string
	Results    []ReplayResult
	SealIndex  int
	Fallback   bool
}

func (r *Report) applied(index int, recipientID string) {
	r.Results = append(r.Results, ReplayResult{Index: index, RecipientID: recipientID, Outcome: OutcomeApplied})
}

func (r *Report) skipped(index int, recipientID, reason string) {
	r.Results = append(r.Results, ReplayResult{Index: index, RecipientID: recipientID, Outcome: OutcomeSkipped, Reason: reason})
}

// Skips returns the number of replay slots that could not be re-signed.
func (r *Report) Skips() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeSkipped {
			n++
		}
	}
	return n
}
