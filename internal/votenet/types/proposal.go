package types

// ProposalStatus is the lifecycle state of a consensus proposal. Transitions
// are monotone: pending -> finalized or pending -> rejected.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalFinalized ProposalStatus = "finalized"
	ProposalRejected  ProposalStatus = "rejected"
)

// Proposal is a leader-originated request to commit one vote. The approvals
// set holds node ids that acknowledged the vote, always including the
// proposing node itself.
type Proposal struct {
	VoteID     string          `json:"vote_id"`
	Vote       Vote            `json:"vote"`
	ProposedBy string          `json:"proposed_by"`
	ProposedAt float64         `json:"proposed_at"`
	Status     ProposalStatus  `json:"status"`
	Approvals  map[string]bool `json:"approvals"`
	Rejections int             `json:"rejections"`
}

// ApprovalCount returns the number of distinct approving nodes.
func (p *Proposal) ApprovalCount() int {
	return len(p.Approvals)
}

// Approve records an approval from the given node. Idempotent.
func (p *Proposal) Approve(nodeID string) {
	if p.Approvals == nil {
		p.Approvals = make(map[string]bool)
	}
	p.Approvals[nodeID] = true
}
