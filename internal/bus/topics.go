package bus

// Proposal approval topics. Proposals are the pipeline's own human-in-the-
// loop gate: a seed-engine proposal blocks until an operator approves,
// dismisses, or reopens it via the dashboard control surface.
const (
	TopicProposalApprovalRequested = "proposal.approval.requested"
	TopicProposalApprovalDecided   = "proposal.approval.decided"
)

// Notifier alert topic, published for any non-silent failure so the
// notifier can forward a digest to the task's notify channel (§7).
const (
	TopicPipelineAlert = "pipeline.alert"
)

// ProposalApprovalRequest is published when a proposal is created and is
// awaiting an operator decision.
type ProposalApprovalRequest struct {
	ProposalID int64
	RepoPath   string
	Title      string
}

// ProposalApprovalDecision is published when an operator approves, dismisses,
// or reopens a proposal.
type ProposalApprovalDecision struct {
	ProposalID int64
	Decision   string // "approved", "dismissed", "reopened"
}

// PipelineAlert is published for any user-visible failure (spec.md §7):
// a structured event plus a notification to the task's notify channel.
type PipelineAlert struct {
	TaskID   int64
	Severity string // "warning" or "error"
	Message  string
	// Channel is the originating task's notify channel (an opaque string,
	// spec.md:29), empty when the alert has no single owning task (e.g. a
	// per-tick digest). Notifiers route to Channel when set and fall back
	// to their default delivery otherwise.
	Channel string
}
