package flow

// Decision is a human approver's response to a pending approval request.
type Decision string

const (
	// DecisionApprove resumes the workflow at the node after the approval.
	DecisionApprove Decision = "approve"

	// DecisionReject routes to the rejection path when one was authored,
	// otherwise completes the workflow with outcome rejected.
	DecisionReject Decision = "reject"

	// DecisionEscalate routes to the escalation path when one was authored,
	// otherwise behaves like approve.
	DecisionEscalate Decision = "escalate"
)

// ApprovalDecision is the full response delivered to ResolveApproval.
type ApprovalDecision struct {
	// Decision is the approver's choice of action.
	Decision Decision

	// Option is the selected entry from the ApprovalSpec's options list.
	Option string

	// Reason is free-form context recorded in the ApprovalReceived event.
	Reason string
}
