package temporal

import (
	"github.com/antigravity-dev/cortex/internal/learner"
)

// WorkflowRequest starts a ContinuousLearnerWorkflow, matching the outer
// restart loop of spec §4.4.2 but hosted as a Temporal workflow so
// restarts, retries, and visibility come from the orchestrator instead of
// an in-process loop. Project and Brain label the workflow's log lines;
// fetched assignments are not filtered by them.
type WorkflowRequest struct {
	Project       string         `json:"project"`
	Brain         string         `json:"brain"`
	ReceiveSecs   float64        `json:"receive_secs"`
	BrainDefaults learner.HParams `json:"brain_defaults"`
	MaxIterations int            `json:"max_iterations,omitempty"`
}

// FetchedAssignment is the serializable result of FetchAssignmentActivity.
type FetchedAssignment struct {
	Assignment *learner.Assignment `json:"assignment,omitempty"`
}

// ProcessOutcome is the serializable result of ProcessStepActivity.
type ProcessOutcome struct {
	Succeeded bool   `json:"succeeded"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}
