package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// ContinuousLearnerWorkflow is the outer assignment loop (spec §4.4.2,
// §4.7) hosted as a Temporal workflow: fetch one assignment, process it
// to completion, record the outcome, repeat for as long as the queue
// keeps handing out work (or until MaxIterations, when set, is reached —
// used by tests and manual single-shot invocations).
func ContinuousLearnerWorkflow(ctx workflow.Context, req WorkflowRequest) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("continuous learner workflow starting", "project", req.Project, "brain", req.Brain)

	var a *Activities

	fetchOpts := workflow.ActivityOptions{
		StartToCloseTimeout: time.Duration(req.ReceiveSecs*float64(time.Second)) + 30*time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
		},
	}
	processOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	recordOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    5,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
		},
	}

	for iteration := 0; req.MaxIterations <= 0 || iteration < req.MaxIterations; iteration++ {
		fetchCtx := workflow.WithActivityOptions(ctx, fetchOpts)
		var fetched FetchedAssignment
		if err := workflow.ExecuteActivity(fetchCtx, a.FetchAssignmentActivity, req.ReceiveSecs).Get(ctx, &fetched); err != nil {
			logger.Error("fetch assignment activity failed", "error", err)
			return err
		}
		if fetched.Assignment == nil {
			if err := workflow.Sleep(ctx, time.Duration(req.ReceiveSecs*float64(time.Second))); err != nil {
				return err
			}
			continue
		}

		processCtx := workflow.WithActivityOptions(ctx, processOpts)
		var outcome ProcessOutcome
		if err := workflow.ExecuteActivity(processCtx, a.ProcessStepActivity, *fetched.Assignment, req.BrainDefaults).Get(ctx, &outcome); err != nil {
			logger.Error("process step activity failed", "error", err)
			outcome = ProcessOutcome{Succeeded: false, ErrorMsg: err.Error()}
		}

		recordCtx := workflow.WithActivityOptions(ctx, recordOpts)
		if err := workflow.ExecuteActivity(recordCtx, a.RecordAssignmentDoneActivity, *fetched.Assignment, outcome).Get(ctx, nil); err != nil {
			logger.Error("record assignment done activity failed", "error", err)
			return err
		}

		if !outcome.Succeeded {
			logger.Warn("assignment finished with error", "assignment", fetched.Assignment.AssignmentID, "error", outcome.ErrorMsg)
		}
	}

	logger.Info("continuous learner workflow exiting", "project", req.Project, "brain", req.Brain)
	return nil
}
