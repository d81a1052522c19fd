package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/antigravity-dev/cortex/internal/learner"
)

// Activities holds the collaborators Temporal activities need: the
// storage façade, the model exporter/manager shared across assignments,
// the processor scratch config, and a brain constructor (in-process or
// dispatch.NewDockerBrain) invoked per assignment.
type Activities struct {
	Storage    *learner.Storage
	Exporter   *learner.ModelExporter
	ModelMgr   *learner.ModelManager
	Cfg        learner.ProcessorConfig
	Listeners  *learner.ErrorListeners
	BrainMaker func(learner.HParams) learner.Brain
}

// FetchAssignmentActivity claims the next pending assignment the monitor
// reports, from any project and brain it watches, waiting up to
// receiveSecs. Returns a nil Assignment, not an error, when the queue is
// empty within the deadline.
func (a *Activities) FetchAssignmentActivity(ctx context.Context, receiveSecs float64) (FetchedAssignment, error) {
	logger := activity.GetLogger(ctx)

	timeout := time.Duration(receiveSecs * float64(time.Second))
	assignment, err := a.Storage.ReceiveAssignment(timeout)
	if err != nil {
		return FetchedAssignment{}, fmt.Errorf("temporal: fetch assignment: %w", err)
	}
	if assignment == nil {
		logger.Debug("no assignment available within receive window")
		return FetchedAssignment{}, nil
	}
	logger.Info("claimed assignment", "project", assignment.Project, "brain", assignment.Brain, "session", assignment.Session, "assignment", assignment.AssignmentID)
	return FetchedAssignment{Assignment: assignment}, nil
}

// ProcessStepActivity runs one assignment's processor loop to Finished,
// heartbeating so Temporal's activity timeout doesn't fire mid-training
// (the loop can run far longer than a single activity's default
// StartToCloseTimeout would otherwise allow).
func (a *Activities) ProcessStepActivity(ctx context.Context, assignment learner.Assignment, brainDefaults learner.HParams) (ProcessOutcome, error) {
	logger := activity.GetLogger(ctx)

	hp, err := learner.ResolveHParams(assignment.AssignmentID, brainDefaults)
	if err != nil {
		return ProcessOutcome{Succeeded: false, ErrorMsg: err.Error()}, nil
	}

	brain := a.BrainMaker(hp)
	proc := learner.NewAssignmentProcessor(a.Storage, brain, assignment, hp, a.Cfg, a.Exporter, a.ModelMgr)
	proc.Start(ctx)
	defer proc.Stop()

	for {
		ev, err := proc.Next(ctx)
		if err != nil {
			return ProcessOutcome{Succeeded: false, ErrorMsg: err.Error()}, nil
		}
		activity.RecordHeartbeat(ctx, ev.Status)
		if ev.Status == learner.Finished {
			if msg, ok := ev.Metadata["error"]; ok {
				return ProcessOutcome{Succeeded: false, ErrorMsg: fmt.Sprintf("%v", msg)}, nil
			}
			logger.Info("assignment finished", "assignment", assignment.AssignmentID)
			return ProcessOutcome{Succeeded: true}, nil
		}
	}
}

// RecordAssignmentDoneActivity releases the assignment's lease and, on
// failure, routes the cause through HandleAssignmentError and the
// registered error listeners (mirroring Driver.fail).
func (a *Activities) RecordAssignmentDoneActivity(ctx context.Context, assignment learner.Assignment, outcome ProcessOutcome) error {
	logger := activity.GetLogger(ctx)

	if !outcome.Succeeded {
		cause := fmt.Errorf("%s", outcome.ErrorMsg)
		if err := a.Storage.HandleAssignmentError(assignment, cause); err != nil {
			logger.Error("failed to record assignment error", "error", err)
		}
		if a.Listeners != nil {
			a.Listeners.Notify(assignment.Project, assignment.Brain, assignment.Session, assignment.AssignmentID, cause)
		}
	}

	if err := a.Storage.ReleaseAssignment(assignment); err != nil {
		return fmt.Errorf("temporal: release assignment: %w", err)
	}
	return nil
}
