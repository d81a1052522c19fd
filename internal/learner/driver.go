package learner

import (
	"context"
	"fmt"
	"time"

	"github.com/antigravity-dev/cortex/internal/health"
)

// Driver runs the outer assignment loop: pull one assignment, process it
// to completion, record the outcome, repeat (spec §4.7).
type Driver struct {
	storage    *Storage
	exporter   *ModelExporter
	modelMgr   *ModelManager
	cfg        ProcessorConfig
	listeners  *ErrorListeners
	brainMaker func(HParams) Brain

	// Metrics is nil by default; callers that construct a health.Metrics
	// set it after NewDriver to start recording assignment outcomes.
	Metrics *health.Metrics
}

// NewDriver wires a driver over storage, using brainMaker to construct a
// fresh Brain for each assignment (InProcessBrain in-process, or
// dispatch.NewDockerBrain for containerized trainers).
func NewDriver(storage *Storage, exporter *ModelExporter, modelMgr *ModelManager, cfg ProcessorConfig, listeners *ErrorListeners, brainMaker func(HParams) Brain) *Driver {
	if listeners == nil {
		listeners = NewErrorListeners()
	}
	return &Driver{storage: storage, exporter: exporter, modelMgr: modelMgr, cfg: cfg, listeners: listeners, brainMaker: brainMaker}
}

// RunOnce waits up to receiveTimeout for one assignment, processes it to
// Finished, and releases its lease, returning (false, nil) if nothing was
// available within receiveTimeout.
func (d *Driver) RunOnce(ctx context.Context, receiveTimeout time.Duration, brainDefaults HParams) (bool, error) {
	a, err := d.storage.ReceiveAssignment(receiveTimeout)
	if err != nil {
		return false, fmt.Errorf("learner: driver: %w", err)
	}
	if a == nil {
		return false, nil
	}
	return true, d.process(ctx, *a, brainDefaults)
}

// RunManual processes a single assignment outside the queue (manual
// mode, §4.7): the session and assignment are created fresh, with the
// session's EndedMicros cleared and, when unset, LastDataReceivedMicros
// set to now. The session's state is still derived normally afterwards
// (Session.DeriveState), so it reads Stale once staleSeconds pass without
// new data.
func (d *Driver) RunManual(ctx context.Context, sess Session, a Assignment, brainDefaults HParams) error {
	sess.EndedMicros = 0
	if sess.LastDataReceivedMicros == 0 {
		sess.LastDataReceivedMicros = time.Now().UnixMicro()
	}
	if err := d.storage.CreateSessionAndAssignment(sess, a); err != nil {
		return fmt.Errorf("learner: driver: manual: %w", err)
	}
	return d.process(ctx, a, brainDefaults)
}

func (d *Driver) process(ctx context.Context, a Assignment, brainDefaults HParams) error {
	hp, err := ResolveHParams(a.AssignmentID, brainDefaults)
	if err != nil {
		return d.fail(a, err)
	}

	brain := d.brainMaker(hp)
	proc := NewAssignmentProcessor(d.storage, brain, a, hp, d.cfg, d.exporter, d.modelMgr)
	proc.Start(ctx)

	for {
		ev, err := proc.Next(ctx)
		if err != nil {
			return d.fail(a, err)
		}
		if ev.Status == Finished {
			if msg, ok := ev.Metadata["error"]; ok {
				return d.fail(a, fmt.Errorf("%v", msg))
			}
			break
		}
	}
	if err := d.storage.ReleaseAssignment(a); err != nil {
		return fmt.Errorf("learner: driver: release assignment: %w", err)
	}
	d.Metrics.AssignmentProcessed(ctx, a.Project, a.Brain)
	return nil
}

func (d *Driver) fail(a Assignment, cause error) error {
	if err := d.storage.HandleAssignmentError(a, cause); err != nil {
		return fmt.Errorf("learner: driver: %w", err)
	}
	d.listeners.Notify(a.Project, a.Brain, a.Session, a.AssignmentID, cause)
	if err := d.storage.ReleaseAssignment(a); err != nil {
		return fmt.Errorf("learner: driver: release assignment: %w", err)
	}
	d.Metrics.AssignmentFailed(context.Background(), a.Project, a.Brain)
	return cause
}
