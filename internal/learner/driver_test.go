package learner

import (
	"context"
	"testing"
	"time"
)

type recordingListener struct {
	called bool
	cause  error
}

func (l *recordingListener) OnAssignmentError(project, brain, session, assignment string, cause error) {
	l.called = true
	l.cause = cause
}

func TestDriverRunManualSucceeds(t *testing.T) {
	s := newTestStorage(t)
	exporter := NewModelExporter(s)
	t.Cleanup(func() { exporter.Close() })
	mm := NewModelManager(nil)
	cfg := DefaultProcessorConfig()
	cfg.ScratchRoot = t.TempDir()
	cfg.WaitForDataBrainSecs = 1
	cfg.FetchIntervalSecs = 0.01

	listener := &recordingListener{}
	d := NewDriver(s, exporter, mm, cfg, NewErrorListeners(listener), func(hp HParams) Brain { return NewInProcessBrain(hp) })

	sess := Session{Project: "p1", Brain: "b1", SessionID: "manual1"}
	minBatches := 0
	maxBatches := 0
	brainDefaults := HParams{BatchSize: 1, TrainingExamples: 1, MinTrainBatches: &minBatches, MaxTrainBatches: &maxBatches}
	a := Assignment{Project: "p1", Brain: "b1", Session: "manual1", AssignmentID: "default"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.RunManual(ctx, sess, a, brainDefaults); err != nil {
		t.Fatalf("RunManual: %v", err)
	}
	if listener.called {
		t.Fatalf("did not expect the error listener to fire on success")
	}
}

func TestDriverRunOnceNoAssignmentReturnsFalse(t *testing.T) {
	s := newTestStorage(t)
	exporter := NewModelExporter(s)
	t.Cleanup(func() { exporter.Close() })
	mm := NewModelManager(nil)
	cfg := DefaultProcessorConfig()
	cfg.ScratchRoot = t.TempDir()
	d := NewDriver(s, exporter, mm, cfg, nil, func(hp HParams) Brain { return NewInProcessBrain(hp) })

	got, err := d.RunOnce(context.Background(), 50*time.Millisecond, LearnerDefaults())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got {
		t.Fatalf("expected no assignment to be available")
	}
}
