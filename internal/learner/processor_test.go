package learner

import (
	"context"
	"testing"
	"time"
)

func newTestProcessor(t *testing.T, hp HParams) (*AssignmentProcessor, *Storage) {
	t.Helper()
	s := newTestStorage(t)
	now := time.Now()
	sess := Session{Project: "p1", Brain: "b1", SessionID: "s1", CreatedMicros: now.UnixMicro(), LastDataReceivedMicros: now.UnixMicro()}
	if err := s.putSession(sess); err != nil {
		t.Fatalf("putSession: %v", err)
	}
	chunk := EpisodeChunk{
		Project: "p1", Brain: "b1", Session: "s1", EpisodeID: "ep1", ChunkID: 0,
		EpisodeState: EpisodeSuccess,
		Steps: []Step{
			{Source: SourceHumanDemonstration, Reward: 1, Observation: Observation{"x": 1}, Action: Action{"a": 0}},
		},
	}
	if err := s.WriteEpisodeChunk(chunk); err != nil {
		t.Fatalf("WriteEpisodeChunk: %v", err)
	}

	a := Assignment{Project: "p1", Brain: "b1", Session: "s1", AssignmentID: "default"}
	brain := NewInProcessBrain(hp)
	exporter := NewModelExporter(s)
	t.Cleanup(func() { exporter.Close() })
	cfg := DefaultProcessorConfig()
	cfg.ScratchRoot = t.TempDir()
	cfg.WaitForDataBrainSecs = 2
	cfg.FetchIntervalSecs = 0.01
	mm := NewModelManager(nil)
	p := NewAssignmentProcessor(s, brain, a, hp, cfg, exporter, mm)
	return p, s
}

func TestAssignmentProcessorRunsToFinished(t *testing.T) {
	hp := LearnerDefaults()
	hp.BatchSize = 1
	hp.TrainingExamples = 1
	hp.TrainingSteps = 1
	minBatches := 1
	hp.MinTrainBatches = &minBatches
	maxBatches := 1
	hp.MaxTrainBatches = &maxBatches
	hp.Continuous = false

	p, _ := newTestProcessor(t, hp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Start(ctx)

	sawWillFetch := false
	sawFinished := false
	for !sawFinished {
		ev, err := p.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		switch ev.Status {
		case WillFetchData:
			sawWillFetch = true
		case Finished:
			sawFinished = true
		}
	}
	if !sawWillFetch {
		t.Fatalf("expected at least one WillFetchData event")
	}
}

func TestPhaseForStepMarksOnlyEpisodeStartAndChunkEnd(t *testing.T) {
	// Multi-step chunk 0: only step 0 is the episode start; the interior
	// steps are in-progress regardless of the chunk's terminal state.
	if got := phaseForStep(EpisodeSuccess, true, false); got != PhaseStart {
		t.Fatalf("chunk 0 step 0: got %v, want PhaseStart", got)
	}
	if got := phaseForStep(EpisodeSuccess, false, false); got != PhaseInProgress {
		t.Fatalf("interior step: got %v, want PhaseInProgress", got)
	}
	if got := phaseForStep(EpisodeSuccess, false, true); got != PhaseSuccess {
		t.Fatalf("last step of success chunk: got %v, want PhaseSuccess", got)
	}
	if got := phaseForStep(EpisodeFailure, false, true); got != PhaseFailure {
		t.Fatalf("last step of failure chunk: got %v, want PhaseFailure", got)
	}
	if got := phaseForStep(EpisodeInProgress, false, true); got != PhaseInProgress {
		t.Fatalf("last step of non-terminal chunk: got %v, want PhaseInProgress", got)
	}
	// A later chunk's first step is not the episode start even though it
	// is the first step of its own chunk.
	if got := phaseForStep(EpisodeSuccess, false, false); got != PhaseInProgress {
		t.Fatalf("first step of a non-zero chunk: got %v, want PhaseInProgress", got)
	}
}

func TestFetchAssignsTerminalPhaseOnlyToChunkLastStep(t *testing.T) {
	hp := LearnerDefaults()
	p, s := newTestProcessor(t, hp)
	time.Sleep(time.Millisecond)

	chunk1 := EpisodeChunk{
		Project: "p1", Brain: "b1", Session: "s1", EpisodeID: "ep2", ChunkID: 0,
		EpisodeState: EpisodeInProgress,
		Steps: []Step{
			{Source: SourceBrainAction, Observation: Observation{"x": 1}, Action: Action{"a": 0}},
			{Source: SourceBrainAction, Observation: Observation{"x": 2}, Action: Action{"a": 0}},
			{Source: SourceBrainAction, Observation: Observation{"x": 3}, Action: Action{"a": 0}},
		},
	}
	if err := s.WriteEpisodeChunk(chunk1); err != nil {
		t.Fatalf("WriteEpisodeChunk: %v", err)
	}
	// GetEpisodeChunks orders by write timestamp; space the writes out so
	// the assertion below isn't at the mercy of clock resolution.
	time.Sleep(time.Millisecond)
	chunk2 := EpisodeChunk{
		Project: "p1", Brain: "b1", Session: "s1", EpisodeID: "ep2", ChunkID: 1,
		EpisodeState: EpisodeSuccess,
		Steps: []Step{
			{Source: SourceBrainAction, Observation: Observation{"x": 4}, Action: Action{"a": 0}},
			{Source: SourceBrainAction, Observation: Observation{"x": 5}, Action: Action{"a": 0}},
		},
	}
	if err := s.WriteEpisodeChunk(chunk2); err != nil {
		t.Fatalf("WriteEpisodeChunk: %v", err)
	}

	var phases []StepPhase
	rec := &recordingBrain{onRecord: func(phase StepPhase) { phases = append(phases, phase) }}
	p.brain = rec

	if _, err := p.fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// ep1's single-step chunk (from newTestProcessor) is fetched first. Each
	// episode gets its own PhaseStart at (chunk 0, step 0); only the last
	// step of ep2's chunk 0 (non-terminal) and chunk 1 (success) carry a
	// chunk-derived phase, every interior step is PhaseInProgress.
	want := []StepPhase{
		PhaseStart,
		PhaseStart, PhaseInProgress, PhaseInProgress,
		PhaseInProgress, PhaseSuccess,
	}
	if len(phases) != len(want) {
		t.Fatalf("got %d recorded phases %v, want %d %v", len(phases), phases, len(want), want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phase %d: got %v, want %v (full: %v)", i, phases[i], want[i], phases)
		}
	}
}

// recordingBrain wraps an InProcessBrain to capture each RecordStep call's
// phase without needing a public accessor on the real buffer.
type recordingBrain struct {
	*InProcessBrain
	onRecord func(phase StepPhase)
}

func (r *recordingBrain) RecordStep(obs Observation, reward float64, phase StepPhase, episodeID string, action Action, timestampMicros int64) {
	if r.InProcessBrain == nil {
		r.InProcessBrain = NewInProcessBrain(HParams{})
	}
	r.onRecord(phase)
	r.InProcessBrain.RecordStep(obs, reward, phase, episodeID, action, timestampMicros)
}

func TestAssignmentProcessorNextReturnsErrOnCanceledContext(t *testing.T) {
	hp := LearnerDefaults()
	hp.BatchSize = 1
	p, _ := newTestProcessor(t, hp)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Next(ctx); err == nil {
		t.Fatalf("expected an error from Next on an already-canceled context")
	}
}
