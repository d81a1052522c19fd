// Package learner implements the training-coordination core: hyperparameter
// resolution, the storage façade, the per-assignment processor state
// machine, the brain adapter contract, the model exporter, and the outer
// driver loop.
package learner

import "time"

// StepPhase classifies a single recorded step within an episode.
type StepPhase int

const (
	PhaseInProgress StepPhase = iota
	PhaseStart
	PhaseSuccess
	PhaseFailure
	PhaseAborted
	PhaseGaveUp
)

// StepSource names who produced a step's action.
type StepSource int

const (
	SourceNone StepSource = iota
	SourceHumanDemonstration
	SourceBrainAction
)

// EpisodeState is the terminal (or non-terminal) state of a chunk.
type EpisodeState int

const (
	EpisodeInProgress EpisodeState = iota
	EpisodeSuccess
	EpisodeFailure
	EpisodeAborted
	EpisodeGaveUp
	EpisodeUnspecified
)

func (s EpisodeState) Terminal() bool {
	return s != EpisodeInProgress && s != EpisodeUnspecified
}

// Observation and Action are opaque attribute bags type-checked against a
// BrainSpec; keys are observation/action node names.
type Observation map[string]float64
type Action map[string]float64

// Step is one (observation, action, reward) sample within a chunk.
type Step struct {
	Observation     Observation
	Action          Action
	Reward          float64
	Source          StepSource
	EpisodeID       string
	TimestampMicros int64
}

// EpisodeChunk is a contiguous, densely-numbered batch of steps.
type EpisodeChunk struct {
	Project       string
	Brain         string
	Session       string
	EpisodeID     string
	ChunkID       int
	Steps         []Step
	EpisodeState  EpisodeState
	StepsType     StepsType
	// ModelID names the model that produced this chunk's brain actions, set
	// by the SDK when steps_type is not OnlyDemonstrations; used to
	// attribute a completed inference episode's online evaluation score.
	ModelID       string
	CreatedMicros int64
}

// StepsType is the lattice Unknown < {OnlyDemonstrations, OnlyInferences} < Mixed.
type StepsType int

const (
	StepsUnknown StepsType = iota
	StepsOnlyDemonstrations
	StepsOnlyInferences
	StepsMixed
)

// Join merges two steps-type labels per the lattice in spec §8: seeing any
// Human step alongside any Brain step turns the merge into Mixed.
func (t StepsType) Join(other StepsType) StepsType {
	if t == StepsUnknown {
		return other
	}
	if other == StepsUnknown {
		return t
	}
	if t == other {
		return t
	}
	return StepsMixed
}

// stepsTypeOf classifies a single step by its source.
func stepsTypeOf(s StepSource) StepsType {
	switch s {
	case SourceHumanDemonstration:
		return StepsOnlyDemonstrations
	case SourceBrainAction:
		return StepsOnlyInferences
	default:
		return StepsUnknown
	}
}

// DeriveStepsType folds stepsTypeOf/Join across every step of a chunk.
func DeriveStepsType(steps []Step) StepsType {
	t := StepsUnknown
	for _, s := range steps {
		t = t.Join(stepsTypeOf(s.Source))
	}
	return t
}

// SessionType names what a session is for.
type SessionType int

const (
	SessionInteractiveTraining SessionType = iota
	SessionInference
	SessionEvaluation
)

// SessionState is the derived lifecycle state of a session (§4.3).
type SessionState int

const (
	SessionNew SessionState = iota
	SessionInProgress
	SessionStale
	SessionEnded
)

// Session is the persisted session record.
type Session struct {
	Project               string
	Brain                 string
	SessionID             string
	Type                  SessionType
	StartingSnapshots     []string
	UserAgent             string
	CreatedMicros         int64
	LastDataReceivedMicros     int64
	LastDemoDataReceivedMicros int64
	EndedMicros           int64
	Status                string
}

// DeriveState implements the GetSessionState rule of spec §4.3. A session
// whose Status holds an error (see Storage.HandleAssignmentError) is Ended.
func (s Session) DeriveState(now time.Time, staleSeconds int64) SessionState {
	if s.EndedMicros > 0 || s.Status != "" {
		return SessionEnded
	}
	nowMicros := now.UnixMicro()
	last := s.LastDataReceivedMicros
	if s.CreatedMicros > last {
		last = s.CreatedMicros
	}
	if staleSeconds > 0 && nowMicros-last > staleSeconds*1_000_000 {
		return SessionStale
	}
	if s.LastDataReceivedMicros > 0 {
		return SessionInProgress
	}
	return SessionNew
}

// Assignment is a training job keyed by its hyperparameter-encoding id.
type Assignment struct {
	Project      string
	Brain        string
	Session      string
	AssignmentID string
	Progress     AssignmentProgress
	Status       string
}

type AssignmentProgress struct {
	TrainingFraction       float64
	MostRecentDemoMicros int64
}

// Snapshot is an immutable pointer to a saved model plus its ancestor DAG.
type Snapshot struct {
	SnapshotID      string
	SessionID       string
	ModelID         string
	AncestorSnapshots []string
	CreatedMicros   int64
}

// Model is a saved policy produced during training.
type Model struct {
	ModelID                string
	AssignmentID           string
	EpisodeID              string
	ChunkID                int
	ModelPath              string
	ZipPath                string
	TrainingExamplesDone   int
	MaxTrainingExamples    int
	MostRecentDemoMicros   int64
	CreatedMicros          int64
}

// OfflineEvaluation is one (model, dataset version) → score sample.
type OfflineEvaluation struct {
	ModelID          string
	OfflineEvalID    string
	Score            float64
	FrameCount       int
}

// OnlineEvaluation is a per-episode score attributed to a model.
type OnlineEvaluation struct {
	ModelID   string
	EpisodeID string
	Score     float64 // +1 success, -1 failure
}

// VersionScore is one (version_id, score) pair returned from a full
// offline evaluation.
type VersionScore struct {
	VersionID string
	Score     float64
}
