// Package api is the RPC surface consumed by the core (spec §6): five
// plain Go functions taking and returning typed structs, callable from
// tests or from a future transport layer. No wire format is implemented
// here.
package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/cortex/internal/learner"
)

// CreateBrainRequest carries the inputs for CreateBrain.
type CreateBrainRequest struct {
	Project string
	BrainID string // optional; generated if empty
	Spec    learner.BrainSpec
}

// CreateBrain validates spec and writes the brain record. Returns the
// brain id (caller-supplied or generated).
func CreateBrain(storage *learner.Storage, req CreateBrainRequest) (string, error) {
	brainID := req.BrainID
	if brainID == "" {
		brainID = uuid.NewString()
	}
	if err := storage.PutBrainSpec(req.Project, brainID, req.Spec); err != nil {
		return "", fmt.Errorf("api: create brain: %w", err)
	}
	return brainID, nil
}

// CreateSessionRequest carries the inputs for CreateSession.
type CreateSessionRequest struct {
	Project          string
	Brain            string
	Type             learner.SessionType
	StartingSnapshot string // optional; resolved to most-recent if empty
	UserAgent        string
}

// CreateSession resolves the starting snapshot, validates it against the
// session type, and writes a fresh session record.
func CreateSession(storage *learner.Storage, req CreateSessionRequest) (learner.Session, error) {
	snapshot := req.StartingSnapshot
	if snapshot == "" {
		resolved, ok, err := storage.MostRecentSnapshotForBrain(req.Project, req.Brain)
		if err != nil {
			return learner.Session{}, fmt.Errorf("api: create session: %w", err)
		}
		if ok {
			snapshot = resolved
		}
	}

	if req.Type == learner.SessionEvaluation && snapshot == "" {
		return learner.Session{}, fmt.Errorf("%w: evaluation session requires a resolvable starting snapshot", learner.ErrInvalidArgument)
	}
	if req.Type == learner.SessionInference && snapshot == "" {
		return learner.Session{}, fmt.Errorf("%w: inference session requires a resolvable starting snapshot", learner.ErrInvalidArgument)
	}
	if req.Type == learner.SessionEvaluation && snapshot != "" {
		snap, err := storage.GetSnapshot(req.Project, req.Brain, snapshot)
		if err != nil {
			return learner.Session{}, fmt.Errorf("api: create session: %w", err)
		}
		originSession, err := storage.GetSession(req.Project, req.Brain, snap.SessionID)
		if err != nil {
			return learner.Session{}, fmt.Errorf("api: create session: %w", err)
		}
		if originSession.Type != learner.SessionInteractiveTraining {
			return learner.Session{}, fmt.Errorf("%w: evaluation session's starting snapshot must originate from an interactive training session", learner.ErrInvalidArgument)
		}
	}

	sess := learner.Session{
		Project:   req.Project,
		Brain:     req.Brain,
		SessionID: uuid.NewString(),
		Type:      req.Type,
		UserAgent: req.UserAgent,
	}
	if snapshot != "" {
		sess.StartingSnapshots = []string{snapshot}
	}
	if err := storage.PutSession(sess); err != nil {
		return learner.Session{}, fmt.Errorf("api: create session: %w", err)
	}
	return sess, nil
}

// SubmitEpisodeChunks type-checks every chunk against the brain spec,
// writes each in order, and records online evaluations for terminal
// chunks of episodes that ran purely on a single model's inference.
func SubmitEpisodeChunks(storage *learner.Storage, project, brain, session string, chunks []learner.EpisodeChunk) error {
	spec, err := storage.GetBrainSpec(project, brain)
	if err != nil {
		return fmt.Errorf("api: submit episode chunks: %w", err)
	}

	for i, chunk := range chunks {
		if err := learner.ValidateChunk(chunk); err != nil {
			return fmt.Errorf("api: submit episode chunks: chunk %d: %w", i, err)
		}
		for j, step := range chunk.Steps {
			if err := spec.ValidateObservation(step.Observation); err != nil {
				return fmt.Errorf("api: submit episode chunks: chunk %d step %d: %w", i, j, err)
			}
			if err := spec.ValidateAction(step.Action); err != nil {
				return fmt.Errorf("api: submit episode chunks: chunk %d step %d: %w", i, j, err)
			}
		}
	}

	for i, chunk := range chunks {
		chunk.Project, chunk.Brain, chunk.Session = project, brain, session
		if err := storage.WriteEpisodeChunk(chunk); err != nil {
			return fmt.Errorf("api: submit episode chunks: chunk %d: %w", i, err)
		}
		if chunk.EpisodeState.Terminal() {
			if err := recordOnlineEvaluation(storage, project, brain, session, chunk); err != nil {
				return fmt.Errorf("api: submit episode chunks: chunk %d: %w", i, err)
			}
		}
	}
	return nil
}

// recordOnlineEvaluation scores a just-completed episode if, across its
// full chunk history, every step's source resolved to a single inference
// model (spec §6, §8: "online evaluation recorded for terminal chunks of
// pure-inference episodes").
func recordOnlineEvaluation(storage *learner.Storage, project, brain, session string, terminal learner.EpisodeChunk) error {
	history, err := storage.GetEpisodeChunksForEpisode(project, brain, session, terminal.EpisodeID)
	if err != nil {
		return err
	}

	mergedType := learner.StepsUnknown
	modelIDs := map[string]struct{}{}
	for _, c := range history {
		mergedType = mergedType.Join(c.StepsType)
		if c.StepsType != learner.StepsOnlyDemonstrations && c.ModelID != "" {
			modelIDs[c.ModelID] = struct{}{}
		}
	}

	if mergedType != learner.StepsOnlyInferences || len(modelIDs) != 1 {
		return nil
	}
	var modelID string
	for id := range modelIDs {
		modelID = id
	}

	score := episodeScore(terminal.EpisodeState)
	return storage.RecordOnlineEvaluation(project, brain, learner.OnlineEvaluation{
		ModelID:   modelID,
		EpisodeID: terminal.EpisodeID,
		Score:     score,
	})
}

func episodeScore(state learner.EpisodeState) float64 {
	if state == learner.EpisodeSuccess {
		return 1
	}
	return -1
}

// StopSessionRequest carries the inputs for StopSession. FinalModelID is
// the model selected for the session by the caller's model-selection
// policy (an injected decision, since this RPC's own scope is ending the
// session and resolving the returned snapshot, not running the
// selection draw).
type StopSessionRequest struct {
	Project      string
	Brain        string
	Session      string
	FinalModelID string
}

// StopSession ends a session and resolves the snapshot returned to the
// caller per the type-specific rules of spec §6.
func StopSession(storage *learner.Storage, req StopSessionRequest) (snapshotID string, err error) {
	sess, err := storage.GetSession(req.Project, req.Brain, req.Session)
	if err != nil {
		return "", fmt.Errorf("api: stop session: %w", err)
	}

	switch sess.Type {
	case learner.SessionInference:
		snapshotID, err = singleStartingSnapshot(sess)
	case learner.SessionInteractiveTraining:
		snapshotID, err = createOrUseExistingSnapshot(storage, sess, req.FinalModelID, false)
	case learner.SessionEvaluation:
		snapshotID, err = createOrUseExistingSnapshot(storage, sess, req.FinalModelID, true)
	default:
		err = fmt.Errorf("%w: unsupported session type %v", learner.ErrInvalidArgument, sess.Type)
	}
	if err != nil {
		return "", err
	}

	sess.EndedMicros = time.Now().UnixMicro()
	if err := storage.PutSession(sess); err != nil {
		return "", fmt.Errorf("api: stop session: %w", err)
	}
	return snapshotID, nil
}

func singleStartingSnapshot(sess learner.Session) (string, error) {
	if len(sess.StartingSnapshots) != 1 {
		return "", fmt.Errorf("%w: inference session %s requires exactly one starting snapshot, has %d", learner.ErrInvalidArgument, sess.SessionID, len(sess.StartingSnapshots))
	}
	return sess.StartingSnapshots[0], nil
}

// createOrUseExistingSnapshot implements the InteractiveTraining and
// Evaluation branches of the snapshot resolution rule: if a final model
// was selected, a fresh snapshot is created whose ancestors are the
// union of the starting snapshots and their own ancestors; otherwise the
// single starting snapshot is returned (required when
// expectStartingSnapshot is set, else the empty string).
func createOrUseExistingSnapshot(storage *learner.Storage, sess learner.Session, finalModelID string, expectStartingSnapshot bool) (string, error) {
	if finalModelID != "" {
		return createSnapshot(storage, sess, finalModelID)
	}
	if len(sess.StartingSnapshots) == 1 {
		return sess.StartingSnapshots[0], nil
	}
	if expectStartingSnapshot {
		return "", fmt.Errorf("%w: evaluation session %s requires exactly one starting snapshot, has %d", learner.ErrInvalidArgument, sess.SessionID, len(sess.StartingSnapshots))
	}
	return "", nil
}

func createSnapshot(storage *learner.Storage, sess learner.Session, modelID string) (string, error) {
	ancestors := make(map[string]struct{}, len(sess.StartingSnapshots))
	for _, parent := range sess.StartingSnapshots {
		ancestors[parent] = struct{}{}
		parentSnap, err := storage.GetSnapshot(sess.Project, sess.Brain, parent)
		if err != nil {
			return "", fmt.Errorf("api: create snapshot: %w", err)
		}
		for _, a := range parentSnap.AncestorSnapshots {
			ancestors[a] = struct{}{}
		}
	}
	parents := make([]string, 0, len(ancestors))
	for a := range ancestors {
		parents = append(parents, a)
	}

	snap := learner.Snapshot{
		SnapshotID: uuid.NewString(),
		SessionID:  sess.SessionID,
		ModelID:    modelID,
	}
	if err := storage.RecordSnapshot(sess.Project, sess.Brain, snap, parents); err != nil {
		return "", fmt.Errorf("api: create snapshot: %w", err)
	}
	return snap.SnapshotID, nil
}

// GetModelRequest carries the inputs for GetModel. Exactly one of
// ModelID or SnapshotID must be set.
type GetModelRequest struct {
	Project    string
	Brain      string
	ModelID    string
	SnapshotID string
}

// GetModel resolves a model (directly or via a snapshot) and returns its
// compressed contents.
func GetModel(storage *learner.Storage, req GetModelRequest, readZip func(path string) ([]byte, error)) (learner.Model, []byte, error) {
	if req.ModelID != "" && req.SnapshotID != "" {
		return learner.Model{}, nil, fmt.Errorf("%w: get model: specify model_id or snapshot_id, not both", learner.ErrInvalidArgument)
	}

	modelID := req.ModelID
	if modelID == "" {
		if req.SnapshotID == "" {
			return learner.Model{}, nil, fmt.Errorf("%w: get model: one of model_id or snapshot_id is required", learner.ErrInvalidArgument)
		}
		snap, err := storage.GetSnapshot(req.Project, req.Brain, req.SnapshotID)
		if err != nil {
			return learner.Model{}, nil, fmt.Errorf("api: get model: %w", err)
		}
		modelID = snap.ModelID
	}

	model, err := storage.GetModel(req.Project, req.Brain, modelID)
	if err != nil {
		return learner.Model{}, nil, fmt.Errorf("api: get model: %w", err)
	}
	contents, err := readZip(model.ZipPath)
	if err != nil {
		return learner.Model{}, nil, fmt.Errorf("api: get model: read zip: %w", err)
	}
	return model, contents, nil
}
