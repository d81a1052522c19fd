package learner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/antigravity-dev/cortex/internal/graph"
	"github.com/antigravity-dev/cortex/internal/monitor"
	"github.com/antigravity-dev/cortex/internal/store"
)

// Storage is the thin typed layer over the resource store the rest of the
// core uses (spec §4.3).
type Storage struct {
	rs      *store.ResourceStore
	dag     *graph.DAG
	mon     *monitor.AssignmentMonitor
	staleSeconds int64
}

// NewStorage wires a Storage façade over the given resource store,
// snapshot DAG, and assignment monitor.
func NewStorage(rs *store.ResourceStore, dag *graph.DAG, mon *monitor.AssignmentMonitor, staleSeconds int64) *Storage {
	if staleSeconds <= 0 {
		staleSeconds = 600
	}
	return &Storage{rs: rs, dag: dag, mon: mon, staleSeconds: staleSeconds}
}

func brainSpecRID(project, brain string) store.ResourceID {
	return store.ResourceID{Project: project, Brain: brain, Attribute: "spec"}
}

func sessionRID(project, brain, session string) store.ResourceID {
	return store.ResourceID{Project: project, Brain: brain, Session: session}
}

func assignmentRID(project, brain, session, assignment string) store.ResourceID {
	return store.ResourceID{Project: project, Brain: brain, Session: session, Assignment: assignment}
}

// GetBrainSpec reads and decodes the brain's schema record.
func (s *Storage) GetBrainSpec(project, brain string) (BrainSpec, error) {
	data, _, err := s.rs.Read(brainSpecRID(project, brain))
	if err != nil {
		return BrainSpec{}, fmt.Errorf("learner: get brain spec: %w", err)
	}
	var spec BrainSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return BrainSpec{}, fmt.Errorf("learner: get brain spec: %w", store.ErrCorrupt)
	}
	return spec, nil
}

// PutBrainSpec writes a validated brain schema.
func (s *Storage) PutBrainSpec(project, brain string, spec BrainSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("learner: put brain spec: %w", err)
	}
	_, err = s.rs.Write(brainSpecRID(project, brain), data, 0)
	return err
}

func (s *Storage) getSession(project, brain, session string) (Session, error) {
	data, _, err := s.rs.Read(sessionRID(project, brain, session))
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("learner: get session: %w", store.ErrCorrupt)
	}
	return sess, nil
}

func (s *Storage) putSession(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("learner: put session: %w", err)
	}
	_, err = s.rs.Write(sessionRID(sess.Project, sess.Brain, sess.SessionID), data, 0)
	return err
}

// GetSessionState derives the session's lifecycle state per spec §4.3.
func (s *Storage) GetSessionState(project, brain, session string, now time.Time) (SessionState, error) {
	sess, err := s.getSession(project, brain, session)
	if err != nil {
		return SessionNew, err
	}
	return sess.DeriveState(now, s.staleSeconds), nil
}

// GetAncestorSessionIds returns the transitive closure over
// starting_snapshots -> ancestor_snapshots, yielding every session whose
// chunks should also feed this assignment's training data.
func (s *Storage) GetAncestorSessionIds(project, brain, session string) ([]string, error) {
	sess, err := s.getSession(project, brain, session)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	sessionSet := map[string]struct{}{session: {}}
	for _, startSnap := range sess.StartingSnapshots {
		ancestors, err := s.dag.Ancestors(ctx, startSnap)
		if err != nil {
			return nil, fmt.Errorf("learner: get ancestor sessions: %w", err)
		}
		for _, snapID := range append(ancestors, startSnap) {
			sid, err := s.dag.SessionOf(ctx, snapID)
			if err != nil {
				continue
			}
			sessionSet[sid] = struct{}{}
		}
	}
	out := make([]string, 0, len(sessionSet))
	for sid := range sessionSet {
		out = append(out, sid)
	}
	return out, nil
}

// GetEpisodeChunks globs over sessions (brace-expanded) filtered by
// creation time, returned in (timestamp, rid) ascending order.
func (s *Storage) GetEpisodeChunks(project, brain string, sessions []string, minTimestampMicros int64) ([]EpisodeChunk, error) {
	if len(sessions) == 0 {
		return nil, nil
	}
	sessionGlob := sessions[0]
	if len(sessions) > 1 {
		joined := sessions[0]
		for _, sid := range sessions[1:] {
			joined += "," + sid
		}
		sessionGlob = "{" + joined + "}"
	}
	pattern := store.ResourceID{Project: project, Brain: brain, Session: sessionGlob, Episode: "*", Chunk: "*"}.Path()

	var chunks []EpisodeChunk
	pageToken := ""
	for {
		rids, next, err := s.rs.List(pattern, minTimestampMicros, pageToken, 256, false)
		if err != nil {
			return nil, fmt.Errorf("learner: get episode chunks: %w", err)
		}
		for _, rid := range rids {
			data, _, err := s.rs.ReadPath(rid)
			if err != nil {
				return nil, fmt.Errorf("learner: get episode chunks: %w", err)
			}
			var chunk EpisodeChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				return nil, fmt.Errorf("learner: get episode chunks: %w", store.ErrCorrupt)
			}
			chunks = append(chunks, chunk)
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	return chunks, nil
}

// GetEpisodeChunksForEpisode returns every chunk already written for one
// episode, in chunk_id ascending order, used to merge steps_type and model
// attribution across an episode's full chunk history.
func (s *Storage) GetEpisodeChunksForEpisode(project, brain, session, episode string) ([]EpisodeChunk, error) {
	pattern := store.ResourceID{Project: project, Brain: brain, Session: session, Episode: episode, Chunk: "*"}.Path()
	rids, _, err := s.rs.List(pattern, 0, "", 0, false)
	if err != nil {
		return nil, fmt.Errorf("learner: get episode chunks for episode: %w", err)
	}
	chunks := make([]EpisodeChunk, 0, len(rids))
	for _, rid := range rids {
		data, _, err := s.rs.ReadPath(rid)
		if err != nil {
			return nil, fmt.Errorf("learner: get episode chunks for episode: %w", err)
		}
		var chunk EpisodeChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, fmt.Errorf("learner: get episode chunks for episode: %w", store.ErrCorrupt)
		}
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkID < chunks[j].ChunkID })
	return chunks, nil
}

func (s *Storage) getAssignment(project, brain, session, assignment string) (Assignment, error) {
	data, _, err := s.rs.Read(assignmentRID(project, brain, session, assignment))
	if err != nil {
		return Assignment{}, err
	}
	var a Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return Assignment{}, fmt.Errorf("learner: get assignment: %w", store.ErrCorrupt)
	}
	return a, nil
}

func (s *Storage) putAssignment(a Assignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("learner: put assignment: %w", err)
	}
	_, err = s.rs.Write(assignmentRID(a.Project, a.Brain, a.Session, a.AssignmentID), data, 0)
	return err
}

// ReceiveAssignment blocks up to timeout on the pending-assignment queue,
// attempting AcquireAssignment for each candidate and retrying on
// acquisition failure until the deadline (spec §4.3).
func (s *Storage) ReceiveAssignment(timeout time.Duration) (*Assignment, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case rid := <-s.mon.PendingAssignments():
			if err := s.mon.AcquireAssignment(rid); err != nil {
				continue // another worker won the race; try the next candidate
			}
			project, brain, session, assignmentID, err := parseAssignmentRID(rid)
			if err != nil {
				_ = s.mon.ReleaseAssignment(rid)
				return nil, err
			}
			a, err := s.getAssignment(project, brain, session, assignmentID)
			if err != nil {
				_ = s.mon.ReleaseAssignment(rid)
				return nil, fmt.Errorf("learner: receive assignment: %w", err)
			}
			return &a, nil
		case <-time.After(remaining):
			return nil, nil
		}
	}
}

// parseAssignmentRID recovers (project, brain, session, assignment) from a
// resource id path of the form
// "projects/P/brains/B/sessions/S/assignments/A".
func parseAssignmentRID(rid string) (project, brain, session, assignment string, err error) {
	segments := splitPath(rid)
	if len(segments) != 8 || segments[0] != "projects" || segments[2] != "brains" ||
		segments[4] != "sessions" || segments[6] != "assignments" {
		return "", "", "", "", fmt.Errorf("learner: malformed assignment rid %q", rid)
	}
	return segments[1], segments[3], segments[5], segments[7], nil
}

func splitPath(p string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// RecordNewModel records a saved model. If the owning session has already
// Ended, this is a no-op that still returns a freshly generated id, so the
// training loop can finish gracefully without further writes.
func (s *Storage) RecordNewModel(a Assignment, episodeID string, chunkID int, trainingExamplesDone, maxTrainingExamples int, mostRecentDemoMicros int64, modelPath, zipPath string, modelID string) (string, error) {
	if modelID == "" {
		modelID = newID()
	}
	state, err := s.GetSessionState(a.Project, a.Brain, a.Session, time.Now())
	if err != nil {
		return "", fmt.Errorf("learner: record new model: %w", err)
	}
	if state == SessionEnded {
		return modelID, nil
	}
	model := Model{
		ModelID:              modelID,
		AssignmentID:         a.AssignmentID,
		EpisodeID:            episodeID,
		ChunkID:              chunkID,
		ModelPath:            modelPath,
		ZipPath:              zipPath,
		TrainingExamplesDone: trainingExamplesDone,
		MaxTrainingExamples:  maxTrainingExamples,
		MostRecentDemoMicros: mostRecentDemoMicros,
		CreatedMicros:        time.Now().UnixMicro(),
	}
	data, err := json.Marshal(model)
	if err != nil {
		return "", fmt.Errorf("learner: record new model: %w", err)
	}
	rid := store.ResourceID{Project: a.Project, Brain: a.Brain, Model: modelID}
	if _, err := s.rs.Write(rid, data, 0); err != nil {
		return "", fmt.Errorf("learner: record new model: %w", err)
	}
	return modelID, nil
}

// RecordEvaluations writes one OfflineEvaluation attribute record per
// (version_id, score) pair under the model.
func (s *Storage) RecordEvaluations(a Assignment, modelID string, scores []VersionScore) error {
	for _, vs := range scores {
		eval := OfflineEvaluation{ModelID: modelID, OfflineEvalID: vs.VersionID, Score: vs.Score}
		data, err := json.Marshal(eval)
		if err != nil {
			return fmt.Errorf("learner: record evaluations: %w", err)
		}
		rid := store.ResourceID{Project: a.Project, Brain: a.Brain, Model: modelID, Attribute: "eval_" + vs.VersionID}
		if _, err := s.rs.Write(rid, data, 0); err != nil {
			return fmt.Errorf("learner: record evaluations: %w", err)
		}
	}
	return nil
}

// HandleAssignmentError writes the error message onto both the assignment
// and its owning session's status, poisoning the session for future state
// checks.
func (s *Storage) HandleAssignmentError(a Assignment, cause error) error {
	a.Status = cause.Error()
	if err := s.putAssignment(a); err != nil {
		return fmt.Errorf("learner: handle assignment error: %w", err)
	}
	sess, err := s.getSession(a.Project, a.Brain, a.Session)
	if err != nil {
		return fmt.Errorf("learner: handle assignment error: %w", err)
	}
	sess.Status = cause.Error()
	return s.putSession(sess)
}

func chunkRID(c EpisodeChunk) store.ResourceID {
	return store.ResourceID{
		Project: c.Project, Brain: c.Brain, Session: c.Session,
		Episode: c.EpisodeID, Chunk: fmt.Sprintf("%d", c.ChunkID),
	}
}

// WriteEpisodeChunk derives the chunk's steps_type, enforces the dense
// chunk-numbering invariant (chunk k requires 0..k-1 already present), and
// writes the chunk. Chunks are append-only.
func (s *Storage) WriteEpisodeChunk(c EpisodeChunk) error {
	if c.ChunkID > 0 {
		prevRID := store.ResourceID{Project: c.Project, Brain: c.Brain, Session: c.Session, Episode: c.EpisodeID, Chunk: fmt.Sprintf("%d", c.ChunkID-1)}
		if _, _, err := s.rs.Read(prevRID); err != nil {
			return fmt.Errorf("learner: write episode chunk: %w", ErrMissingPredecessor)
		}
	}
	c.StepsType = DeriveStepsType(c.Steps)
	if c.CreatedMicros == 0 {
		c.CreatedMicros = time.Now().UnixMicro()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("learner: write episode chunk: %w", err)
	}
	_, err = s.rs.Write(chunkRID(c), data, 0)
	return err
}

// ReleaseAssignment releases the assignment's lease so another worker may
// claim it, used once a processor reaches Finished.
func (s *Storage) ReleaseAssignment(a Assignment) error {
	rid := assignmentRID(a.Project, a.Brain, a.Session, a.AssignmentID).Path()
	return s.mon.ReleaseAssignment(rid)
}

// CreateSessionAndAssignment writes fresh session and assignment records,
// used by manual-assignment mode (§4.7) to avoid mutating source data.
func (s *Storage) CreateSessionAndAssignment(sess Session, a Assignment) error {
	if sess.CreatedMicros == 0 {
		sess.CreatedMicros = time.Now().UnixMicro()
	}
	if err := s.putSession(sess); err != nil {
		return fmt.Errorf("learner: create session and assignment: %w", err)
	}
	if err := s.putAssignment(a); err != nil {
		return fmt.Errorf("learner: create session and assignment: %w", err)
	}
	return nil
}

// GetSession exposes getSession to callers outside the package (the RPC
// layer needs a session's type and starting_snapshots to resolve
// StopSession's snapshot rules).
func (s *Storage) GetSession(project, brain, session string) (Session, error) {
	return s.getSession(project, brain, session)
}

// PutSession exposes putSession to callers outside the package, used by
// CreateSession to write the fresh session record.
func (s *Storage) PutSession(sess Session) error {
	return s.putSession(sess)
}

func snapshotRID(project, brain, snapshotID string) store.ResourceID {
	return store.ResourceID{Project: project, Brain: brain, Snapshot: snapshotID}
}

// RecordSnapshot writes the snapshot's resource record and registers its
// ancestor edges in the DAG so GetAncestorSessionIds and future ancestor
// queries can see it.
func (s *Storage) RecordSnapshot(project, brain string, snap Snapshot, parentSnapshotIDs []string) error {
	if snap.CreatedMicros == 0 {
		snap.CreatedMicros = time.Now().UnixMicro()
	}
	snap.AncestorSnapshots = parentSnapshotIDs
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("learner: record snapshot: %w", err)
	}
	if _, err := s.rs.Write(snapshotRID(project, brain, snap.SnapshotID), data, 0); err != nil {
		return fmt.Errorf("learner: record snapshot: %w", err)
	}
	ctx := context.Background()
	if err := s.dag.AddSnapshot(ctx, snap.SnapshotID, snap.SessionID, snap.CreatedMicros); err != nil {
		return fmt.Errorf("learner: record snapshot: %w", err)
	}
	for _, parent := range parentSnapshotIDs {
		if err := s.dag.AddParent(ctx, snap.SnapshotID, parent); err != nil {
			return fmt.Errorf("learner: record snapshot: %w", err)
		}
	}
	return nil
}

// GetSnapshot reads and decodes a snapshot's resource record.
func (s *Storage) GetSnapshot(project, brain, snapshotID string) (Snapshot, error) {
	data, _, err := s.rs.Read(snapshotRID(project, brain, snapshotID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("learner: get snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("learner: get snapshot: %w", store.ErrCorrupt)
	}
	return snap, nil
}

// MostRecentSnapshotForBrain returns the id of the most recently created
// snapshot for the brain, or ok=false if the brain has none yet.
func (s *Storage) MostRecentSnapshotForBrain(project, brain string) (string, bool, error) {
	pattern := store.ResourceID{Project: project, Brain: brain, Snapshot: "*"}.Path()
	rid, ok, err := s.rs.MostRecent(pattern)
	if err != nil {
		return "", false, fmt.Errorf("learner: most recent snapshot: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	segments := splitPath(rid)
	return segments[len(segments)-1], true, nil
}

// GetModel reads and decodes a model's resource record.
func (s *Storage) GetModel(project, brain, modelID string) (Model, error) {
	rid := store.ResourceID{Project: project, Brain: brain, Model: modelID}
	data, _, err := s.rs.Read(rid)
	if err != nil {
		return Model{}, fmt.Errorf("learner: get model: %w", err)
	}
	var model Model
	if err := json.Unmarshal(data, &model); err != nil {
		return Model{}, fmt.Errorf("learner: get model: %w", store.ErrCorrupt)
	}
	return model, nil
}

func onlineEvalRID(project, brain, modelID, episodeID string) store.ResourceID {
	return store.ResourceID{Project: project, Brain: brain, Model: modelID, Attribute: "online_eval_" + episodeID}
}

// RecordOnlineEvaluation writes an OnlineEvaluation attribute record under
// the model it scores, one record per episode.
func (s *Storage) RecordOnlineEvaluation(project, brain string, eval OnlineEvaluation) error {
	data, err := json.Marshal(eval)
	if err != nil {
		return fmt.Errorf("learner: record online evaluation: %w", err)
	}
	rid := onlineEvalRID(project, brain, eval.ModelID, eval.EpisodeID)
	if _, err := s.rs.Write(rid, data, 0); err != nil {
		return fmt.Errorf("learner: record online evaluation: %w", err)
	}
	return nil
}

// GetOnlineEvaluation reads back a recorded online evaluation, used by
// tests and ModelManager-feeding callers that tally online eval results.
func (s *Storage) GetOnlineEvaluation(project, brain, modelID, episodeID string) (OnlineEvaluation, error) {
	data, _, err := s.rs.Read(onlineEvalRID(project, brain, modelID, episodeID))
	if err != nil {
		return OnlineEvaluation{}, fmt.Errorf("learner: get online evaluation: %w", err)
	}
	var eval OnlineEvaluation
	if err := json.Unmarshal(data, &eval); err != nil {
		return OnlineEvaluation{}, fmt.Errorf("learner: get online evaluation: %w", store.ErrCorrupt)
	}
	return eval, nil
}
