package learner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
)

// Status is one tagged event the processor's internal state machine
// yields through Next (spec §4.4; Go has no native generators, so the
// python original's yielding generator is modeled as an explicit enum
// plus a channel-backed Next method).
type Status int

const (
	ProcessedStep Status = iota
	ProcessedStepNeedsRestart
	SavedModel
	WillFetchData
	Finished
)

// Event is one item of the processor's event stream.
type Event struct {
	Status   Status
	Metadata map[string]any
}

// ProcessorConfig holds the processor's tunable timeouts (spec §5).
type ProcessorConfig struct {
	MaxAssignmentWorkTimeSecs int64
	WaitForDataBrainSecs      int64
	FetchIntervalSecs         float64
	ScratchRoot               string
}

// DefaultProcessorConfig returns the defaults named throughout §4.4.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxAssignmentWorkTimeSecs: 3600,
		WaitForDataBrainSecs:      60,
		FetchIntervalSecs:         10,
		ScratchRoot:               "scratch",
	}
}

// AssignmentProcessor drives one acquired assignment's training to
// completion, restart, or failure.
type AssignmentProcessor struct {
	storage    *Storage
	brain      Brain
	assignment Assignment
	hparams    HParams
	cfg        ProcessorConfig
	exporter   *ModelExporter
	modelMgr   *ModelManager

	startTime time.Time
	events    chan Event
	cancel    context.CancelFunc

	lastEpisodeID    string
	lastChunkID      int
	restartRequested bool
	brainTrainSteps  int
	fetchedOnce      bool
	fetchLimiter     *rate.Limiter
}

// NewAssignmentProcessor constructs a processor for a single acquired
// assignment. Call Start to begin the background run that feeds Next.
func NewAssignmentProcessor(storage *Storage, brain Brain, a Assignment, hp HParams, cfg ProcessorConfig, exporter *ModelExporter, mm *ModelManager) *AssignmentProcessor {
	return &AssignmentProcessor{
		storage:      storage,
		brain:        brain,
		assignment:   a,
		hparams:      hp,
		cfg:          cfg,
		exporter:     exporter,
		modelMgr:     mm,
		events:       make(chan Event, 8),
		fetchLimiter: rate.NewLimiter(rate.Every(time.Duration(cfg.FetchIntervalSecs*float64(time.Second))), 1),
	}
}

// Start launches the processor's run loop in a background goroutine. The
// caller drains events via Next until a Finished event or an error.
func (p *AssignmentProcessor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.startTime = time.Now()
	go p.run(runCtx)
}

// Next blocks for the processor's next event, or returns ctx.Err() if
// canceled first, matching the Go-generator translation named in §9.
func (p *AssignmentProcessor) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-p.events:
		if !ok {
			return Event{Status: Finished}, nil
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Stop cancels the processor's context; cleanup runs via defer in run().
func (p *AssignmentProcessor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *AssignmentProcessor) scratchDirs() (checkpoints, tmpModels, summaries string) {
	base := filepath.Join(p.cfg.ScratchRoot, p.assignment.Project, p.assignment.Brain, p.assignment.Session, p.assignment.AssignmentID)
	return filepath.Join(base, "checkpoints"), filepath.Join(base, "tmp_models"), filepath.Join(base, "summaries")
}

func (p *AssignmentProcessor) run(ctx context.Context) {
	defer close(p.events)
	checkpoints, _, summaries := p.scratchDirs()
	defer os.RemoveAll(checkpoints)
	defer os.RemoveAll(summaries)

	state, err := p.storage.GetSessionState(p.assignment.Project, p.assignment.Brain, p.assignment.Session, time.Now())
	if err != nil {
		p.emit(Event{Status: Finished, Metadata: map[string]any{"error": err.Error()}})
		return
	}
	if state == SessionStale || state == SessionEnded {
		p.emit(Event{Status: Finished})
		return
	}

	for iteration := 0; ; iteration++ {
		if err := p.mainLoopIteration(ctx, iteration); err != nil {
			p.emit(Event{Status: Finished, Metadata: map[string]any{"error": err.Error()}})
			return
		}
		if !p.restartRequested {
			break
		}
		if err := p.brain.ReinitializeAgent(); err != nil {
			p.emit(Event{Status: Finished, Metadata: map[string]any{"error": err.Error()}})
			return
		}
		p.restartRequested = false
		if !p.hparams.Continuous {
			break
		}
	}
	p.emit(Event{Status: Finished})
}

// mainLoopIteration implements §4.4.3's numbered steps for a single
// MainLoop iteration.
func (p *AssignmentProcessor) mainLoopIteration(ctx context.Context, iteration int) error {
	savedThisIteration := false
	anyTraining := false

	for {
		if iteration > 0 && p.restartRequested {
			minBatches := p.hparams.MinTrainBatches
			if minBatches == nil || p.brain.TrainStepCounter() >= *minBatches {
				if !savedThisIteration && anyTraining {
					if err := p.saveAndEvaluate(); err != nil {
						return err
					}
					savedThisIteration = true
					p.emit(Event{Status: SavedModel})
				}
				p.emit(Event{Status: ProcessedStepNeedsRestart})
				return nil
			}
		}

		if time.Since(p.startTime) > time.Duration(p.cfg.MaxAssignmentWorkTimeSecs)*time.Second {
			return fmt.Errorf("%w", ErrExceededMaxWorkTime)
		}

		p.emit(Event{Status: WillFetchData})
		demoFrames, err := p.fetch(ctx)
		if err != nil {
			return err
		}
		if !p.hparams.Continuous && iteration > 0 && demoFrames > 0 {
			p.restartRequested = true
		}

		if p.brain.NumTrainFrames() == 0 {
			break
		}

		if err := p.brain.Train(); err != nil {
			return fmt.Errorf("learner: train: %w", err)
		}
		p.brainTrainSteps++
		anyTraining = true

		if p.hparams.SaveIntervalBatches != nil {
			batchCount := p.brainTrainSteps * p.hparams.TrainingSteps
			if *p.hparams.SaveIntervalBatches > 0 && batchCount%*p.hparams.SaveIntervalBatches == 0 {
				if err := p.saveAndEvaluate(); err != nil {
					return err
				}
				savedThisIteration = true
				p.emit(Event{Status: SavedModel})
			}
		}

		terminate, err := p.shouldTerminate()
		if err != nil {
			return err
		}
		if terminate {
			if !savedThisIteration && anyTraining {
				if err := p.saveAndEvaluate(); err != nil {
					return err
				}
				savedThisIteration = true
				p.emit(Event{Status: SavedModel})
			}
			break
		}
	}

	if anyTraining && !savedThisIteration {
		if err := p.saveAndEvaluate(); err != nil {
			return err
		}
		p.emit(Event{Status: SavedModel})
	}
	p.emit(Event{Status: ProcessedStep})
	return nil
}

// shouldTerminate implements §4.4.5's first-true-wins termination check.
func (p *AssignmentProcessor) shouldTerminate() (bool, error) {
	state, err := p.storage.GetSessionState(p.assignment.Project, p.assignment.Brain, p.assignment.Session, time.Now())
	if err != nil {
		return false, err
	}
	if state == SessionStale || state == SessionEnded {
		return true, nil
	}
	if p.hparams.MinTrainBatches != nil && p.brain.TrainStepCounter() >= *p.hparams.MinTrainBatches {
		if p.modelMgr != nil && p.modelMgr.ShouldStop() {
			return true, nil
		}
	}
	if p.hparams.MaxTrainBatches != nil && p.brain.GlobalStep() >= *p.hparams.MaxTrainBatches {
		return true, nil
	}
	return false, nil
}

// fetch pulls new chunks from the union of the session and its ancestor
// sessions, feeding steps into the brain in (chunk_id, step_index) order,
// and returns the count of demonstration-sourced frames seen this call
// (spec §4.4.4).
func (p *AssignmentProcessor) fetch(ctx context.Context) (int, error) {
	sessions, err := p.storage.GetAncestorSessionIds(p.assignment.Project, p.assignment.Brain, p.assignment.Session)
	if err != nil {
		return 0, fmt.Errorf("learner: fetch: %w", err)
	}

	if !p.fetchedOnce {
		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.WaitForDataBrainSecs)*time.Second)
		defer cancel()
		if err := p.fetchLimiter.Wait(waitCtx); err != nil {
			return 0, fmt.Errorf("%w", ErrNoData)
		}
	} else {
		_ = p.fetchLimiter.Wait(ctx)
	}
	p.fetchedOnce = true

	chunks, err := p.storage.GetEpisodeChunks(p.assignment.Project, p.assignment.Brain, sessions, 0)
	if err != nil {
		return 0, fmt.Errorf("learner: fetch: %w", err)
	}

	demoFrames := 0
	for _, c := range chunks {
		lastStep := len(c.Steps) - 1
		for i, step := range c.Steps {
			phase := phaseForStep(c.EpisodeState, c.ChunkID == 0 && i == 0, i == lastStep)
			p.brain.RecordStep(step.Observation, step.Reward, phase, c.EpisodeID, step.Action, step.TimestampMicros)
			if step.Source == SourceHumanDemonstration {
				demoFrames++
			}
		}
		p.lastEpisodeID = c.EpisodeID
		p.lastChunkID = c.ChunkID
	}
	return demoFrames, nil
}

// phaseForStep implements _step_generator's phase assignment: the start
// phase marks only the first step of the episode's first chunk, the
// chunk's terminal phase marks only the last step of each chunk, and
// every other step is in-progress.
func phaseForStep(episodeState EpisodeState, isEpisodeStart, isLastOfChunk bool) StepPhase {
	if isEpisodeStart {
		return PhaseStart
	}
	if !isLastOfChunk {
		return PhaseInProgress
	}
	switch episodeState {
	case EpisodeSuccess:
		return PhaseSuccess
	case EpisodeFailure:
		return PhaseFailure
	case EpisodeAborted:
		return PhaseAborted
	case EpisodeGaveUp:
		return PhaseGaveUp
	default:
		return PhaseInProgress
	}
}

// saveAndEvaluate implements the save/evaluate cycle of §4.4.6.
func (p *AssignmentProcessor) saveAndEvaluate() error {
	modelID := newID()
	checkpoints, tmpModels, _ := p.scratchDirs()
	ckptDir := filepath.Join(checkpoints, modelID)
	if err := p.brain.SaveCheckpoint(ckptDir); err != nil {
		return fmt.Errorf("learner: save checkpoint: %w", err)
	}

	scores, err := p.brain.ComputeFullEvaluation()
	if err != nil {
		return fmt.Errorf("learner: compute evaluation: %w", err)
	}

	req := ExportRequest{
		ModelID:               modelID,
		CheckpointDir:         ckptDir,
		PermanentDir:          filepath.Join(tmpModels, modelID),
		Assignment:            p.assignment,
		EpisodeID:             p.lastEpisodeID,
		ChunkID:               p.lastChunkID,
		TrainingExamplesDone:  p.brain.NumTrainFrames(),
		MaxTrainingExamples:   maxTrainExamplesOf(p.hparams),
		MostRecentDemoMicros:  time.Now().UnixMicro(),
		Scores:                scores,
		Brain:                 p.brain,
	}
	if p.hparams.SynchronousExport {
		return p.exporter.ExportSync(req)
	}
	return p.exporter.ExportAsync(req)
}

func maxTrainExamplesOf(hp HParams) int {
	if hp.MaxTrainExamples == nil {
		return 0
	}
	return *hp.MaxTrainExamples
}

func (p *AssignmentProcessor) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		// Caller fell behind; drop nothing silently lost by blocking instead.
		p.events <- ev
	}
}
