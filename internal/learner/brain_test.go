package learner

import "testing"

func TestInProcessBrainRecordAndTrain(t *testing.T) {
	hp := HParams{BatchSize: 4, TrainingExamples: 8, PolicyType: "feedforward"}
	hp.TrainingSteps = 2
	b := NewInProcessBrain(hp)

	for i := 0; i < 50; i++ {
		b.RecordStep(Observation{"x": float64(i)}, 1.0, PhaseInProgress, "ep-1", Action{"a": 0}, int64(i))
	}
	if b.NumTrainFrames()+b.NumEvalFrames() != 50 {
		t.Fatalf("expected 50 total frames, got %d+%d", b.NumTrainFrames(), b.NumEvalFrames())
	}
	if b.NumEvalFrames() == 0 {
		t.Fatalf("expected a non-zero eval split across 50 frames")
	}

	if err := b.Train(); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if b.TrainStepCounter() != 1 {
		t.Fatalf("got TrainStepCounter=%d, want 1", b.TrainStepCounter())
	}
	if b.GlobalStep() != 2 {
		t.Fatalf("got GlobalStep=%d, want 2 (TrainingSteps per Train call)", b.GlobalStep())
	}
}

func TestInProcessBrainComputeFullEvaluationWeightsAcrossVersions(t *testing.T) {
	b := NewInProcessBrain(HParams{BatchSize: 1, TrainingExamples: 1})
	for i := 0; i < 10; i++ {
		b.RecordStep(Observation{}, 1.0, PhaseInProgress, "ep-eval", Action{}, int64(i))
	}
	first, err := b.ComputeFullEvaluation()
	if err != nil || len(first) == 0 {
		t.Fatalf("ComputeFullEvaluation: %v, %v", first, err)
	}
	second, err := b.ComputeFullEvaluation()
	if err != nil || len(second) != len(first)+1 {
		t.Fatalf("expected one additional version, got %v, err=%v", second, err)
	}
}

func TestInProcessBrainSaveAndExportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewInProcessBrain(HParams{BatchSize: 1, TrainingExamples: 1, PolicyType: "ff"})
	if err := b.SaveCheckpoint(dir + "/ckpt"); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := b.ExportSavedModel(dir + "/saved"); err != nil {
		t.Fatalf("ExportSavedModel: %v", err)
	}
	if err := b.ConvertModelToTFLite(dir+"/saved", dir+"/tflite"); err != nil {
		t.Fatalf("ConvertModelToTFLite: %v", err)
	}
}

func TestInProcessBrainReinitializeAgentResetsState(t *testing.T) {
	b := NewInProcessBrain(HParams{BatchSize: 1, TrainingExamples: 1})
	b.RecordStep(Observation{}, 1.0, PhaseInProgress, "ep-1", Action{}, 0)
	if err := b.Train(); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if err := b.ReinitializeAgent(); err != nil {
		t.Fatalf("ReinitializeAgent: %v", err)
	}
	if b.GlobalStep() != 0 || b.TrainStepCounter() != 0 || b.NumTrainFrames() != 0 {
		t.Fatalf("expected reset state after reinitialize")
	}
}
