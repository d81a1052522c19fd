package learner

import (
	"encoding/json"
	"fmt"
	"math"
)

// HParams is the merged hyperparameter surface: brain defaults overlaid
// with learner defaults overlaid with assignment-id overrides (spec
// §4.4.1). Pointer fields distinguish "unset" from the zero value.
type HParams struct {
	BatchSize        int            `json:"batch_size"`
	LearningRate     float64        `json:"learning_rate"`
	PolicyType       string         `json:"policy_type"`
	NetworkConfig    map[string]any `json:"network_config,omitempty"`
	TrainingExamples int            `json:"training_examples"`

	Continuous           bool `json:"continuous"`
	SaveIntervalBatches  *int `json:"save_interval_batches"`
	MinTrainExamples     *int `json:"min_train_examples"`
	MaxTrainExamples     *int `json:"max_train_examples"`
	SynchronousExport    bool `json:"synchronous_export"`
	MinTrainBatches      *int `json:"min_train_batches"`
	MaxTrainBatches      *int `json:"max_train_batches"`

	// TrainingSteps is derived: ceil(TrainingExamples / BatchSize).
	TrainingSteps int `json:"training_steps"`
}

func intPtr(v int) *int { return &v }

// LearnerDefaults returns the fixed learner-side defaults named in §4.4.1.
func LearnerDefaults() HParams {
	return HParams{
		Continuous:          true,
		SaveIntervalBatches: intPtr(20000),
		SynchronousExport:   false,
	}
}

// brainSetsLearnerOwnedFields reports whether a purported "brain defaults"
// value has set any of the fields that belong exclusively to the fixed
// learner defaults — the only way brain/learner naming can overlap given
// HParams' fixed field set.
func brainSetsLearnerOwnedFields(b HParams) bool {
	var zero HParams
	return b.Continuous != zero.Continuous ||
		b.SaveIntervalBatches != nil ||
		b.MinTrainExamples != nil ||
		b.MaxTrainExamples != nil ||
		b.SynchronousExport != zero.SynchronousExport
}

// knownHParamKeys lists every JSON key HParams recognizes, used to reject
// unknown override keys.
func knownHParamKeys() map[string]struct{} {
	return map[string]struct{}{
		"batch_size": {}, "learning_rate": {}, "policy_type": {},
		"network_config": {}, "training_examples": {},
		"continuous": {}, "save_interval_batches": {},
		"min_train_examples": {}, "max_train_examples": {},
		"synchronous_export": {}, "min_train_batches": {},
		"max_train_batches": {}, "training_steps": {},
	}
}

// ResolveHParams merges brainDefaults with LearnerDefaults() and the
// overrides encoded in assignmentID ("default" means no overrides;
// otherwise a JSON object), recomputing derived fields. Overlap between
// brain and learner default key sets, malformed override JSON, and
// unknown override keys are all ErrHParam.
func ResolveHParams(assignmentID string, brainDefaults HParams) (HParams, error) {
	learnerDefaults := LearnerDefaults()

	if brainSetsLearnerOwnedFields(brainDefaults) {
		return HParams{}, fmt.Errorf("%w: brain defaults set a learner-owned field", ErrHParam)
	}

	merged := brainDefaults
	merged.Continuous = learnerDefaults.Continuous
	merged.SaveIntervalBatches = learnerDefaults.SaveIntervalBatches
	merged.MinTrainExamples = learnerDefaults.MinTrainExamples
	merged.MaxTrainExamples = learnerDefaults.MaxTrainExamples
	merged.SynchronousExport = learnerDefaults.SynchronousExport

	if assignmentID != "default" && assignmentID != "" {
		var overrides map[string]json.RawMessage
		if err := json.Unmarshal([]byte(assignmentID), &overrides); err != nil {
			return HParams{}, fmt.Errorf("%w: malformed assignment id: %v", ErrHParam, err)
		}
		known := knownHParamKeys()
		for k := range overrides {
			if _, ok := known[k]; !ok {
				return HParams{}, fmt.Errorf("%w: unknown hyperparameter %q", ErrHParam, k)
			}
		}
		mergedRaw, err := json.Marshal(merged)
		if err != nil {
			return HParams{}, fmt.Errorf("learner: hparams: %w", err)
		}
		var mergedMap map[string]json.RawMessage
		if err := json.Unmarshal(mergedRaw, &mergedMap); err != nil {
			return HParams{}, fmt.Errorf("learner: hparams: %w", err)
		}
		for k, v := range overrides {
			mergedMap[k] = v
		}
		combinedRaw, err := json.Marshal(mergedMap)
		if err != nil {
			return HParams{}, fmt.Errorf("learner: hparams: %w", err)
		}
		merged = HParams{}
		if err := json.Unmarshal(combinedRaw, &merged); err != nil {
			return HParams{}, fmt.Errorf("%w: %v", ErrHParam, err)
		}
	}

	if merged.BatchSize > 0 {
		merged.TrainingSteps = int(math.Ceil(float64(merged.TrainingExamples) / float64(merged.BatchSize)))
	}
	return merged, nil
}
