package learner

import (
	"math"
	"sync"
)

// MaximumModelsToOnlineEval caps how many distinct models from one
// assignment are ever put up for online evaluation (spec §9).
const MaximumModelsToOnlineEval = 8

// NumOnlineEvalsPerModel is how many online evaluation episodes a model
// accumulates before it becomes eligible to be retired from rotation.
const NumOnlineEvalsPerModel = 6

// UCBSamplingConfidence is the confidence bound scale used by the default
// selection policy's upper-confidence-bound draw.
const UCBSamplingConfidence = 0.97

// SelectionPolicy decides which of a set of candidate models to route
// the next online evaluation episode to. It is injectable so the UCB
// algorithm named in the design notes can be swapped for a fixed or
// round-robin policy in tests.
type SelectionPolicy interface {
	SelectModel(candidates []modelStats) string
}

type modelStats struct {
	modelID      string
	successes    int
	failures     int
	evalsRunning int
}

func (m modelStats) total() int { return m.successes + m.failures }

// UCBSelectionPolicy picks the candidate with the highest upper-confidence
// bound on its success rate, favoring models with few samples so every
// model gets tried.
type UCBSelectionPolicy struct{}

func (UCBSelectionPolicy) SelectModel(candidates []modelStats) string {
	if len(candidates) == 0 {
		return ""
	}
	totalSamples := 1
	for _, c := range candidates {
		totalSamples += c.total()
	}
	best := candidates[0]
	bestScore := ucbScore(best, totalSamples)
	for _, c := range candidates[1:] {
		score := ucbScore(c, totalSamples)
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best.modelID
}

func ucbScore(m modelStats, totalSamples int) float64 {
	n := m.total()
	if n == 0 {
		return math.Inf(1)
	}
	mean := float64(m.successes) / float64(n)
	bonus := UCBSamplingConfidence * math.Sqrt(2*math.Log(float64(totalSamples))/float64(n))
	return mean + bonus
}

// ModelManager tracks up to MaximumModelsToOnlineEval models produced by
// an assignment, tallies their online evaluation results, and decides
// whether training has accumulated enough online-eval signal to stop
// (spec §4.4.5, model-manager stop signal; §9 for the eval-count
// thresholds). Offline evaluation scores are not tallied here.
type ModelManager struct {
	mu       sync.Mutex
	policy   SelectionPolicy
	models   []modelStats
	byID     map[string]int
}

// NewModelManager constructs a manager with the given selection policy.
func NewModelManager(policy SelectionPolicy) *ModelManager {
	if policy == nil {
		policy = UCBSelectionPolicy{}
	}
	return &ModelManager{policy: policy, byID: make(map[string]int)}
}

// RegisterModel adds a newly saved model to rotation, evicting the
// lowest-total-eval-count model once MaximumModelsToOnlineEval is exceeded.
func (m *ModelManager) RegisterModel(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[modelID]; ok {
		return
	}
	m.models = append(m.models, modelStats{modelID: modelID})
	m.byID[modelID] = len(m.models) - 1

	if len(m.models) > MaximumModelsToOnlineEval {
		evictIdx := 0
		for i, ms := range m.models {
			if ms.total() < m.models[evictIdx].total() {
				evictIdx = i
			}
		}
		evicted := m.models[evictIdx].modelID
		m.models = append(m.models[:evictIdx], m.models[evictIdx+1:]...)
		delete(m.byID, evicted)
		m.reindex()
	}
}

func (m *ModelManager) reindex() {
	m.byID = make(map[string]int, len(m.models))
	for i, ms := range m.models {
		m.byID[ms.modelID] = i
	}
}

// NextModelForEval returns the model the next online evaluation episode
// should be routed to, per the configured SelectionPolicy.
func (m *ModelManager) NextModelForEval() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.SelectModel(m.models)
}

// RecordOnlineEvalResult folds one online evaluation's outcome into the
// named model's tally.
func (m *ModelManager) RecordOnlineEvalResult(modelID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[modelID]
	if !ok {
		return
	}
	if success {
		m.models[idx].successes++
	} else {
		m.models[idx].failures++
	}
}

// ShouldStop reports whether every registered model has accumulated at
// least NumOnlineEvalsPerModel online evaluations, the model-manager half
// of the termination rule in §4.4.5.
func (m *ModelManager) ShouldStop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.models) == 0 {
		return false
	}
	for _, ms := range m.models {
		if ms.total() < NumOnlineEvalsPerModel {
			return false
		}
	}
	return true
}
