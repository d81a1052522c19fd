package learner

import "testing"

func TestModelManagerRegisterAndEvict(t *testing.T) {
	m := NewModelManager(UCBSelectionPolicy{})
	for i := 0; i < MaximumModelsToOnlineEval+1; i++ {
		m.RegisterModel(string(rune('a' + i)))
	}
	if len(m.models) != MaximumModelsToOnlineEval {
		t.Fatalf("got %d models, want %d", len(m.models), MaximumModelsToOnlineEval)
	}
}

func TestModelManagerShouldStop(t *testing.T) {
	m := NewModelManager(UCBSelectionPolicy{})
	m.RegisterModel("m1")
	m.RegisterModel("m2")
	if m.ShouldStop() {
		t.Fatalf("should not stop before any evals")
	}
	for i := 0; i < NumOnlineEvalsPerModel; i++ {
		m.RecordOnlineEvalResult("m1", true)
		m.RecordOnlineEvalResult("m2", false)
	}
	if !m.ShouldStop() {
		t.Fatalf("expected ShouldStop true once every model has enough evals")
	}
}

func TestUCBSelectionPolicyPrefersUnsampledModel(t *testing.T) {
	p := UCBSelectionPolicy{}
	candidates := []modelStats{
		{modelID: "sampled", successes: 5, failures: 5},
		{modelID: "unsampled"},
	}
	if got := p.SelectModel(candidates); got != "unsampled" {
		t.Fatalf("got %q, want unsampled (infinite UCB for zero samples)", got)
	}
}
