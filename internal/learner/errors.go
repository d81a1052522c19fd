package learner

import "errors"

// Error taxonomy (spec §7). Each is a sentinel wrapped with
// fmt.Errorf("%w: ...") at call sites.
var (
	ErrTyping             = errors.New("learner: typing error")
	ErrInvalidSpec        = errors.New("learner: invalid brain spec")
	ErrHParam             = errors.New("learner: hyperparameter error")
	ErrExceededMaxWorkTime = errors.New("learner: exceeded max assignment work time")
	ErrNoData             = errors.New("learner: no data within wait window")
	ErrMissingPredecessor = errors.New("learner: missing predecessor chunk")
	ErrInvalidArgument    = errors.New("learner: invalid argument")
)

// ErrInactiveExporter signals a programmer error (a save requested after
// the exporter has shut down); callers panic rather than surface it, to
// match the teacher's assertion style for invariant violations.
var ErrInactiveExporter = errors.New("learner: save requested on an inactive exporter")
