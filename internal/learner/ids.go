package learner

import "github.com/google/uuid"

// newID allocates a UUIDv4 model id (spec §4.4.6).
func newID() string {
	return uuid.NewString()
}
