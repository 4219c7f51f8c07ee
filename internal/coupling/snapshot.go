package coupling

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable copy of a matrix taken before a reset.
type Snapshot struct {
	ID      string    `json:"id"`
	TakenAt time.Time `json:"taken_at"`
	Reason  string    `json:"reason"`
	Health  Health    `json:"health"`
	Matrix  *Matrix   `json:"matrix"`
}

func newSnapshot(m *Matrix, h Health, reason string) Snapshot {
	return Snapshot{
		ID:      uuid.NewString(),
		TakenAt: time.Now().UTC(),
		Reason:  reason,
		Health:  h,
		Matrix:  m.Clone(),
	}
}
