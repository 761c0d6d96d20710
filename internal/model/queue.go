package model

import "time"

// QueueStatus is the state of a classification queue entry.
type QueueStatus string

// Queue states. Resolved, ManualRequired and Skipped are terminal.
const (
	QueuePending        QueueStatus = "pending"
	QueueInProgress     QueueStatus = "in_progress"
	QueueResolved       QueueStatus = "resolved"
	QueueManualRequired QueueStatus = "manual_required"
	QueueSkipped        QueueStatus = "skipped"
)

// DefaultQueuePriority is assigned to entries created on a rule-engine miss.
const DefaultQueuePriority = 100

// Terminal reports whether no further automatic transitions may occur.
func (s QueueStatus) Terminal() bool {
	return s == QueueResolved || s == QueueManualRequired || s == QueueSkipped
}

// Valid reports whether s is a known state.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueuePending, QueueInProgress, QueueResolved, QueueManualRequired, QueueSkipped:
		return true
	}
	return false
}

var queueTransitions = map[QueueStatus][]QueueStatus{
	QueuePending:    {QueueInProgress},
	QueueInProgress: {QueuePending, QueueResolved, QueueManualRequired, QueueSkipped},
}

// CanTransition reports whether from -> to is an allowed automatic transition.
func CanTransition(from, to QueueStatus) bool {
	for _, next := range queueTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// QueueEntry tracks a transaction awaiting evidence-based resolution.
type QueueEntry struct {
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResolvedAt       *time.Time
	TransactionID    string
	Status           QueueStatus
	ClaimedBy        string
	ResolutionSource EvidenceSource
	Summary          string
	ID               int64
	Priority         int
	Attempts         int
}

// AttemptRecord logs one resolution stage run against a queue entry.
type AttemptRecord struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Stage       string
	Summary     string
	Error       string
	RawResponse string
	ID          int64
	QueueID     int64
	Success     bool
}
