package store

// HasResponded reports whether a participant has submitted a decision.
func HasResponded(p Participant) bool {
	return p.Status == "approved" || p.Status == "changes_requested"
}

// AggregateStatus derives a review's stored status from its participants.
// It is the only way a review status may change outside of cancellation:
// no responses keeps the review pending, a partial set of responses moves
// it to in_progress, and a full set completes it.
func AggregateStatus(participants []Participant) string {
	if len(participants) == 0 {
		return "pending"
	}
	responded := 0
	for _, p := range participants {
		if HasResponded(p) {
			responded++
		}
	}
	switch responded {
	case 0:
		return "pending"
	case len(participants):
		return "completed"
	default:
		return "in_progress"
	}
}
