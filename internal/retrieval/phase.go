package retrieval

// Phase is the lifecycle position of one digest's retrieval:
// Idle → Requested → TryingRepo* → Verified → Delivered, or
// Requested → TryingRepo* → Exhausted → Escalated.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequested
	PhaseTryingRepo
	PhaseVerified
	PhaseDelivered
	PhaseExhausted
	PhaseEscalated
)

var phaseNames = [...]string{
	PhaseIdle:       "idle",
	PhaseRequested:  "requested",
	PhaseTryingRepo: "trying_repo",
	PhaseVerified:   "verified",
	PhaseDelivered:  "delivered",
	PhaseExhausted:  "exhausted",
	PhaseEscalated:  "escalated",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}
