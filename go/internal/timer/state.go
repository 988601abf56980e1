package timer

import "github.com/mcdev12/quizclock/go/internal/models"

// Phase is the state machine position of a timer.
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseRunning
	PhaseZero
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseRunning:
		return "running"
	case PhaseZero:
		return "zero"
	default:
		return "unknown"
	}
}

// State is a copy of a controller's local view.
type State struct {
	OwnerID     string `json:"ownerId"`
	CurrentTime int    `json:"currentTime"`
	DefaultTime int    `json:"defaultTime"`
	IsRunning   bool   `json:"isRunning"`
	// Ticking reports whether this viewer holds a live tick source.
	Ticking bool `json:"ticking"`
}

// Phase derives the state machine position.
func (s State) Phase() Phase {
	switch {
	case s.CurrentTime == 0:
		return PhaseZero
	case s.IsRunning:
		return PhaseRunning
	default:
		return PhaseStopped
	}
}

// Doc returns the persisted fields.
func (s State) Doc() models.TimerDoc {
	return models.TimerDoc{
		CurrentTime: s.CurrentTime,
		DefaultTime: s.DefaultTime,
		IsRunning:   s.IsRunning,
	}
}

// Snapshot is a timer document observed in the remote store. Revision 0
// means unknown and is always applied.
type Snapshot struct {
	models.TimerDoc
	Revision uint64
}
