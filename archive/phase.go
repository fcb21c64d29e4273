package archive

import (
	"fmt"
	"slices"
)

// Phase is the current stage of the archiver.
type Phase string

const (
	Idle      Phase = "idle"
	Wipe      Phase = "wipe"
	Replay    Phase = "replay"
	Aggregate Phase = "aggregate"
	Live      Phase = "live"
)

// validTransitions defines allowed phase transitions. A crawl cycles
// Wipe, Replay, Aggregate per community and ends in Live, also on failure.
var validTransitions = map[Phase][]Phase{
	Idle:      {Wipe, Live},
	Wipe:      {Replay, Live},
	Replay:    {Aggregate, Live},
	Aggregate: {Wipe, Live},
	Live:      {Aggregate},
}

// PhaseChange is passed to phase listeners.
type PhaseChange struct {
	From Phase
	To   Phase
}

func checkTransition(from, to Phase) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}
