package live

import "fmt"

// State of a Channel.
//
//	Idle -> Connecting -> Joined -> Leaving -> Idle
//	Connecting -> Errored, Joined -> Errored
//	Leaving -> Connecting when reopened before the leave announcement is done
type State int

const (
	Idle State = iota
	Connecting
	Joined
	Leaving
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
