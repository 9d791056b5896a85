package session

import "fmt"

// View is what the room screen should render.
type View int

const (
	// None means no room is active.
	None View = iota
	Loading
	// Ready means history has been applied. The live channel may still have failed.
	Ready
	// NotFound means the room does not exist or cannot be seen.
	NotFound
	// Failed means history could not be fetched. Re-entering the room retries.
	Failed
)

func (v View) String() string {
	switch v {
	case None:
		return "none"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("View(%d)", int(v))
}
