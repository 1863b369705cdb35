package tracker

// Event is sent in an announce request to tell the tracker about a change in the torrent.
// The values are the ones used by the UDP tracker protocol.
type Event int32

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

// String returns the value of the event parameter in HTTP tracker protocol. EventNone is sent as "empty".
func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return "empty"
	}
}
