package client

import (
	"fmt"
	"time"

	"github.com/zijiren233/livesession/av"
)

type State int32

const (
	Idle State = iota
	Handshaking
	Connecting
	Connected
	Publishing
	Playing
	Closing
	Closed
	// Error is final: nothing leaves it, Close included.
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Handshaking:
		return "handshaking"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Publishing:
		return "publishing"
	case Playing:
		return "playing"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// done reports whether the session is shutting down or gone.
func (s State) done() bool {
	return s == Closing || s == Closed || s == Error
}

type EventType uint8

const (
	EventConnecting EventType = iota + 1
	EventConnected
	EventPublishing
	EventPlaying
	EventDiscontinuity
	EventReconnecting
	EventClosed
	EventStatus
)

func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventPublishing:
		return "publishing"
	case EventPlaying:
		return "playing"
	case EventDiscontinuity:
		return "discontinuity"
	case EventReconnecting:
		return "reconnecting"
	case EventClosed:
		return "closed"
	case EventStatus:
		return "status"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is a status notification. Attempt and Delay are set for
// EventReconnecting, Kind for EventDiscontinuity, Reason for
// EventClosed. EventStatus carries an onStatus from the server in Code,
// with its description in Reason. Err carries the failure behind a
// reconnect or an error close.
type Event struct {
	Type    EventType
	Attempt int
	Delay   time.Duration
	Kind    av.Kind
	Code    string
	Reason  string
	Err     error
}
