package utils

// rewindTolerance is how far, in milliseconds, timestamps may step back
// before they are treated as a restarted stream.
const rewindTolerance = 100

// Timestamp keeps received timestamps monotonic when the sender restarts
// its clock, as a peer does after a reconnect. Not safe for concurrent
// use.
type Timestamp struct {
	baseTimestamp uint32
	lastTimestamp uint32
}

// RecTimeStamp maps a received timestamp onto the continuous timeline.
func (t *Timestamp) RecTimeStamp(timestamp uint32) uint32 {
	if t.lastTimestamp > timestamp+rewindTolerance {
		t.baseTimestamp += t.lastTimestamp
		t.lastTimestamp = timestamp
	}
	if t.lastTimestamp < timestamp {
		t.lastTimestamp = timestamp
	}
	return t.baseTimestamp + timestamp
}
