// Package session runs one inference round per audio chunk and keeps the
// state that carries between rounds.
package session

import (
	"github.com/zhiheng-yu/transcriptor/internal/speaker"
)

// State is everything a session carries from one round to the next
type State struct {
	Speaker    string
	Sentence   string    // last finalized sentence
	Transcript string    // text still in progress
	Buffer     []float32 // audio not yet finalized, at the engine sample rate
}

// NewState returns the state of a fresh session
func NewState() State {
	return State{Speaker: speaker.Guest}
}
