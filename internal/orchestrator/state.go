package orchestrator

// SessionState is one node of the per-connection state machine.
type SessionState string

const (
	StateConnecting SessionState = "connecting"
	StateReady      SessionState = "ready"
	StateListening  SessionState = "listening"
	StateThinking   SessionState = "thinking"
	StateSpeaking   SessionState = "speaking"
	StateError      SessionState = "error"
)

var allowedTransitions = map[SessionState]map[SessionState]bool{
	StateConnecting: {StateReady: true, StateError: true},
	StateReady:      {StateListening: true, StateError: true},
	StateListening:  {StateThinking: true, StateSpeaking: true, StateError: true},
	StateThinking:   {StateSpeaking: true, StateListening: true, StateError: true},
	StateSpeaking:   {StateListening: true, StateError: true},
	StateError:      {StateConnecting: true},
}

// canTransition reports whether moving from `from` to `to` is a legal edge
// in the table above.
func canTransition(from, to SessionState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
