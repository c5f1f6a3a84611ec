// Package signals tracks transient per-user typing and recording indicators.
// A user has at most one active typing target and one active recording target
// at a time; starting a signal for a new conversation silently supersedes the
// previous one (last-writer-wins). All state is in-memory and is rebuilt
// empty after a restart.
package signals

import "sync"

// Kind discriminates the two signal families.
type Kind int

const (
	Typing Kind = iota
	Recording
)

// String renders the kind for log lines.
func (k Kind) String() string {
	if k == Recording {
		return "recording"
	}
	return "typing"
}

type key struct {
	user int64
	kind Kind
}

// Tracker is a thread-safe map of active interaction signals.
type Tracker struct {
	mu     sync.Mutex
	active map[key]int64 // (user, kind) -> conversation id
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[key]int64)}
}

// Start records an active signal for the user, replacing any prior target of
// the same kind. It returns the previous conversation id and true when the
// start superseded a signal aimed at a different conversation, so the caller
// can announce a stop for the old target.
func (t *Tracker) Start(user int64, kind Kind, conversation int64) (prev int64, switched bool) {
	k := key{user: user, kind: kind}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, had := t.active[k]
	t.active[k] = conversation
	if had && prev != conversation {
		return prev, true
	}
	return 0, false
}

// Stop clears the user's signal of the given kind if it targets the given
// conversation. It returns true when a signal was actually cleared; a stop
// for a conversation that is not the active target is a no-op.
func (t *Tracker) Stop(user int64, kind Kind, conversation int64) bool {
	k := key{user: user, kind: kind}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.active[k]; ok && cur == conversation {
		delete(t.active, k)
		return true
	}
	return false
}

// Active returns the conversation the user's signal of the given kind
// currently targets, if any.
func (t *Tracker) Active(user int64, kind Kind) (conversation int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conversation, ok = t.active[key{user: user, kind: kind}]
	return conversation, ok
}

// ClearAll silently removes both of the user's signals. Called on disconnect;
// peers infer absence from presence events, so no broadcast accompanies it.
func (t *Tracker) ClearAll(user int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, key{user: user, kind: Typing})
	delete(t.active, key{user: user, kind: Recording})
}
