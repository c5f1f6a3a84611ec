// Package presence tracks which users currently hold a live connection and
// classifies every user as online, recently-online, or offline. Disconnects
// do not flip state immediately: a per-user debounce timer absorbs rapid
// reconnects (tab refresh) so visible presence does not flap.
//
// All state is in-memory and lifecycle-scoped: construct one Registry per
// process, tear it down at shutdown. Acceptable loss on restart is presence
// state only, never message history.
package presence

import (
	"context"
	"log"
	"sync"
	"time"
)

// Status is the visible presence classification of a user.
type Status string

const (
	StatusOnline         Status = "online"
	StatusRecentlyOnline Status = "recently-online"
	StatusOffline        Status = "offline"
)

// LastSeenStore is the durable collaborator for last-seen timestamps.
// TouchLastSeen writes are throttled by the registry; LastSeen reads back a
// previously flushed timestamp (ok=false when the user has none).
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, userID int64) error
	LastSeen(ctx context.Context, userID int64) (time.Time, bool, error)
}

// Config holds presence tuning parameters.
type Config struct {
	OfflineDelay   time.Duration // debounce before a disconnect becomes visible
	ActivityWindow time.Duration // how recent activity must be for recently-online
	FlushInterval  time.Duration // min interval between durable last-seen writes per user
}

// DefaultConfig returns the production presence parameters: a 5 second
// offline debounce and a 30 second activity window / flush throttle.
func DefaultConfig() Config {
	return Config{
		OfflineDelay:   5 * time.Second,
		ActivityWindow: 30 * time.Second,
		FlushInterval:  30 * time.Second,
	}
}

// Registry is the in-memory presence tracker. The single mutex guards every
// map and the debounce timers; hold times are microseconds, so one lock is
// enough for the whole registry (see the per-user timer handling in expire,
// which re-checks registry state under the same lock that cancellation uses).
type Registry struct {
	cfg       Config
	store     LastSeenStore
	onOffline func(userID int64) // called after a debounce expires with the user still absent

	mu           sync.Mutex
	conns        map[int64]int         // userID -> live connection count
	lastActivity map[int64]time.Time   // userID -> most recent activity
	lastFlush    map[int64]time.Time   // userID -> last durable last-seen write
	pending      map[int64]*time.Timer // userID -> armed offline debounce timer
}

// NewRegistry creates a Registry. onOffline is invoked (outside the registry
// lock) whenever a user's offline debounce elapses with no reconnect; it may
// be nil.
func NewRegistry(cfg Config, store LastSeenStore, onOffline func(userID int64)) *Registry {
	return &Registry{
		cfg:          cfg,
		store:        store,
		onOffline:    onOffline,
		conns:        make(map[int64]int),
		lastActivity: make(map[int64]time.Time),
		lastFlush:    make(map[int64]time.Time),
		pending:      make(map[int64]*time.Timer),
	}
}

// MarkOnline records a live connection for the user and stamps activity.
// It cancels any pending offline transition. The return value reports whether
// the user actually transitioned from Offline to Online: a reconnect within
// the debounce window returns false so no status broadcast is emitted.
func (r *Registry) MarkOnline(userID int64) (cameOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Cancel-then-check under the same lock the debounce uses, so a timer
	// that fires concurrently sees the pending entry gone and stands down.
	reconnected := false
	if timer, ok := r.pending[userID]; ok {
		timer.Stop()
		delete(r.pending, userID)
		reconnected = true
	}

	wasConnected := r.conns[userID] > 0
	r.conns[userID]++
	r.lastActivity[userID] = time.Now()

	return !wasConnected && !reconnected
}

// MarkOffline records the loss of one live connection. When the last
// connection is gone the user enters PendingOffline and a debounce timer is
// armed; the visible offline transition happens only if the timer expires
// with the user still absent.
func (r *Registry) MarkOffline(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[userID] > 0 {
		r.conns[userID]--
	}
	if r.conns[userID] > 0 {
		return
	}
	delete(r.conns, userID)

	// Re-arm rather than stack timers if a previous one is still pending.
	if timer, ok := r.pending[userID]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.cfg.OfflineDelay, func() {
		r.expire(userID, timer)
	})
	r.pending[userID] = timer
}

// expire completes the PendingOffline -> Offline transition. It re-checks
// registry state under the lock: a reconnect that raced the timer wins.
func (r *Registry) expire(userID int64, timer *time.Timer) {
	r.mu.Lock()
	if r.pending[userID] != timer || r.conns[userID] > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.pending, userID)
	r.mu.Unlock()

	if r.onOffline != nil {
		r.onOffline(userID)
	}
}

// TouchActivity stamps the user's last-activity time. Durable last-seen
// writes are throttled to at most one per FlushInterval per user, no matter
// how frequently activity events arrive. Store failures are logged and never
// propagate; presence operations cannot fail.
func (r *Registry) TouchActivity(ctx context.Context, userID int64) {
	now := time.Now()

	r.mu.Lock()
	r.lastActivity[userID] = now
	flush := now.Sub(r.lastFlush[userID]) >= r.cfg.FlushInterval
	if flush {
		r.lastFlush[userID] = now
	}
	r.mu.Unlock()

	if flush && r.store != nil {
		if err := r.store.TouchLastSeen(ctx, userID); err != nil {
			log.Printf("[presence] last-seen flush failed user=%d: %v", userID, err)
		}
	}
}

// IsOnline reports whether the user currently holds at least one live
// connection. A user in PendingOffline is no longer online for delivery
// purposes (the message pipeline uses this for push decisions).
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[userID] > 0
}

// Online returns the number of users with at least one live connection.
func (r *Registry) Online() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.conns {
		if c > 0 {
			n++
		}
	}
	return n
}

// Status classifies the user from current time, live-connection membership,
// and the last-seen timestamp. Unknown users are offline.
func (r *Registry) Status(ctx context.Context, userID int64) Status {
	now := time.Now()

	r.mu.Lock()
	online := r.conns[userID] > 0
	activity, hasActivity := r.lastActivity[userID]
	r.mu.Unlock()

	if online {
		return StatusOnline
	}
	if hasActivity && now.Sub(activity) <= r.cfg.ActivityWindow {
		return StatusRecentlyOnline
	}
	if r.store != nil {
		seen, ok, err := r.store.LastSeen(ctx, userID)
		if err != nil {
			log.Printf("[presence] last-seen read failed user=%d: %v", userID, err)
		} else if ok && now.Sub(seen) <= r.cfg.ActivityWindow {
			return StatusRecentlyOnline
		}
	}
	return StatusOffline
}

// Shutdown stops every pending debounce timer. No offline callbacks fire
// after it returns.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, timer := range r.pending {
		timer.Stop()
		delete(r.pending, userID)
	}
}
