package room

import "sync"

// Subscriber is the minimal connection surface the router needs: a stable key
// for membership bookkeeping and a best-effort write. The WebSocket layer's
// Connection satisfies it.
type Subscriber interface {
	Key() string
	Send(data []byte) error
}

// Router is a thread-safe registry mapping rooms to their current
// subscribers. Authorization is the caller's responsibility; Join and Leave
// are pure membership bookkeeping.
type Router struct {
	mu      sync.RWMutex
	rooms   map[Room]map[string]Subscriber // room -> key -> subscriber
	members map[string]map[Room]struct{}   // key -> rooms joined
}

// NewRouter creates an empty Router ready for use.
func NewRouter() *Router {
	return &Router{
		rooms:   make(map[Room]map[string]Subscriber),
		members: make(map[string]map[Room]struct{}),
	}
}

// Join subscribes the connection to a room. Rejoining a room already joined
// is a no-op.
func (rt *Router) Join(sub Subscriber, room Room) {
	key := sub.Key()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	conns, ok := rt.rooms[room]
	if !ok {
		conns = make(map[string]Subscriber)
		rt.rooms[room] = conns
	}
	conns[key] = sub

	joined, ok := rt.members[key]
	if !ok {
		joined = make(map[Room]struct{})
		rt.members[key] = joined
	}
	joined[room] = struct{}{}
}

// Leave unsubscribes the connection from a room. Leaving a room that was
// never joined is a no-op, not an error.
func (rt *Router) Leave(sub Subscriber, room Room) {
	key := sub.Key()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.leaveLocked(key, room)
}

func (rt *Router) leaveLocked(key string, room Room) {
	if conns, ok := rt.rooms[room]; ok {
		delete(conns, key)
		if len(conns) == 0 {
			delete(rt.rooms, room)
		}
	}
	if joined, ok := rt.members[key]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(rt.members, key)
		}
	}
}

// DisconnectAll removes the connection from every room it belongs to. It is
// invoked once per connection teardown.
func (rt *Router) DisconnectAll(sub Subscriber) {
	key := sub.Key()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	for room := range rt.members[key] {
		if conns, ok := rt.rooms[room]; ok {
			delete(conns, key)
			if len(conns) == 0 {
				delete(rt.rooms, room)
			}
		}
	}
	delete(rt.members, key)
}

// Broadcast delivers data to every connection currently in the room, except
// the subscriber keyed by exclude (pass an empty string to deliver to all).
// Delivery is best-effort and fire-and-forget: write errors on individual
// connections are ignored — dead connections are cleaned up by the transport
// layer when their next read fails.
func (rt *Router) Broadcast(room Room, data []byte, exclude string) {
	rt.mu.RLock()
	conns := make([]Subscriber, 0, len(rt.rooms[room]))
	for key, sub := range rt.rooms[room] {
		if key == exclude {
			continue
		}
		conns = append(conns, sub)
	}
	rt.mu.RUnlock()

	for _, sub := range conns {
		_ = sub.Send(data)
	}
}

// InRoom reports whether the connection keyed by key is currently subscribed
// to the room.
func (rt *Router) InRoom(key string, room Room) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, ok := rt.rooms[room][key]
	return ok
}

// Count returns the number of subscribers currently in the room.
func (rt *Router) Count(room Room) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.rooms[room])
}
