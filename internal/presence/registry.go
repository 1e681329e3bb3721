// Package presence tracks which identities currently hold live
// connections. State is process-local and rebuilt empty on restart as
// clients reconnect; nothing here is ever persisted.
package presence

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const shardCount = 32

// identityState is the per-identity record: the set of live connection IDs
// and the moment the last one went away.
type identityState struct {
	connections map[string]struct{}
	lastSeenAt  time.Time
}

type shard struct {
	mu         sync.Mutex
	identities map[string]*identityState
}

// Registry derives online/offline transitions from connection lifecycle
// events. All operations on one identity are serialized by that identity's
// shard lock, so concurrent connects and disconnects for the same identity
// never race.
type Registry struct {
	shards [shardCount]*shard
	logger zerolog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty presence registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{
		logger: logger.With().Str("component", "PresenceRegistry").Logger(),
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{identities: make(map[string]*identityState)}
	}
	return r
}

func (r *Registry) shardFor(identityID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identityID))
	return r.shards[h.Sum32()%shardCount]
}

// MarkOnline records a connection for the identity. It returns true only
// when the identity transitioned from offline to online, i.e. this was the
// first live connection; callers use that to decide whether to broadcast a
// presence-online event.
func (r *Registry) MarkOnline(identityID, connectionID string) (wentOnline bool) {
	s := r.shardFor(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.identities[identityID]
	if !ok {
		state = &identityState{connections: make(map[string]struct{})}
		s.identities[identityID] = state
	}

	wentOnline = len(state.connections) == 0
	state.connections[connectionID] = struct{}{}

	r.logger.Debug().
		Str("identity", identityID).
		Str("connection", connectionID).
		Int("connections", len(state.connections)).
		Msg("Connection marked online.")
	return wentOnline
}

// MarkOffline removes a connection for the identity. It returns
// wentFullyOffline = true only when the removed connection was the last
// one; lastSeenAt is the disconnect time recorded in that case. Removing
// one of several connections (a multi-device partial disconnect) reports
// false and must not trigger a presence-offline broadcast.
func (r *Registry) MarkOffline(identityID, connectionID string) (wentFullyOffline bool, lastSeenAt time.Time) {
	s := r.shardFor(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.identities[identityID]
	if !ok {
		return false, time.Time{}
	}
	if _, ok := state.connections[connectionID]; !ok {
		return false, time.Time{}
	}

	delete(state.connections, connectionID)

	if len(state.connections) > 0 {
		r.logger.Debug().
			Str("identity", identityID).
			Str("connection", connectionID).
			Int("connections", len(state.connections)).
			Msg("Partial disconnect; identity still online.")
		return false, time.Time{}
	}

	state.lastSeenAt = r.now()
	r.logger.Debug().
		Str("identity", identityID).
		Time("last_seen", state.lastSeenAt).
		Msg("Identity went fully offline.")
	return true, state.lastSeenAt
}

// IsOnline reports whether the identity currently has at least one live
// connection.
func (r *Registry) IsOnline(identityID string) bool {
	s := r.shardFor(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.identities[identityID]
	return ok && len(state.connections) > 0
}

// LastSeen returns the recorded disconnect time of an identity that is
// currently offline. ok is false while the identity is online or was never
// seen by this process.
func (r *Registry) LastSeen(identityID string) (lastSeen time.Time, ok bool) {
	s := r.shardFor(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.identities[identityID]
	if !exists || len(state.connections) > 0 || state.lastSeenAt.IsZero() {
		return time.Time{}, false
	}
	return state.lastSeenAt, true
}

// ConnectionCount returns the number of live connections for the identity.
func (r *Registry) ConnectionCount(identityID string) int {
	s := r.shardFor(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.identities[identityID]
	if !ok {
		return 0
	}
	return len(state.connections)
}
