package gateway

import (
	"hash/fnv"
	"sync"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const groupShardCount = 16

// groupShard owns an independent slice of the conversation-group space.
// Membership mutation for one conversation always lands on the same shard
// lock, which is the single-writer-per-key discipline the group state needs.
type groupShard struct {
	mu     sync.RWMutex
	groups map[string]map[string]*client
}

// groupRegistry is the many-to-many mapping of conversation ID to the
// connections currently subscribed to it. Groups are created lazily on
// first join and garbage-collected as soon as the last member leaves.
type groupRegistry struct {
	shards [groupShardCount]*groupShard
}

func newGroupRegistry() *groupRegistry {
	r := &groupRegistry{}
	for i := range r.shards {
		r.shards[i] = &groupShard{groups: make(map[string]map[string]*client)}
	}
	return r
}

func (r *groupRegistry) shardFor(conversationID string) *groupShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return r.shards[h.Sum32()%groupShardCount]
}

// add subscribes the connection to the conversation. It returns false when
// the connection was already a member, making joins idempotent.
func (r *groupRegistry) add(conversationID string, c *client) bool {
	s := r.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[conversationID]
	if !ok {
		members = make(map[string]*client)
		s.groups[conversationID] = members
	}
	if _, exists := members[c.id]; exists {
		return false
	}
	members[c.id] = c
	return true
}

// remove unsubscribes the connection. Empty groups are deleted. It returns
// false when the connection was not a member.
func (r *groupRegistry) remove(conversationID, connectionID string) bool {
	s := r.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[conversationID]
	if !ok {
		return false
	}
	if _, exists := members[connectionID]; !exists {
		return false
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(s.groups, conversationID)
	}
	return true
}

// members returns a snapshot of the group's current connections.
func (r *groupRegistry) members(conversationID string) []*client {
	s := r.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.groups[conversationID]
	out := make([]*client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// size returns the current member count of a group.
func (r *groupRegistry) size(conversationID string) int {
	s := r.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[conversationID])
}

// broadcast pushes the event to every member of the group, optionally
// skipping one connection (the sender of a typing indicator).
func (r *groupRegistry) broadcast(conversationID string, event realtime.ServerEvent, exceptConnectionID string) {
	for _, c := range r.members(conversationID) {
		if c.id == exceptConnectionID {
			continue
		}
		c.send(event)
	}
}
