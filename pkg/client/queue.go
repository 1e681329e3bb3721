package client

import (
	"time"
)

// outboundEntry is a single invocation held while the client is not
// connected. Entries are replayed in enqueue order on reconnect and a
// failed replay goes back to the front, never the back.
type outboundEntry struct {
	action     string
	frame      []byte
	enqueuedAt time.Time
	attempts   int
}

// outboundQueue is a strict FIFO queue. It is not safe for concurrent use;
// the client serializes access under its own lock.
type outboundQueue struct {
	entries []*outboundEntry
}

func (q *outboundQueue) pushBack(e *outboundEntry) {
	q.entries = append(q.entries, e)
}

func (q *outboundQueue) pushFront(e *outboundEntry) {
	q.entries = append([]*outboundEntry{e}, q.entries...)
}

func (q *outboundQueue) popFront() (*outboundEntry, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

func (q *outboundQueue) len() int {
	return len(q.entries)
}
