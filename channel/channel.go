// Package channel implements the client-side request/reply multiplexer: a
// pool of Channels identified by small integer ids, each with a bounded
// reply mailbox, correlated by the id the server echoes back in its
// RpcReplyMessage.
package channel

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoIdleChannel is returned by AcquireIdle when every channel in the pool
// is already in use.
var ErrNoIdleChannel = errors.New("channel: no idle channel available")

// ErrUnknownChannel is the hard protocol-violation error raised when a reply
// arrives tagged with an id the manager does not recognize.
var ErrUnknownChannel = errors.New("channel: reply references unknown channel id")

// Channel is one slot in the multiplexer: an id, a one-deep reply mailbox,
// and an in-use flag. Invariant: at most one outstanding request per
// channel.
type Channel struct {
	ID     int
	inUse  bool
	replyC chan []byte
}

func newChannel(id int) *Channel {
	return &Channel{ID: id, replyC: make(chan []byte, 1)}
}

// Manager is the ordered collection of Channels. Its count doubles as the
// session's reference count: the caller tears the socket down when it drops
// to zero (see the session package).
type Manager struct {
	mu       sync.Mutex
	channels []*Channel
	byID     map[int]*Channel
	nextID   int
}

// NewManager creates an empty channel pool.
func NewManager() *Manager {
	return &Manager{byID: make(map[int]*Channel)}
}

// Add appends a fresh idle channel to the pool and returns it.
func (m *Manager) Add() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := newChannel(m.nextID)
	m.nextID++
	m.channels = append(m.channels, ch)
	m.byID[ch.ID] = ch
	return ch
}

// AcquireIdle returns the first idle channel, creating a new one when no
// channel is idle, or ErrNoIdleChannel if every channel is in use and the
// pool already holds maxChannels channels (maxChannels <= 0 means no cap).
// Growing the pool mirrors "connect appends a channel and waits" from the
// session layer, so AcquireIdle always succeeds unless maxChannels is
// reached.
func (m *Manager) AcquireIdle(maxChannels int) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.channels {
		if !ch.inUse {
			ch.inUse = true
			return ch, nil
		}
	}

	if maxChannels > 0 && len(m.channels) >= maxChannels {
		return nil, ErrNoIdleChannel
	}

	ch := newChannel(m.nextID)
	m.nextID++
	ch.inUse = true
	m.channels = append(m.channels, ch)
	m.byID[ch.ID] = ch
	return ch, nil
}

// Release marks a channel as idle again. Safe to call from a deferred
// cleanup regardless of how AcquireIdle's caller exits.
func (m *Manager) Release(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch.inUse = false
}

// Remove deletes a channel from the pool entirely (used when disconnect
// shrinks the reference count).
func (m *Manager) Remove(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, ch.ID)
	for i, existing := range m.channels {
		if existing == ch {
			m.channels = append(m.channels[:i], m.channels[i+1:]...)
			break
		}
	}
}

// LookupByID finds a channel by id, used by the read loop to route an
// incoming RpcReplyMessage.
func (m *Manager) LookupByID(id int) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.byID[id]
	return ch, ok
}

// ClearAll drops every channel from the pool, e.g. on disconnect.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = nil
	m.byID = make(map[int]*Channel)
}

// Count is the manager's reference count: the number of channels currently
// tracked (in use or idle).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Deliver routes an incoming reply payload to the channel with the given id.
// An unrecognized id is a protocol violation and returns ErrUnknownChannel;
// the caller is expected to terminate the session on this error.
func (m *Manager) Deliver(id int, payload []byte) error {
	ch, ok := m.LookupByID(id)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Deliver",
			"package":  "channel",
			"chan_id":  id,
		}).Error("reply references unknown channel id")
		return ErrUnknownChannel
	}

	select {
	case ch.replyC <- payload:
	default:
		// A channel is only ever awaiting one reply at a time; a second
		// delivery before the first is drained would indicate the server
		// replied twice to one request. Drop the stale value in favor of
		// the newest, matching at-most-once-outstanding semantics.
		<-ch.replyC
		ch.replyC <- payload
	}
	return nil
}

// Await blocks on ch's mailbox until a reply arrives or done fires (a
// timeout channel from time.After, typically).
func (ch *Channel) Await(done <-chan struct{}) ([]byte, bool) {
	select {
	case payload := <-ch.replyC:
		return payload, true
	case <-done:
		return nil, false
	}
}
