// Package fanout is a reference Notifier that multiplexes events to
// per-mailbox subscriber channels: one wait-list per mailbox, each
// subscriber holding a buffered channel it drains itself, new subscribers
// simply appending to the list and removing themselves on
// Subscription.Close.
package fanout

import (
	"sync"

	"github.com/themadorg/cyruslite/notify"
)

// Subscription is a live registration returned by Hub.Subscribe. Callers
// must call Close when done listening, or the hub leaks the channel.
type Subscription struct {
	hub      *Hub
	mailbox  string
	ch       chan notify.Event
	closedMu sync.Mutex
	closed   bool
}

// Events returns the channel events for this mailbox arrive on. The hub
// never closes it itself beyond what Close does; callers must keep
// draining it or risk the hub dropping events once the buffer fills.
func (s *Subscription) Events() <-chan notify.Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.hub.unsubscribe(s)
	close(s.ch)
}

// Hub is a process-local notify.Notifier that fans each event out to every
// live subscriber registered for the event's mailbox. Subscribers that
// don't keep up simply miss events past the channel buffer; the hub never
// blocks the committing writer waiting on a slow reader.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
	buf  int
}

// New creates an empty hub. buf sets the per-subscriber channel buffer
// size; events beyond it are dropped rather than blocking the notifier.
func New(buf int) *Hub {
	if buf <= 0 {
		buf = 16
	}
	return &Hub{subs: make(map[string][]*Subscription), buf: buf}
}

// Subscribe registers for events on mailboxName.
func (h *Hub) Subscribe(mailboxName string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &Subscription{hub: h, mailbox: mailboxName, ch: make(chan notify.Event, h.buf)}
	h.subs[mailboxName] = append(h.subs[mailboxName], s)
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[s.mailbox]
	for i, cur := range list {
		if cur == s {
			h.subs[s.mailbox] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[s.mailbox]) == 0 {
		delete(h.subs, s.mailbox)
	}
}

// Notify implements notify.Notifier, delivering ev to every subscriber of
// ev.MailboxName without blocking on a full channel.
func (h *Hub) Notify(ev notify.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[ev.MailboxName] {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

var _ notify.Notifier = (*Hub)(nil)
