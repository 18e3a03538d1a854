package services

import "peermesh/internal/core/domain"

type relaySubscriber struct {
	id     uint64
	onLost func()
}

// relayWatch maps a relay id to the links negotiating through it.
type relayWatch struct {
	next uint64
	subs map[domain.PeerID][]relaySubscriber
}

func newRelayWatch() *relayWatch {
	return &relayWatch{subs: make(map[domain.PeerID][]relaySubscriber)}
}

// watch registers onLost for relay. The returned release is idempotent.
func (w *relayWatch) watch(relay domain.PeerID, onLost func()) func() {
	w.next++
	id := w.next
	w.subs[relay] = append(w.subs[relay], relaySubscriber{id: id, onLost: onLost})

	released := false
	return func() {
		if released {
			return
		}
		released = true
		w.remove(relay, id)
	}
}

func (w *relayWatch) remove(relay domain.PeerID, id uint64) {
	subs := w.subs[relay]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(w.subs, relay)
		return
	}
	w.subs[relay] = subs
}

// notify fires every callback registered for relay. Callbacks may release
// their own or other subscriptions while notify runs.
func (w *relayWatch) notify(relay domain.PeerID) {
	subs := append([]relaySubscriber(nil), w.subs[relay]...)
	for _, s := range subs {
		s.onLost()
	}
}

func (w *relayWatch) count(relay domain.PeerID) int {
	return len(w.subs[relay])
}
