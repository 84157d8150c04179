package notify

import (
	"context"
	"sync"

	"github.com/blastline/blastline/internal/models"
)

// ReadyEvent announces that a gateway channel completed authentication.
// Both identity fields may be empty when the gateway does not attribute
// the event to a specific session.
type ReadyEvent struct {
	CredentialKey      string `json:"credentialKey"`
	OriginatingAddress string `json:"originatingAddress"`
}

// Matches reports whether the event identifies the given credentials.
func (e ReadyEvent) Matches(creds models.Credentials) bool {
	return e.CredentialKey == creds.Key &&
		models.NormalizePhone(e.OriginatingAddress) == models.NormalizePhone(creds.Address)
}

// Anonymous reports whether the event carries no channel identity.
func (e ReadyEvent) Anonymous() bool {
	return e.CredentialKey == "" && e.OriginatingAddress == ""
}

// Bus fans ready events out to in-process subscribers. Publish never
// blocks: a subscriber with a full buffer misses the event, which is
// acceptable because the database keeps the authoritative ready state.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan ReadyEvent
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan ReadyEvent)}
}

// Publish delivers the event to every current subscriber.
func (b *Bus) Publish(ev ReadyEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and an unsubscribe func.
func (b *Bus) Subscribe(buffer int) (<-chan ReadyEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan ReadyEvent, buffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// WaitReady blocks until a ready event for the given credentials arrives or
// the context expires. It returns true when the event arrived. Callers
// bound the wait with a context deadline; there is no polling.
func (b *Bus) WaitReady(ctx context.Context, creds models.Credentials) bool {
	ch, unsubscribe := b.Subscribe(8)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if ev.Matches(creds) || ev.Anonymous() {
				return true
			}
		}
	}
}
