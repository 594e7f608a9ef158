package dispatch

import (
	"fmt"
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"

	"livefeed/internal/event"
)

// Deduplicator remembers recently delivered events so a backlog replayed
// after a reconnect is not delivered twice
type Deduplicator struct {
	cache *lru.Cache[string, struct{}]
}

// NewDeduplicator creates a new Deduplicator with the given cache size
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate reports whether ev was seen before and records it if not
func (d *Deduplicator) IsDuplicate(ev event.Event) bool {
	key := d.generateKey(ev)
	if d.cache.Contains(key) {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

// generateKey builds the identity of an event from its payload
func (d *Deduplicator) generateKey(ev event.Event) string {
	payload, err := ev.Payload()
	if err != nil {
		return fmt.Sprintf("raw:%s:%x", ev.Kind, hashEvent(ev))
	}

	switch p := payload.(type) {
	case event.FlagPayload:
		if p.ID != "" {
			return fmt.Sprintf("%s:%s:%d", ev.Kind, p.ID, p.Confirmations)
		}
	case event.TransactionPayload:
		if p.Hash != "" {
			return fmt.Sprintf("%s:%s:%d", ev.Kind, p.Hash, p.Confirmations)
		}
	case event.AlertPayload:
		if p.ID != "" {
			return fmt.Sprintf("%s:%s", ev.Kind, p.ID)
		}
	}
	// periodic payloads and events without an id have no identity of their own
	return fmt.Sprintf("raw:%s:%x", ev.Kind, hashEvent(ev))
}

// Len returns the current cache size
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}

// Clear clears the deduplication cache
func (d *Deduplicator) Clear() {
	d.cache.Purge()
}

// hashEvent hashes the data and, when the server sent one, the timestamp.
// A local receive time would differ on every replay.
func hashEvent(ev event.Event) uint64 {
	h := fnv.New64a()
	h.Write(ev.Data)
	if ev.HasTimestamp {
		fmt.Fprintf(h, "|%d", ev.Timestamp.UnixNano())
	}
	return h.Sum64()
}
