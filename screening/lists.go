package screening

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jaracil/callwall/cache"
)

// ListKind distinguishes allow from deny entries.
type ListKind string

const (
	ListAllow ListKind = "allow"
	ListDeny  ListKind = "deny"
)

// ListEntry is an explicit decision about one number. A number has at most
// one entry; writing a new one replaces the old.
type ListEntry struct {
	Number string
	Kind   ListKind
	// Soft turns a deny into a challenge.
	Soft bool
	// ExpiresAt bounds temporary allows granted by the IVR; zero means never.
	ExpiresAt time.Time
	Reason    string
	CreatedAt time.Time
}

// Active reports whether the entry applies at now.
func (e ListEntry) Active(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// Lists looks up explicit allow/deny entries. Lookup returns false when the
// number is not listed or its entry has expired.
type Lists interface {
	Lookup(ctx context.Context, number string, now time.Time) (ListEntry, bool, error)
}

// MemoryLists is an in-memory Lists implementation. It also satisfies the
// IVR list writer.
type MemoryLists struct {
	mu      sync.Mutex
	entries map[string]ListEntry
	now     func() time.Time
}

// NewMemoryLists creates empty lists.
func NewMemoryLists() *MemoryLists {
	return &MemoryLists{entries: map[string]ListEntry{}, now: time.Now}
}

func (l *MemoryLists) put(e ListEntry) {
	e.Number = cache.NormalizeNumber(e.Number)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	l.mu.Lock()
	l.entries[e.Number] = e
	l.mu.Unlock()
}

// Allow permanently allows number.
func (l *MemoryLists) Allow(ctx context.Context, number, reason string) error {
	l.put(ListEntry{Number: number, Kind: ListAllow, Reason: reason})
	return nil
}

// AllowUntil allows number until the given time.
func (l *MemoryLists) AllowUntil(ctx context.Context, number string, until time.Time) error {
	l.put(ListEntry{Number: number, Kind: ListAllow, ExpiresAt: until, Reason: "challenge passed"})
	return nil
}

// Deny blocks number. A soft deny challenges instead.
func (l *MemoryLists) Deny(ctx context.Context, number string, soft bool, reason string) error {
	l.put(ListEntry{Number: number, Kind: ListDeny, Soft: soft, Reason: reason})
	return nil
}

// Remove deletes the entry for number.
func (l *MemoryLists) Remove(ctx context.Context, number string) error {
	l.mu.Lock()
	delete(l.entries, cache.NormalizeNumber(number))
	l.mu.Unlock()
	return nil
}

// Lookup implements Lists.
func (l *MemoryLists) Lookup(ctx context.Context, number string, now time.Time) (ListEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[cache.NormalizeNumber(number)]
	if !ok || !e.Active(now) {
		return ListEntry{}, false, nil
	}
	return e, true, nil
}

// Entries returns every entry sorted by number.
func (l *MemoryLists) Entries() []ListEntry {
	l.mu.Lock()
	out := make([]ListEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
