package session

import (
	"sort"
	"sync"
	"time"
)

// Salt is a server-issued, time-bounded value that must accompany every
// signed request. The server rotates salts proactively; a client coming
// back from a long partition may hold none that are still valid, which is
// expected state, not corruption.
type Salt struct {
	ID         int64     // opaque 8-byte identifier
	ValidSince time.Time // start of the validity window
	ValidUntil time.Time // end of the validity window
}

// Expired reports whether the salt's window has ended at t.
func (s Salt) Expired(t time.Time) bool {
	return !s.ValidUntil.After(t)
}

// active reports whether the salt may sign a request issued at t.
func (s Salt) active(t time.Time) bool {
	return !s.ValidSince.After(t) && !s.Expired(t)
}

// SaltStore holds the ordered pool of currently valid salts for the
// session's authorization key. Entries are unique by identifier and kept
// sorted by validity window. Expired entries are pruned lazily on lookup.
type SaltStore struct {
	mu    sync.Mutex
	salts []Salt // sorted by (ValidUntil, ValidSince, ID)
}

// NewSaltStore creates an empty store, optionally seeded with a restored
// salt set (from the session persistence layer).
func NewSaltStore(restored ...Salt) *SaltStore {
	st := &SaltStore{}
	st.Ingest(restored)
	return st
}

// Current returns the salt with the latest validity window that is usable
// right now, pruning expired entries on the way. The second return is
// false when no salt qualifies.
func (st *SaltStore) Current() (Salt, bool) {
	now := time.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	st.prune(now)
	for i := len(st.salts) - 1; i >= 0; i-- {
		if st.salts[i].active(now) {
			return st.salts[i], true
		}
	}
	return Salt{}, false
}

// Ingest merges server-pushed salts into the set, deduplicating by
// identifier and keeping the most recent validity window per identifier.
// Ingesting the same set twice leaves the store unchanged. Returns the
// number of entries that were new or updated.
func (st *SaltStore) Ingest(salts []Salt) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	changed := 0
	for _, s := range salts {
		if st.merge(s) {
			changed++
		}
	}
	if changed > 0 {
		st.sort()
	}
	return changed
}

// merge inserts or updates one salt, reporting whether the set changed.
func (st *SaltStore) merge(s Salt) bool {
	for i := range st.salts {
		if st.salts[i].ID != s.ID {
			continue
		}
		if !s.ValidUntil.After(st.salts[i].ValidUntil) {
			return false
		}
		st.salts[i] = s
		return true
	}
	st.salts = append(st.salts, s)
	return true
}

// ExpireBefore prunes entries whose validity end precedes t.
func (st *SaltStore) ExpireBefore(t time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prune(t)
}

// Invalidate removes a salt the server has refused, regardless of its
// local validity window.
func (st *SaltStore) Invalidate(id int64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	kept := st.salts[:0]
	for _, s := range st.salts {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	st.salts = kept
}

// Len reports the number of stored salts, including not-yet-active ones.
func (st *SaltStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.salts)
}

// Snapshot returns a copy of the salt set for the persistence layer.
func (st *SaltStore) Snapshot() []Salt {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]Salt, len(st.salts))
	copy(out, st.salts)
	return out
}

// prune drops expired entries. Caller holds the lock.
func (st *SaltStore) prune(t time.Time) {
	kept := st.salts[:0]
	for _, s := range st.salts {
		if !s.Expired(t) {
			kept = append(kept, s)
		}
	}
	st.salts = kept
}

// sort orders salts by validity window so the best candidate is last.
// Caller holds the lock.
func (st *SaltStore) sort() {
	sort.Slice(st.salts, func(i, j int) bool {
		a, b := st.salts[i], st.salts[j]
		if !a.ValidUntil.Equal(b.ValidUntil) {
			return a.ValidUntil.Before(b.ValidUntil)
		}
		if !a.ValidSince.Equal(b.ValidSince) {
			return a.ValidSince.Before(b.ValidSince)
		}
		return a.ID < b.ID
	})
}
