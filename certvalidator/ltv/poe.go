// Package ltv provides Long-Term Validation (LTV) support for certificate validation.
//
// LTV ensures that digital signatures can be validated long after they were created,
// even after certificates have expired or been revoked, by using proofs of
// existence gathered from timestamps to validate the chain at an earlier control time.
package ltv

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Common errors
var (
	ErrNoPOE       = errors.New("no proof of existence available")
	ErrNoChain     = errors.New("no certificate chain to slide over")
	ErrNotConverge = errors.New("control time did not converge")
)

// TimestampRef identifies a validated timestamp token.
type TimestampRef struct {
	// ID is the token identifier of the timestamp itself ("tst:<hex>").
	ID string
	// GenerationTime is the genTime of the token.
	GenerationTime time.Time
}

type coverage struct {
	ts     TimestampRef
	covers []string
}

// POEManager accumulates proofs of existence for tokens.
//
// A token is proven to exist at the current time, at any time recorded with
// AddPOE, and at the generation time of every validated timestamp covering it.
// A covering timestamp contributes min(genTime, POE(timestamp)), so nested
// timestamps propagate the earliest bound. Values only decrease.
type POEManager struct {
	mu      sync.Mutex
	current time.Time
	direct  map[string]time.Time
	stamps  []coverage
	poe     map[string]time.Time
	dirty   bool
}

// NewPOEManager creates a manager for a validation run at currentTime.
func NewPOEManager(currentTime time.Time) *POEManager {
	return &POEManager{
		current: currentTime,
		direct:  make(map[string]time.Time),
		poe:     make(map[string]time.Time),
	}
}

// CurrentTime returns the validation time of the run.
func (m *POEManager) CurrentTime() time.Time {
	return m.current
}

// AddTimestamp records a validated timestamp and the tokens it covers.
func (m *POEManager) AddTimestamp(ts TimestampRef, covers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamps = append(m.stamps, coverage{ts: ts, covers: append([]string(nil), covers...)})
	m.dirty = true
}

// AddPOE records direct evidence that id existed at t.
func (m *POEManager) AddPOE(id string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.direct[id]; !ok || t.Before(old) {
		m.direct[id] = t
		m.dirty = true
	}
}

// Get returns the earliest proven existence time of id. Without any proof
// this is the current time.
func (m *POEManager) Get(id string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveLocked()
	return m.getLocked(id)
}

// HasProof reports whether id is proven to exist before the current time.
func (m *POEManager) HasProof(id string) bool {
	return m.Get(id).Before(m.current)
}

// Resolve runs the fixpoint and returns the POE of every token with a proof.
func (m *POEManager) Resolve() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveLocked()
	out := make(map[string]time.Time, len(m.poe))
	for id, t := range m.poe {
		out[id] = t
	}
	return out
}

// Tokens returns the ids with a proof, sorted.
func (m *POEManager) Tokens() []string {
	poe := m.Resolve()
	ids := make([]string, 0, len(poe))
	for id := range poe {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns an independent copy of the manager.
func (m *POEManager) Snapshot() *POEManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := NewPOEManager(m.current)
	for id, t := range m.direct {
		cp.direct[id] = t
	}
	cp.stamps = append(cp.stamps, m.stamps...)
	cp.dirty = true
	return cp
}

func (m *POEManager) getLocked(id string) time.Time {
	if t, ok := m.poe[id]; ok {
		return t
	}
	return m.current
}

func (m *POEManager) lowerLocked(id string, t time.Time) bool {
	if !t.Before(m.getLocked(id)) {
		return false
	}
	m.poe[id] = t
	return true
}

// resolveLocked computes the least fixpoint. Each pass can only lower
// values to one of finitely many generation times, so it terminates.
func (m *POEManager) resolveLocked() {
	if !m.dirty {
		return
	}
	m.poe = make(map[string]time.Time, len(m.direct))
	for id, t := range m.direct {
		m.lowerLocked(id, t)
	}
	for changed := true; changed; {
		changed = false
		for _, c := range m.stamps {
			bound := c.ts.GenerationTime
			if own := m.getLocked(c.ts.ID); own.Before(bound) {
				bound = own
			}
			for _, id := range c.covers {
				if m.lowerLocked(id, bound) {
					changed = true
				}
			}
		}
	}
	m.dirty = false
}
