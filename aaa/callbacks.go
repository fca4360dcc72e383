package aaa

import (
	"fmt"
	"sync"
	"time"
)

// Func decides on a token. Returning false rejects it.
type Func func(t *Token) bool

// AllowAll is the default decision for every callback slot.
func AllowAll(*Token) bool { return true }

// Kind names one of the three callback slots.
type Kind uint8

const (
	KindAuthenticate Kind = iota
	KindAuthorize
	KindAccounting
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticate:
		return "authn"
	case KindAuthorize:
		return "authz"
	case KindAccounting:
		return "acc"
	default:
		return "unknown"
	}
}

func (k Kind) state() State {
	switch k {
	case KindAuthenticate:
		return StateAuthenticated
	case KindAuthorize:
		return StateAuthorized
	default:
		return StateAccounting
	}
}

// Callbacks holds the authenticate, authorize and accounting functions of a
// node. The zero value is not usable, use NewCallbacks.
type Callbacks struct {
	mu    sync.RWMutex
	funcs [3]Func
}

// NewCallbacks returns callbacks that allow everything.
func NewCallbacks() *Callbacks {
	return &Callbacks{funcs: [3]Func{AllowAll, AllowAll, AllowAll}}
}

// Set replaces the callback for kind. A nil f restores AllowAll.
func (c *Callbacks) Set(kind Kind, f Func) {
	if f == nil {
		f = AllowAll
	}
	c.mu.Lock()
	c.funcs[kind] = f
	c.mu.Unlock()
}

// Invoke runs the callback for kind on t and records the outcome in the
// token state. A panicking callback counts as a rejection.
func (c *Callbacks) Invoke(kind Kind, t *Token) (ok bool, err error) {
	c.mu.RLock()
	f := c.funcs[kind]
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("%s callback panicked: %v", kind, r)
			t.Clear(kind.state())
		}
	}()

	ok = f(t)
	if ok {
		t.Set(kind.state())
	} else {
		t.Clear(kind.state())
	}
	return ok, nil
}

type decisionKey struct {
	kind        Kind
	fingerprint string
}

type decision struct {
	allowed bool
	until   time.Time
}

// DecisionCache remembers authenticate and authorize outcomes per token
// fingerprint until the token expires, so callbacks run once per token.
type DecisionCache struct {
	mu      sync.Mutex
	entries map[decisionKey]decision
}

// NewDecisionCache creates an empty cache.
func NewDecisionCache() *DecisionCache {
	return &DecisionCache{entries: make(map[decisionKey]decision)}
}

// Lookup returns the cached outcome for (kind, fingerprint) if still valid.
func (d *DecisionCache) Lookup(kind Kind, fingerprint string, now time.Time) (allowed, found bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[decisionKey{kind, fingerprint}]
	if !ok {
		return false, false
	}
	if now.After(e.until) {
		delete(d.entries, decisionKey{kind, fingerprint})
		return false, false
	}
	return e.allowed, true
}

// Store records an outcome valid until the given time.
func (d *DecisionCache) Store(kind Kind, fingerprint string, allowed bool, until time.Time) {
	d.mu.Lock()
	d.entries[decisionKey{kind, fingerprint}] = decision{allowed: allowed, until: until}
	d.mu.Unlock()
}

// Purge drops expired entries and returns how many were removed.
func (d *DecisionCache) Purge(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, e := range d.entries {
		if now.After(e.until) {
			delete(d.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached decisions.
func (d *DecisionCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Decide consults the cache and falls back to invoking the callback, caching
// its answer until the token expires. Accounting is never cached.
func Decide(c *Callbacks, cache *DecisionCache, kind Kind, t *Token, now time.Time) (bool, error) {
	fp := t.Fingerprint()
	if kind != KindAccounting {
		if allowed, found := cache.Lookup(kind, fp, now); found {
			if allowed {
				t.Set(kind.state())
			}
			return allowed, nil
		}
	}
	ok, err := c.Invoke(kind, t)
	if kind != KindAccounting && err == nil {
		cache.Store(kind, fp, ok, t.ExpiresAt)
	}
	return ok, err
}
