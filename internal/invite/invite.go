// Package invite implements the STEALTH-mode invite-token store spec
// §4.8 describes: generate/import/revoke/count, with expires_at,
// use_count, max_uses and single_use semantics, validated in constant
// time against every stored token. Grounded on the teacher's
// internal/peer/invite.go — same container/list-backed map-of-entries
// shape, same per-entry TTL pruning — but generalized from a replay-dedup
// "have we seen this invite before" store into a real issue/redeem token
// store: the teacher's Seen/Mark pair becomes Generate/Import plus
// Validate, and Validate actually enforces use-count and expiry instead
// of just deduplicating.
package invite

import (
	"container/list"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/alexrudloff/snap2p/internal/crypto"
)

// DefaultExpiry is the default validity window for a generated token.
const DefaultExpiry = 24 * time.Hour

// Options configures a token at generation or import time.
type Options struct {
	ExpiresAt time.Time // zero means DefaultExpiry from now
	MaxUses   int        // zero means unlimited
	SingleUse bool
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
	maxUses   int
	singleUse bool
	useCount  int
}

// Store tracks a set of live invite tokens for one STEALTH-mode peer.
type Store struct {
	mu    sync.Mutex
	hot   map[string]*list.Element
	order *list.List
}

// New constructs an empty token store.
func New() *Store {
	return &Store{hot: make(map[string]*list.Element), order: list.New()}
}

// Generate mints a fresh random 32-byte token under opts and stores it.
func (s *Store) Generate(opts Options) ([]byte, error) {
	token, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	if err := s.Import(token, opts); err != nil {
		return nil, err
	}
	return token, nil
}

// Import registers an externally created 16-32 byte token under opts.
func (s *Store) Import(token []byte, opts Options) error {
	if len(token) < 16 || len(token) > 32 {
		return fmt.Errorf("invite: token length must be 16-32 bytes, got %d", len(token))
	}
	expiresAt := opts.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultExpiry)
	}
	key := hex.EncodeToString(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hot[key]; ok {
		s.order.Remove(el)
	}
	ent := &entry{
		key:       key,
		value:     append([]byte{}, token...),
		expiresAt: expiresAt,
		maxUses:   opts.MaxUses,
		singleUse: opts.SingleUse,
	}
	s.hot[key] = s.order.PushFront(ent)
	return nil
}

// Revoke removes a token immediately, reporting whether it was present.
func (s *Store) Revoke(token []byte) bool {
	key := hex.EncodeToString(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[key]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.hot, key)
	return true
}

// Count returns the number of stored tokens. Exhausted tokens are removed as
// they are used up; an expired token is still counted until Validate or
// Sweep removes it.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hot)
}

// Validate checks candidate against every stored token in constant time
// (so a timing side channel can't reveal which prefix of a guessed token
// is correct), and on a match increments its use count, evicting it if
// single-use or if max-uses is now reached.
func (s *Store) Validate(candidate []byte, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched *entry
	for _, el := range s.hot {
		ent := el.Value.(*entry)
		if crypto.ConstantTimeEqual(ent.value, candidate) {
			matched = ent
			// Do not break: every stored token is compared regardless of
			// whether this iteration already matched, so the total work
			// done does not depend on where in the map the match lives.
		}
	}
	if matched == nil {
		return false
	}
	if now.After(matched.expiresAt) {
		s.removeLocked(matched.key)
		return false
	}
	matched.useCount++
	if matched.singleUse || (matched.maxUses > 0 && matched.useCount >= matched.maxUses) {
		s.removeLocked(matched.key)
	}
	return true
}

func (s *Store) removeLocked(key string) {
	if el, ok := s.hot[key]; ok {
		s.order.Remove(el)
		delete(s.hot, key)
	}
}

// Sweep evicts expired tokens. Intended to be called periodically so a
// store that only ever receives failed guesses doesn't grow unbounded.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if now.After(ent.expiresAt) {
			s.order.Remove(el)
			delete(s.hot, ent.key)
		}
		el = prev
	}
}
