// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"slices"
	"sort"
	"sync"

	"github.com/bureau-foundation/helpdesk/lib/model"
)

// Store is a sorted, duplicate-free collection of entities. The zero
// value is an empty store ready for use.
type Store[T model.Entity] struct {
	mu    sync.RWMutex
	items []T
}

// New returns a store holding items, sorted and deduplicated. When
// items repeats an ID the last occurrence wins.
func New[T model.Entity](items ...T) *Store[T] {
	store := &Store[T]{}
	store.items = normalize(items)
	return store
}

// search returns the index of id, or the insertion point and false.
// Caller holds s.mu.
func (s *Store[T]) search(id int64) (int, bool) {
	index := sort.Search(len(s.items), func(i int) bool {
		return s.items[i].EntityID() >= id
	})
	return index, index < len(s.items) && s.items[index].EntityID() == id
}

// Insert adds item, replacing any element with the same ID. Reports
// whether an existing element was replaced.
func (s *Store[T]) Insert(item T) (replaced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, found := s.search(item.EntityID())
	if found {
		s.items[index] = item
		return true
	}
	s.items = slices.Insert(s.items, index, item)
	return false
}

// Remove deletes the element with the given ID. Reports whether one
// was present.
func (s *Store[T]) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, found := s.search(id)
	if !found {
		return false
	}
	s.items = slices.Delete(s.items, index, index+1)
	return true
}

// RemoveFunc deletes every element for which drop returns true and
// returns the removed elements in order.
func (s *Store[T]) RemoveFunc(drop func(T) bool) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []T
	kept := s.items[:0]
	for _, item := range s.items {
		if drop(item) {
			removed = append(removed, item)
		} else {
			kept = append(kept, item)
		}
	}
	clear(s.items[len(kept):])
	s.items = kept
	return removed
}

// Get returns the element with the given ID.
func (s *Store[T]) Get(id int64) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, found := s.search(id)
	if !found {
		var zero T
		return zero, false
	}
	return s.items[index], true
}

// Contains reports whether an element with the given ID is present.
func (s *Store[T]) Contains(id int64) bool {
	_, found := s.Get(id)
	return found
}

// At returns the element at position index in ID order.
func (s *Store[T]) At(index int) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= len(s.items) {
		var zero T
		return zero, false
	}
	return s.items[index], true
}

// IndexOf returns the position of id in ID order, or -1.
func (s *Store[T]) IndexOf(id int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, found := s.search(id)
	if !found {
		return -1
	}
	return index
}

// Len returns the number of elements.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// All returns a copy of the elements in ID order.
func (s *Store[T]) All() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

// Replace swaps the whole contents for items, sorted and deduplicated
// with the last occurrence of an ID winning.
func (s *Store[T]) Replace(items []T) {
	normalized := normalize(items)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = normalized
}

// Filter returns a new store holding the elements that match query.
// The empty query yields a copy of the whole store.
func (s *Store[T]) Filter(query string) *Store[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := &Store[T]{}
	for _, item := range s.items {
		if item.MatchesQuery(query) {
			filtered.items = append(filtered.items, item)
		}
	}
	return filtered
}

// Clone returns an independent copy of the store.
func (s *Store[T]) Clone() *Store[T] {
	return &Store[T]{items: s.All()}
}

// normalize copies items, sorts them by ID, and keeps the last
// occurrence of each ID.
func normalize[T model.Entity](items []T) []T {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b T) int {
		switch {
		case a.EntityID() < b.EntityID():
			return -1
		case a.EntityID() > b.EntityID():
			return 1
		default:
			return 0
		}
	})

	result := sorted[:0]
	for _, item := range sorted {
		if n := len(result); n > 0 && result[n-1].EntityID() == item.EntityID() {
			result[n-1] = item
			continue
		}
		result = append(result, item)
	}
	return result
}
