// Package prefs is the persistent key-value store behind the scale's
// runtime configuration. Keys are grouped by namespace and every access
// happens inside a scoped section that holds the store for its duration.
package prefs

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// ErrInvalidPersistedValue marks a stored value that failed validation on load.
var ErrInvalidPersistedValue = errors.New("invalid persisted value")

// Backend persists string values.
type Backend interface {
	Get(namespace, key string) (string, bool, error)
	Put(namespace, key, value string) error
	Remove(namespace, key string) error
	Flush() error
	Close() error
}

// Store serializes access to a Backend through sections.
type Store struct {
	mu      sync.Mutex
	backend Backend
}

// New wraps a backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Begin opens a section on namespace. The store stays locked until End is
// called, so callers must pair it with a deferred End.
func (s *Store) Begin(namespace string) *Section {
	s.mu.Lock()
	return &Section{store: s, namespace: namespace}
}

// With runs fn inside a section and always ends it. The first error from fn
// or from the section wins.
func (s *Store) With(namespace string, fn func(sec *Section) error) (err error) {
	sec := s.Begin(namespace)
	defer func() {
		if endErr := sec.End(); err == nil {
			err = endErr
		}
	}()
	return fn(sec)
}

// Close closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

// Section is an open namespace. Getters fall back to their default on a
// missing or unparsable value; the first read or write error is kept and
// returned by End.
type Section struct {
	store     *Store
	namespace string
	err       error
	dirty     bool
	ended     bool
}

// End flushes pending writes and releases the store. Calling End twice is a no-op.
func (sec *Section) End() error {
	if sec.ended {
		return nil
	}
	sec.ended = true
	defer sec.store.mu.Unlock()

	if sec.dirty {
		if err := sec.store.backend.Flush(); err != nil && sec.err == nil {
			sec.err = fmt.Errorf("flush %s: %w", sec.namespace, err)
		}
	}
	return sec.err
}

// Err returns the first error seen by the section.
func (sec *Section) Err() error { return sec.err }

func (sec *Section) get(key string) (string, bool) {
	if sec.ended {
		sec.setErr(fmt.Errorf("get %s/%s: section ended", sec.namespace, key))
		return "", false
	}
	v, ok, err := sec.store.backend.Get(sec.namespace, key)
	if err != nil {
		sec.setErr(fmt.Errorf("get %s/%s: %w", sec.namespace, key, err))
		return "", false
	}
	return v, ok
}

func (sec *Section) put(key, value string) {
	if sec.ended {
		sec.setErr(fmt.Errorf("put %s/%s: section ended", sec.namespace, key))
		return
	}
	if err := sec.store.backend.Put(sec.namespace, key, value); err != nil {
		sec.setErr(fmt.Errorf("put %s/%s: %w", sec.namespace, key, err))
		return
	}
	sec.dirty = true
}

func (sec *Section) setErr(err error) {
	if sec.err == nil {
		sec.err = err
	}
}

// Has reports whether key is stored.
func (sec *Section) Has(key string) bool {
	_, ok := sec.get(key)
	return ok
}

// Remove deletes key.
func (sec *Section) Remove(key string) {
	if sec.ended {
		sec.setErr(fmt.Errorf("remove %s/%s: section ended", sec.namespace, key))
		return
	}
	if err := sec.store.backend.Remove(sec.namespace, key); err != nil {
		sec.setErr(fmt.Errorf("remove %s/%s: %w", sec.namespace, key, err))
		return
	}
	sec.dirty = true
}

// Float returns the float stored under key, or def.
func (sec *Section) Float(key string, def float64) float64 {
	v, ok := sec.get(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// PutFloat stores a float.
func (sec *Section) PutFloat(key string, v float64) {
	sec.put(key, strconv.FormatFloat(v, 'g', -1, 64))
}

// Int returns the integer stored under key, or def.
func (sec *Section) Int(key string, def int64) int64 {
	v, ok := sec.get(key)
	if !ok {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

// PutInt stores an integer.
func (sec *Section) PutInt(key string, v int64) {
	sec.put(key, strconv.FormatInt(v, 10))
}

// Uint returns the unsigned integer stored under key, or def.
func (sec *Section) Uint(key string, def uint64) uint64 {
	v, ok := sec.get(key)
	if !ok {
		return def
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return u
}

// PutUint stores an unsigned integer.
func (sec *Section) PutUint(key string, v uint64) {
	sec.put(key, strconv.FormatUint(v, 10))
}

// Bool returns the flag stored under key, or def.
func (sec *Section) Bool(key string, def bool) bool {
	v, ok := sec.get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// PutBool stores a flag.
func (sec *Section) PutBool(key string, v bool) {
	sec.put(key, strconv.FormatBool(v))
}
