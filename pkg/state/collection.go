// Package state persists keyed collections as JSON documents on disk.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

// Cloner is implemented by record types that hold maps or slices, so callers
// never share mutable state with the collection.
type Cloner[T any] interface {
	Clone() T
}

// document is the on-disk envelope of a collection
type document[T any] struct {
	Version     string       `json:"version"`
	LastUpdated time.Time    `json:"lastUpdated"`
	Items       map[string]T `json:"items"`
}

// Collection is a durable map of records keyed by id. Every mutation is
// written through to disk before it returns. A collection opened without a
// directory lives only in memory.
type Collection[T any] struct {
	mutex    sync.RWMutex
	name     string
	filepath string
	items    map[string]T
}

// Open loads the named collection from dir, creating an empty one if the
// file does not exist yet.
func Open[T any](dir, name string) (*Collection[T], error) {
	c := &Collection[T]{
		name:  name,
		items: make(map[string]T),
	}
	if dir == "" {
		return c, nil
	}
	c.filepath = filepath.Join(dir, name+".json")
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewMemory returns a collection that is never persisted.
func NewMemory[T any](name string) *Collection[T] {
	return &Collection[T]{name: name, items: make(map[string]T)}
}

// Name returns the collection name
func (c *Collection[T]) Name() string {
	return c.name
}

// Load replaces the in-memory contents with what is on disk
func (c *Collection[T]) Load() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.filepath == "" {
		return nil
	}

	data, err := os.ReadFile(c.filepath)
	if os.IsNotExist(err) {
		return c.save()
	}
	if err != nil {
		return fmt.Errorf("failed to read %s collection: %w", c.name, err)
	}

	var doc document[T]
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal %s collection: %w", c.name, err)
	}
	if doc.Items == nil {
		doc.Items = make(map[string]T)
	}
	c.items = doc.Items
	return nil
}

// Save persists the collection
func (c *Collection[T]) Save() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.save()
}

// save writes to a temp file and renames it over the old one (caller holds the lock)
func (c *Collection[T]) save() error {
	if c.filepath == "" {
		return nil
	}

	data, err := json.MarshalIndent(document[T]{
		Version:     "1.0",
		LastUpdated: time.Now(),
		Items:       c.items,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s collection: %w", c.name, err)
	}

	dir := filepath.Dir(c.filepath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s collection: %w", c.name, err)
	}

	tmp, err := os.CreateTemp(dir, "."+c.name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s collection: %w", c.name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s collection: %w", c.name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s collection: %w", c.name, err)
	}
	if err := os.Rename(tmpName, c.filepath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s collection: %w", c.name, err)
	}
	return nil
}

// Get returns a copy of the record with the given id
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	v, ok := c.items[id]
	if !ok {
		return v, false
	}
	return clone(v), true
}

// Put inserts or replaces a record
func (c *Collection[T]) Put(id string, v T) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	prev, existed := c.items[id]
	c.items[id] = clone(v)
	if err := c.save(); err != nil {
		if existed {
			c.items[id] = prev
		} else {
			delete(c.items, id)
		}
		return err
	}
	return nil
}

// Delete removes a record. Deleting a missing id is not an error.
func (c *Collection[T]) Delete(id string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	prev, existed := c.items[id]
	if !existed {
		return nil
	}
	delete(c.items, id)
	if err := c.save(); err != nil {
		c.items[id] = prev
		return err
	}
	return nil
}

// Update applies fn to the record under the collection lock and persists the
// result. fn returning an error leaves the record untouched.
func (c *Collection[T]) Update(id string, fn func(v *T) error) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	prev, ok := c.items[id]
	if !ok {
		return fmt.Errorf("%s %s: %w", c.name, id, drerrors.ErrNotFound)
	}
	next := clone(prev)
	if err := fn(&next); err != nil {
		return err
	}
	c.items[id] = next
	if err := c.save(); err != nil {
		c.items[id] = prev
		return err
	}
	return nil
}

// List returns copies of all records ordered by id
func (c *Collection[T]) List() []T {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, clone(c.items[k]))
	}
	return out
}

// Len returns the number of records
func (c *Collection[T]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.items)
}

func clone[T any](v T) T {
	if cl, ok := any(v).(Cloner[T]); ok {
		return cl.Clone()
	}
	return v
}

// OpenOrMemory opens a collection and logs a warning, falling back to memory,
// when the file cannot be read.
func OpenOrMemory[T any](dir, name string) *Collection[T] {
	c, err := Open[T](dir, name)
	if err != nil {
		log.Printf("Warning: Could not load %s state, starting fresh in memory: %v", name, err)
		return NewMemory[T](name)
	}
	return c
}
