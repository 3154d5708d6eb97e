// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the in-memory step-output cache: an LRU with
// per-entry TTL and per-key single-flight so that at most one build runs
// concurrently for a given fingerprint.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCapacity bounds the number of cached entries when no capacity is
// configured.
const DefaultCapacity = 512

// Cache is a thread-safe LRU cache with per-entry TTL.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	group    singleflight.Group
	now      func() time.Time
}

type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

// New creates a cache with the given capacity. Non-positive capacity
// selects DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Key builds a stable cache key from the step identity and its resolved
// params. Params are serialized canonically (encoding/json sorts map keys)
// and hashed.
func Key(stepType, stepID string, params interface{}) string {
	encoded, err := json.Marshal(params)
	if err != nil {
		// Non-serializable params cannot be fingerprinted; fall back to a
		// key that will never collide with a real one.
		encoded = []byte("unserializable")
	}
	sum := sha256.Sum256(encoded)
	return stepType + ":" + stepID + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*entry)
	if c.now().After(ent.expiresAt) {
		c.removeLocked(elem)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return ent.value, true
}

// Set stores value under key with the given TTL, evicting the
// least-recently-used entry when full.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.expiresAt = c.now().Add(ttl)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	elem := c.order.PushFront(&entry{key: key, value: value, expiresAt: c.now().Add(ttl)})
	c.entries[key] = elem
}

// GetOrBuild returns the cached value for key, or invokes build to produce
// it. Concurrent callers for the same key share a single build; only a
// successful build is stored.
func (c *Cache) GetOrBuild(key string, ttl time.Duration, build func() (interface{}, error)) (interface{}, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check: another flight may have populated the entry.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		built, err := build()
		if err != nil {
			return nil, err
		}
		c.Set(key, built, ttl)
		return built, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	delete(c.entries, ent.key)
	c.order.Remove(elem)
}
