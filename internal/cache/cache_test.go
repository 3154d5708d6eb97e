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

package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_StableAcrossMapOrder(t *testing.T) {
	a := Key("action", "s1", map[string]interface{}{"x": 1, "y": 2})
	b := Key("action", "s1", map[string]interface{}{"y": 2, "x": 1})
	assert.Equal(t, a, b)

	c := Key("action", "s1", map[string]interface{}{"x": 1, "y": 3})
	assert.NotEqual(t, a, c)
}

func TestCache_GetSet(t *testing.T) {
	c := New(4)
	c.Set("k", "v", time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(4)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", "v", time.Second)
	_, ok := c.Get("k")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(2)
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3, time.Minute)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCache_SingleFlight(t *testing.T) {
	c := New(4)
	var builds atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrBuild("k", time.Minute, func() (interface{}, error) {
				builds.Add(1)
				<-release
				return "built", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "built", v)
		}()
	}

	// Give goroutines time to pile onto the flight before releasing.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load(), "concurrent builds for one key must collapse")
}

func TestCache_FailedBuildNotStored(t *testing.T) {
	c := New(4)
	_, _, err := c.GetOrBuild("k", time.Minute, func() (interface{}, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}
