// Copyright 2024 Google LLC
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

package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
)

const defaultCacheCapacity = 1000

// classifyCache holds recent classification results keyed by reason, event
// namespace, involved object and message hash. Inserting past capacity evicts
// the oldest tenth.
type classifyCache struct {
	mtx      sync.Mutex
	capacity int
	entries  map[string][]Match
	order    []string
}

func newClassifyCache(capacity int) *classifyCache {
	return &classifyCache{
		capacity: capacity,
		entries:  map[string][]Match{},
	}
}

func cacheKey(ev cluster.Event) string {
	sum := sha256.Sum256([]byte(ev.Message))
	key := ev.Reason + ":" + ev.Namespace + ":" + hex.EncodeToString(sum[:])[:8]
	if ev.Involved != nil {
		key += ":" + ev.Involved.Namespace + "/" + ev.Involved.Kind + "/" + ev.Involved.Name
	}
	return key
}

func (c *classifyCache) get(key string) ([]Match, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	m, ok := c.entries[key]
	return m, ok
}

func (c *classifyCache) put(key string, matches []Match) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, ok := c.entries[key]; ok {
		c.entries[key] = matches
		return
	}
	if len(c.entries) >= c.capacity {
		evict := c.capacity / 10
		if evict < 1 {
			evict = 1
		}
		for _, old := range c.order[:evict] {
			delete(c.entries, old)
		}
		c.order = append([]string(nil), c.order[evict:]...)
	}
	c.entries[key] = matches
	c.order = append(c.order, key)
}

// len reports the number of cached classifications.
func (c *classifyCache) len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.entries)
}
