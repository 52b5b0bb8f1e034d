// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	lvHit  = "hit"
	lvMiss = "miss"
)

// LRU is a size bounded, concurrency safe cache that records its hit, miss
// and eviction counts. Every metric carries a "cache" label with the name the
// cache was created with.
type LRU[K comparable, V any] struct {
	lru *lru.Cache[K, V]

	hits, misses prometheus.Counter
	evictions    prometheus.Counter

	closer func() error
}

// NewLRU creates a cache holding at most maxEntries items. The optional
// onEvict callback runs for every entry that is dropped, including the ones
// removed by Purge and Close.
func NewLRU[K comparable, V any](reg prometheus.Registerer, name string, maxEntries int, onEvict func(K, V)) (*LRU[K, V], error) {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"cache": name}, reg)

	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "parca_probe_cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "parca_probe_cache_evictions_total",
		Help: "Total number of cache evictions.",
	})

	c := &LRU[K, V]{
		hits:      requests.WithLabelValues(lvHit),
		misses:    requests.WithLabelValues(lvMiss),
		evictions: evictions,
		closer: func() error {
			// Unregister so that a cache with the same name can be created again.
			var err error
			if ok := reg.Unregister(requests); !ok {
				err = errors.Join(err, errors.New("unregistering requests counter"))
			}
			if ok := reg.Unregister(evictions); !ok {
				err = errors.Join(err, errors.New("unregistering eviction counter"))
			}
			if err != nil {
				return fmt.Errorf("cleaning cache stats counter: %w", err)
			}
			return nil
		},
	}

	l, err := lru.NewWithEvict[K, V](maxEntries, func(k K, v V) {
		c.evictions.Inc()
		if onEvict != nil {
			onEvict(k, v)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = l
	return c, nil
}

// Add adds a value to the cache.
func (c *LRU[K, V]) Add(key K, value V) {
	c.lru.Add(key, value)
}

// Get retrieves an item from the cache and marks it as recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return v, ok
}

// Peek returns the value associated with key without updating the "recently
// used"-ness of that key.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	return c.lru.Peek(key)
}

func (c *LRU[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *LRU[K, V]) Purge() {
	c.lru.Purge()
}

// Close purges the cache and unregisters its metrics.
func (c *LRU[K, V]) Close() error {
	c.Purge()
	if c.closer != nil {
		return c.closer()
	}
	return nil
}
