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

package module

import (
	"errors"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"
)

type cacheMetrics struct {
	opened  *prometheus.CounterVec
	entries prometheus.GaugeFunc
}

// Cache holds the modules seen during a session, keyed by the file they
// were read from or by kernel module name.
type Cache struct {
	logger  log.Logger
	modules *xsync.MapOf[string, *Info]
	metrics *cacheMetrics
}

// NewCache returns an empty cache.
func NewCache(logger log.Logger, reg prometheus.Registerer) *Cache {
	c := &Cache{
		logger:  log.With(logger, "component", "module_cache"),
		modules: xsync.NewMapOf[string, *Info](),
	}
	c.metrics = &cacheMetrics{
		opened: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_probe_modules_opened_total",
			Help: "Total number of modules added to the module cache by kind.",
		}, []string{"kind"}),
		entries: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "parca_probe_modules_cached",
			Help: "Number of modules in the module cache.",
		}, func() float64 { return float64(c.modules.Size()) }),
	}
	return c
}

// Get returns the module cached under key, creating it with create on the
// first visit.
func (c *Cache) Get(key string, create func() *Info) *Info {
	m, loaded := c.modules.LoadOrCompute(key, create)
	if !loaded {
		c.metrics.opened.WithLabelValues(m.Kind.String()).Inc()
		level.Debug(c.logger).Log("msg", "module added", "key", key, "module", m.Name)
	}
	return m
}

// Lookup returns the module cached under key, if any.
func (c *Cache) Lookup(key string) (*Info, bool) {
	return c.modules.Load(key)
}

// Len returns the number of cached modules.
func (c *Cache) Len() int {
	return c.modules.Size()
}

// Keys returns the cache keys, sorted.
func (c *Cache) Keys() []string {
	keys := make([]string, 0, c.modules.Size())
	c.modules.Range(func(k string, _ *Info) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Close closes and forgets every module.
func (c *Cache) Close() error {
	var err error
	c.modules.Range(func(k string, m *Info) bool {
		err = errors.Join(err, m.Close())
		c.modules.Delete(k)
		return true
	})
	return err
}
