// Package blacklist keeps an in-memory snapshot of host exclusion rules.
package blacklist

/*
certwatch - periodic TLS, DNS, WHOIS and CT monitoring for large host sets
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/metrics"
	"github.com/x-stp/certwatch/internal/model"
)

// DefaultRefresh is how often the rule set is reloaded.
const DefaultRefresh = 60 * time.Second

// Loader fetches the full rule set.
type Loader interface {
	LoadBlacklist(ctx context.Context) ([]model.BlacklistRule, error)
}

// Snapshot is an immutable view of the rules at one point in time.
type Snapshot struct {
	exact    map[string]struct{}
	suffixes []string
	loadedAt time.Time
}

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.exact) + len(s.suffixes)
}

// Match reports whether host is excluded. EXACT rules match the host
// itself; SUFFIX rules match the suffix or any name under it.
func (s *Snapshot) Match(host string) bool {
	if s == nil {
		return false
	}
	host = normalize(host)
	if host == "" {
		return false
	}
	if _, ok := s.exact[host]; ok {
		return true
	}
	for _, suf := range s.suffixes {
		if host == suf || strings.HasSuffix(host, "."+suf) {
			return true
		}
	}
	return false
}

func newSnapshot(rules []model.BlacklistRule, at time.Time) *Snapshot {
	s := &Snapshot{exact: make(map[string]struct{}), loadedAt: at}
	for _, r := range rules {
		rule := normalize(r.Rule)
		if rule == "" {
			continue
		}
		switch r.RuleType {
		case model.RuleSuffix:
			s.suffixes = append(s.suffixes, rule)
		default:
			s.exact[rule] = struct{}{}
		}
	}
	return s
}

func normalize(h string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(h)), ".")
}

// Cache serves the current snapshot and swaps it on refresh. Readers never
// block a refresh for longer than the pointer swap.
type Cache struct {
	loader   Loader
	interval time.Duration
	log      logger.Logger

	mu   sync.RWMutex
	snap *Snapshot
}

func New(loader Loader, interval time.Duration, log logger.Logger) *Cache {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	return &Cache{
		loader:   loader,
		interval: interval,
		log:      log.With(logger.String("component", "blacklist")),
		snap:     newSnapshot(nil, time.Time{}),
	}
}

// Refresh loads the rules and installs a new snapshot. On error the previous
// snapshot stays active.
func (c *Cache) Refresh(ctx context.Context) error {
	rules, err := c.loader.LoadBlacklist(ctx)
	if err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}
	snap := newSnapshot(rules, time.Now())
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	if metrics.IsMetricsEnabled() {
		metrics.GetMetrics().BlacklistRules.Set(float64(snap.Len()))
	}
	return nil
}

// Run refreshes on the configured interval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("blacklist refresh failed, keeping previous rules", logger.Error(err))
			}
		}
	}
}

// Snapshot returns the active immutable rule set.
func (c *Cache) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Match is shorthand for Snapshot().Match(host).
func (c *Cache) Match(host string) bool {
	return c.Snapshot().Match(host)
}

// Close releases nothing; it exists so the cache has an explicit lifecycle.
func (c *Cache) Close() error { return nil }
