package app

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// readCache fronts the frequently-polled read views (day activity, recent
// sessions) with a short TTL. Writers invalidate by day so the front-end
// never sees a stale view for longer than the TTL.
type readCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   any
	expires time.Time
}

func newReadCache(ttl time.Duration) *readCache {
	return &readCache{ttl: ttl, entries: map[string]cacheEntry{}}
}

func (c *readCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *readCache) put(key string, v any) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: v, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *readCache) invalidateDay(date string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasSuffix(k, date) || strings.HasPrefix(k, "recent") {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

func (c *readCache) invalidateAll() {
	c.mu.Lock()
	c.entries = map[string]cacheEntry{}
	c.mu.Unlock()
}

const mainCategoryLimit = 3

// DayActivity aggregates the sessions of one local day. Derived view only;
// nothing is persisted.
func (s *Store) DayActivity(ctx context.Context, date string) (*DayActivity, error) {
	key := "day:" + date
	if v, ok := s.cache.get(key); ok {
		return v.(*DayActivity), nil
	}

	sessions, err := s.SessionsOnDate(ctx, date)
	if err != nil {
		return nil, err
	}
	act := &DayActivity{Date: date, MainCategories: []string{}}
	counts := map[string]int{}
	for _, sess := range sessions {
		act.SessionCount++
		act.TotalMinutes += int(sess.Duration() / time.Minute)
		cards, err := s.CardsForSession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		for _, card := range cards {
			if card.Category != "" {
				counts[card.Category]++
			}
		}
	}
	categories := make([]string, 0, len(counts))
	for cat := range counts {
		categories = append(categories, cat)
	}
	sort.Slice(categories, func(i, j int) bool {
		if counts[categories[i]] != counts[categories[j]] {
			return counts[categories[i]] > counts[categories[j]]
		}
		return categories[i] < categories[j]
	})
	if len(categories) > mainCategoryLimit {
		categories = categories[:mainCategoryLimit]
	}
	act.MainCategories = categories

	s.cache.put(key, act)
	return act, nil
}

// RecentSessions returns the latest sessions across all devices, cached.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	key := "recent"
	if v, ok := s.cache.get(key); ok {
		cached := v.([]Session)
		if len(cached) >= limit {
			return cached[:limit], nil
		}
	}
	now := time.Now()
	sessions, err := s.ListSessions(ctx, "", now.AddDate(0, 0, -7), now.Add(time.Hour))
	if err != nil {
		return nil, err
	}
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	s.cache.put(key, sessions)
	return sessions, nil
}
