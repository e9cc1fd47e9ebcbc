// Package stops keeps each line's ordered stop lists, refreshing them from the
// route topology feed when they are missing or older than the TTL.
package stops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"busrate/internal/transit"
)

// Store persists stop lists on the bus line row.
type Store interface {
	LineByRef(ctx context.Context, lineRef string) (transit.BusLine, bool, error)
	SaveStopLists(ctx context.Context, lineID int64, lists map[int][]string, refreshedAt time.Time) error
}

// Source fetches the current topology of a line.
type Source interface {
	StopsForRoute(ctx context.Context, lineRef string) (map[int][]string, error)
}

type entry struct {
	lists     map[int][]string
	refreshed time.Time
}

type Cache struct {
	store  Store
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu  sync.Mutex
	mem map[string]entry
}

func NewCache(store Store, source Source, ttl time.Duration) *Cache {
	return &Cache{store: store, source: source, ttl: ttl, now: time.Now, mem: make(map[string]entry)}
}

// WithClock replaces the cache's clock.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) stale(refreshed time.Time) bool {
	return refreshed.IsZero() || c.now().Sub(refreshed) > c.ttl
}

// Lookup returns the direction-indexed stop lists of lineRef. found is false
// when the line is not provisioned. A failed refresh falls back to stale lists
// when there are any.
func (c *Cache) Lookup(ctx context.Context, lineRef string) (map[int][]string, bool, error) {
	c.mu.Lock()
	e, ok := c.mem[lineRef]
	c.mu.Unlock()
	if ok && !c.stale(e.refreshed) {
		return e.lists, true, nil
	}

	line, found, err := c.store.LineByRef(ctx, lineRef)
	if err != nil {
		return nil, false, fmt.Errorf("load line %s: %w", lineRef, err)
	}
	if !found {
		return nil, false, nil
	}
	if len(line.StopLists) > 0 && !c.stale(line.StopsRefreshedAt) {
		c.remember(lineRef, line.StopLists, line.StopsRefreshedAt)
		return line.StopLists, true, nil
	}

	lists, err := c.refresh(ctx, line)
	if err != nil {
		if len(line.StopLists) > 0 {
			log.Warn().Err(err).Str("line", lineRef).Msg("stop list refresh failed; using stale lists")
			return line.StopLists, true, nil
		}
		return nil, false, err
	}
	return lists, true, nil
}

// Refresh fetches lineRef's topology now regardless of age.
func (c *Cache) Refresh(ctx context.Context, lineRef string) (map[int][]string, error) {
	line, found, err := c.store.LineByRef(ctx, lineRef)
	if err != nil {
		return nil, fmt.Errorf("load line %s: %w", lineRef, err)
	}
	if !found {
		return nil, fmt.Errorf("line %s not provisioned", lineRef)
	}
	return c.refresh(ctx, line)
}

func (c *Cache) refresh(ctx context.Context, line transit.BusLine) (map[int][]string, error) {
	lists, err := c.source.StopsForRoute(ctx, line.LineRef)
	if err != nil {
		return nil, fmt.Errorf("fetch stops for %s: %w", line.LineRef, err)
	}
	now := c.now()
	if err := c.store.SaveStopLists(ctx, line.ID, lists, now); err != nil {
		return nil, fmt.Errorf("save stops for %s: %w", line.LineRef, err)
	}
	c.remember(line.LineRef, lists, now)
	log.Info().Str("line", line.LineRef).Int("directions", len(lists)).Msg("stop lists refreshed")
	return lists, nil
}

func (c *Cache) remember(lineRef string, lists map[int][]string, refreshed time.Time) {
	c.mu.Lock()
	c.mem[lineRef] = entry{lists: lists, refreshed: refreshed}
	c.mu.Unlock()
}
