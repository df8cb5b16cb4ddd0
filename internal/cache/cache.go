// Package cache implements the process-local freshness cache: per-vehicle
// rate-limit marks, per-vehicle latest-location snapshots, and the singleton
// active-list snapshot. It is a best-effort optimization layer; it never
// returns errors and nothing outside this package mutates its entries.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/transitops/fleet-ingest/internal/models"
)

const shardCount = 32

type Config struct {
	LatestLocationTTL time.Duration
	ActiveListTTL     time.Duration

	// SilenceBound is the age at which rate-limit marks for silent vehicles
	// are dropped during a sweep. Rate-limit marks carry no read TTL.
	SilenceBound time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type vehicleEntry struct {
	lastAcceptedAt time.Time

	latest    models.LocationSample
	latestAt  time.Time
	hasLatest bool
}

type shard struct {
	mu       sync.Mutex
	vehicles map[string]*vehicleEntry
}

// FreshnessCache shards per-vehicle state by key so submissions for
// unrelated vehicles never serialize on one lock. The active-list snapshot
// is a singleton under its own lock.
type FreshnessCache struct {
	cfg    Config
	now    func() time.Time
	shards [shardCount]*shard

	listMu     sync.Mutex
	activeList []models.ActiveVehicle
	listAt     time.Time
	hasList    bool
}

func New(cfg Config) *FreshnessCache {
	if cfg.LatestLocationTTL <= 0 {
		cfg.LatestLocationTTL = 15 * time.Second
	}
	if cfg.ActiveListTTL <= 0 {
		cfg.ActiveListTTL = 30 * time.Second
	}
	if cfg.SilenceBound <= 0 {
		cfg.SilenceBound = 2 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &FreshnessCache{cfg: cfg, now: now}
	for i := range c.shards {
		c.shards[i] = &shard{vehicles: make(map[string]*vehicleEntry)}
	}
	return c
}

func (c *FreshnessCache) shardFor(vehicleID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(vehicleID))
	return c.shards[h.Sum32()%shardCount]
}

// TryAdvanceAccepted atomically performs the rate-limit check-and-set for one
// vehicle. When the previous accepted mark is younger than minInterval the
// mark is left untouched and ok is false; otherwise the mark advances to now.
// The returned prev value lets the caller roll back with ReleaseAccepted if
// the write behind the admission fails.
func (c *FreshnessCache) TryAdvanceAccepted(vehicleID string, now time.Time, minInterval time.Duration) (prev time.Time, ok bool) {
	s := c.shardFor(vehicleID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.vehicles[vehicleID]
	if e == nil {
		e = &vehicleEntry{}
		s.vehicles[vehicleID] = e
	}
	if !e.lastAcceptedAt.IsZero() && now.Sub(e.lastAcceptedAt) < minInterval {
		return e.lastAcceptedAt, false
	}
	prev = e.lastAcceptedAt
	e.lastAcceptedAt = now
	return prev, true
}

// ReleaseAccepted restores the rate-limit mark recorded before a failed
// write, so a rejected submission leaves the cache as if it never happened.
func (c *FreshnessCache) ReleaseAccepted(vehicleID string, prev time.Time) {
	s := c.shardFor(vehicleID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.vehicles[vehicleID]; e != nil {
		e.lastAcceptedAt = prev
	}
}

func (c *FreshnessCache) LastAcceptedAt(vehicleID string) (time.Time, bool) {
	s := c.shardFor(vehicleID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.vehicles[vehicleID]
	if e == nil || e.lastAcceptedAt.IsZero() {
		return time.Time{}, false
	}
	return e.lastAcceptedAt, true
}

func (c *FreshnessCache) SetLatestLocation(vehicleID string, sample models.LocationSample) {
	s := c.shardFor(vehicleID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.vehicles[vehicleID]
	if e == nil {
		e = &vehicleEntry{}
		s.vehicles[vehicleID] = e
	}
	e.latest = sample
	e.latestAt = c.now()
	e.hasLatest = true
}

// LatestLocation treats an expired entry as a miss and drops it on the spot.
func (c *FreshnessCache) LatestLocation(vehicleID string) (models.LocationSample, bool) {
	s := c.shardFor(vehicleID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.vehicles[vehicleID]
	if e == nil || !e.hasLatest {
		return models.LocationSample{}, false
	}
	if c.now().Sub(e.latestAt) >= c.cfg.LatestLocationTTL {
		e.hasLatest = false
		e.latest = models.LocationSample{}
		return models.LocationSample{}, false
	}
	return e.latest, true
}

func (c *FreshnessCache) SetActiveList(list []models.ActiveVehicle) {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	c.activeList = list
	c.listAt = c.now()
	c.hasList = true
}

// ActiveList returns the published snapshot. Once handed out a snapshot is
// never written again; RefreshActiveLocation swaps in a new backing array.
func (c *FreshnessCache) ActiveList() ([]models.ActiveVehicle, bool) {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	if !c.hasList {
		return nil, false
	}
	if c.now().Sub(c.listAt) >= c.cfg.ActiveListTTL {
		c.hasList = false
		c.activeList = nil
		return nil, false
	}
	return c.activeList, true
}

// RefreshActiveLocation patches a fresh active-list snapshot after an
// accepted submission, so reads immediately reflect the new location without
// a store round-trip. The patch rebuilds the snapshot into a new backing
// array and swaps the pointer; slices already handed out by ActiveList are
// never written again, so readers encode them without holding the lock. The
// touched vehicle is re-inserted at the position its observation timestamp
// warrants in the newest-sample-first ordering, which keeps a backdated
// sample from jumping ahead of fresher vehicles. When the vehicle is missing
// from the snapshot the membership is stale and the snapshot is dropped
// instead.
func (c *FreshnessCache) RefreshActiveLocation(vehicleID string, sample models.LocationSample) {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	if !c.hasList {
		return
	}
	idx := -1
	for i := range c.activeList {
		if c.activeList[i].Vehicle.ID == vehicleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.hasList = false
		c.activeList = nil
		return
	}

	entry := c.activeList[idx]
	snapshot := sample
	entry.LatestLocation = &snapshot

	next := make([]models.ActiveVehicle, 0, len(c.activeList))
	inserted := false
	for i, av := range c.activeList {
		if i == idx {
			continue
		}
		if !inserted && (av.LatestLocation == nil || !av.LatestLocation.ObservedAt.After(snapshot.ObservedAt)) {
			next = append(next, entry)
			inserted = true
		}
		next = append(next, av)
	}
	if !inserted {
		next = append(next, entry)
	}
	c.activeList = next
}

// InvalidateVehicle clears both the rate-limit mark and the latest-location
// snapshot for one vehicle. Used on stop-tracking and on sweep deactivation.
func (c *FreshnessCache) InvalidateVehicle(vehicleID string) {
	s := c.shardFor(vehicleID)
	s.mu.Lock()
	delete(s.vehicles, vehicleID)
	s.mu.Unlock()
}

func (c *FreshnessCache) InvalidateActiveList() {
	c.listMu.Lock()
	c.hasList = false
	c.activeList = nil
	c.listMu.Unlock()
}

func (c *FreshnessCache) InvalidateAll() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.vehicles = make(map[string]*vehicleEntry)
		s.mu.Unlock()
	}
	c.InvalidateActiveList()
}

// Sweep proactively drops entries well past their TTL so vehicles that go
// silent without an explicit stop do not pin memory. Latest-location
// snapshots older than twice their TTL are evicted; whole entries go once
// the rate-limit mark is older than the silence bound. Returns the number of
// evictions.
func (c *FreshnessCache) Sweep(now time.Time) int {
	evicted := 0
	staleLatest := 2 * c.cfg.LatestLocationTTL
	for _, s := range c.shards {
		s.mu.Lock()
		for id, e := range s.vehicles {
			if e.hasLatest && now.Sub(e.latestAt) >= staleLatest {
				e.hasLatest = false
				e.latest = models.LocationSample{}
				evicted++
			}
			silentSince := e.lastAcceptedAt
			if silentSince.IsZero() || now.Sub(silentSince) >= c.cfg.SilenceBound {
				if !e.hasLatest {
					delete(s.vehicles, id)
					if !silentSince.IsZero() {
						evicted++
					}
				}
			}
		}
		s.mu.Unlock()
	}

	c.listMu.Lock()
	if c.hasList && now.Sub(c.listAt) >= 2*c.cfg.ActiveListTTL {
		c.hasList = false
		c.activeList = nil
		evicted++
	}
	c.listMu.Unlock()
	return evicted
}
