package models

import "time"

// ActiveVehicle pairs a tracked vehicle with its most recent sample inside
// the recency window. LatestLocation is nil when the vehicle has produced no
// sample within the window; active reflects tracking intent, not movement.
type ActiveVehicle struct {
	Vehicle        Vehicle         `json:"vehicle"`
	LatestLocation *LocationSample `json:"latestLocation"`
}

type StoreStats struct {
	TotalSamples     int64      `json:"totalSamples"`
	DistinctVehicles int64      `json:"distinctVehicles"`
	OldestSample     *time.Time `json:"oldestSample"`
	NewestSample     *time.Time `json:"newestSample"`
}

type PoolStats struct {
	OpenConnections int `json:"openConnections"`
	IdleConnections int `json:"idleConnections"`
	WaitingRequests int `json:"waitingRequests"`
}

type DashboardSummary struct {
	ActiveVehicles []ActiveVehicle `json:"activeVehicles"`
	Stats          StoreStats      `json:"stats"`
	Pool           PoolStats       `json:"pool"`
	GeneratedAt    time.Time       `json:"generatedAt"`
}

type HistoryResult struct {
	Vehicle           Vehicle          `json:"vehicle"`
	Samples           []LocationSample `json:"samples"`
	TotalSampleCount  int              `json:"totalSampleCount"`
	SampledPointCount int              `json:"sampledPointCount"`
}

type SweepReport struct {
	DeletedCount     int64 `json:"deletedCount"`
	ArchivedCount    int   `json:"archivedCount"`
	DeactivatedCount int   `json:"deactivatedCount"`
	CacheEvicted     int   `json:"cacheEvicted"`
}
