package models

import "time"

// Conductor represents a worker process that owns and services a subset of
// nodes for the drivers it supports.
type Conductor struct {
	// Hostname uniquely identifies the conductor process.
	Hostname string `json:"hostname"`

	// Drivers are the driver variants this conductor can service.
	Drivers []string `json:"drivers"`

	// StartedAt is the process start epoch, used to order restarts of the
	// same hostname: a re-registration with a newer epoch supersedes any
	// stale record left by a previous incarnation.
	StartedAt time.Time `json:"started_at"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// SupportsDriver reports whether the conductor declares support for driver.
func (c *Conductor) SupportsDriver(driver string) bool {
	for _, d := range c.Drivers {
		if d == driver {
			return true
		}
	}
	return false
}
