package queue

import "time"

// ShardHealth describes the redelivery loop of one shard.
type ShardHealth struct {
	ShardID       int       `json:"shard_id"`
	Running       bool      `json:"running"`
	Stale         bool      `json:"stale"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// HealthReport is the liveness view of a router.
//
// A shard is unhealthy when its loop has exited or has not stamped a
// heartbeat within StaleAfter. A stuck loop means visibility deadlines are no
// longer enforced, so messages would sit in flight forever.
type HealthReport struct {
	Healthy    bool          `json:"healthy"`
	CheckedAt  time.Time     `json:"checked_at"`
	StaleAfter time.Duration `json:"stale_after"`
	Shards     []ShardHealth `json:"shards"`
}

// staleAfter is how old a heartbeat may get before the shard counts as stuck.
func (c Config) staleAfter() time.Duration {
	return 3*c.PollInterval + time.Second
}

// Health checks every shard's redelivery loop.
func (r *Router[T]) Health() HealthReport {
	now := time.Now()
	limit := r.cfg.staleAfter()

	report := HealthReport{
		Healthy:    true,
		CheckedAt:  now,
		StaleAfter: limit,
		Shards:     make([]ShardHealth, 0, len(r.shards)),
	}

	for _, s := range r.shards {
		beat := time.Unix(0, s.heartbeat.Load())
		h := ShardHealth{
			ShardID:       s.id,
			Running:       s.running.Load(),
			LastHeartbeat: beat,
			Stale:         now.Sub(beat) > limit,
		}
		if !h.Running || h.Stale {
			report.Healthy = false
		}
		report.Shards = append(report.Shards, h)
	}
	return report
}
