package hub

import (
	"time"

	"github.com/eclesh/welford"
)

// NewWelford summarises a welford accumulator for external reporting
func NewWelford(w *welford.Stats) WelfordStats {
	return WelfordStats{
		Count:    w.Count(),
		Min:      w.Min(),
		Max:      w.Max(),
		Mean:     w.Mean(),
		Stddev:   w.Stddev(),
		Variance: w.Variance(),
	}
}

// Report returns a snapshot of registry statistics and membership
func (r *Registry) Report() (StatsReport, []ClientReport) {

	r.mu.Lock()
	defer r.mu.Unlock()

	clients := []ClientReport{}
	for c := range r.clients {
		clients = append(clients, ClientReport{
			ID:        c.ID,
			Username:  c.Username,
			Remote:    c.RemoteAddr(),
			Connected: c.ConnectedAt.Format(time.RFC3339),
		})
	}

	stats := StatsReport{
		Clients:  len(r.clients),
		Audience: NewWelford(r.Stats.Audience),
		Bytes:    NewWelford(r.Stats.Bytes),
		Dt:       NewWelford(r.Stats.Dt),
	}

	return stats, clients
}
