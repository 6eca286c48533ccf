package hub

import (
	"net"
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// Registry maintains the set of active, authenticated clients for one
// hub instance, and broadcasts messages to them. Membership exactly
// reflects "eligible broadcast recipient" - a client is added only after
// successful authentication and removed as the first step of teardown.
type Registry struct {
	mu sync.Mutex

	// Registered clients.
	clients map[*Client]bool

	// Stats are updated on each broadcast, under the registry lock
	Stats Stats
}

// Stats represents messaging statistics for the registry
type Stats struct {
	Audience *welford.Stats
	Bytes    *welford.Stats
	Dt       *welford.Stats
	Last     time.Time
}

// Client is the hub's handle on one authenticated chat participant.
// The registry holds a non-owning reference used only for writing;
// the connection handler that created the client owns its lifecycle.
type Client struct {
	ID           string
	Username     string
	ConnectedAt  time.Time
	WriteTimeout time.Duration

	conn net.Conn

	// wmu serialises writes from concurrent broadcasters so that
	// interleaved messages cannot corrupt the line framing
	wmu sync.Mutex

	closeOnce sync.Once
}

// ClientReport represents per-client details that we report externally
type ClientReport struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Remote    string `json:"remote"`
	Connected string `json:"connected"`
}

// StatsReport represents registry statistics that we report externally
type StatsReport struct {
	Clients  int          `json:"clients"`
	Audience WelfordStats `json:"audience"`
	Bytes    WelfordStats `json:"bytes"`
	Dt       WelfordStats `json:"dt"`
}

// WelfordStats represents statistical values
type WelfordStats struct {
	Count    uint64  `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Stddev   float64 `json:"stddev"`
	Variance float64 `json:"variance"`
}
