// Package hub provides a goroutine-safe registry of connected chat
// clients with broadcast-to-all-except-sender delivery.
package hub

import (
	"net"
	"time"

	"github.com/eclesh/welford"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// New returns a pointer to an initialised Registry
func New() *Registry {
	return &Registry{
		clients: make(map[*Client]bool),
		Stats: Stats{
			Audience: welford.New(),
			Bytes:    welford.New(),
			Dt:       welford.New(),
		},
	}
}

// NewClient returns a pointer to a new Client wrapping conn, with a
// short unique ID for logging
func NewClient(conn net.Conn, username string) *Client {
	return &Client{
		ID:           uuid.New().String()[0:6],
		Username:     username,
		ConnectedAt:  time.Now(),
		WriteTimeout: 5 * time.Second,
		conn:         conn,
	}
}

// WriteLine writes text plus a newline to the client's connection,
// serialised against concurrent broadcasters
func (c *Client) WriteLine(text string) error {

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout)); err != nil {
			return err
		}
	}

	_, err := c.conn.Write([]byte(text + "\n"))
	return err
}

// Close closes the underlying connection; safe to call more than once
// (teardown and shutdown may both reach here)
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			log.WithFields(log.Fields{"id": c.ID, "user": c.Username}).Debugf("hub: close error %s", err.Error())
		}
	})
}

// RemoteAddr returns the remote address of the client's connection
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Add inserts a client into the registry; no-op if already present
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = true
}

// Remove removes a client if present; tolerates being called twice,
// e.g. once from the handler's teardown and once from shutdown
func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
}

// Count returns the number of registered clients
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// List returns a snapshot of the registered clients
func (r *Registry) List() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		members = append(members, c)
	}
	return members
}

// BroadcastExcept delivers text to every member except sender. The
// member list is snapshotted under the lock and the (potentially
// blocking) writes happen outside it, so a slow recipient cannot stall
// membership changes. A write failure to one recipient is logged and
// does not prevent delivery to the others - the failing recipient's own
// handler will observe the broken connection independently.
func (r *Registry) BroadcastExcept(sender *Client, text string) {

	r.mu.Lock()

	members := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if c != sender {
			members = append(members, c)
		}
	}

	dt := time.Since(r.Stats.Last)
	if dt < 24*time.Hour {
		r.Stats.Dt.Add(dt.Seconds())
	}
	r.Stats.Last = time.Now()
	r.Stats.Bytes.Add(float64(len(text)))
	r.Stats.Audience.Add(float64(len(members)))

	r.mu.Unlock()

	for _, c := range members {
		if err := c.WriteLine(text); err != nil {
			log.WithFields(log.Fields{"id": c.ID, "user": c.Username}).Warnf("hub: write to %s failed because %s", c.Username, err.Error())
		}
	}
}

// CloseAll force-closes every registered client's connection, causing
// each handler's pending read to fail and run its own teardown
func (r *Registry) CloseAll() {
	for _, c := range r.List() {
		c.Close()
	}
}
