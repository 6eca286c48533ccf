// Package authclient provides round-trip requests to the authentication
// registry service. Each call dials, sends one request line, reads one
// reply line and closes - no pooling, so a registry restart never
// leaves a hub holding a dead session.
package authclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrPeerUnavailable indicates the authentication service could not be
// reached, as distinct from it rejecting the request
var ErrPeerUnavailable = errors.New("authentication service unavailable")

// Client makes per-call connections to the authentication service
type Client struct {
	// Addr is the host:port of the authentication service
	Addr string

	// Timeout bounds each round-trip (dial, write, read)
	Timeout time.Duration
}

// New returns a pointer to a new Client for the service at addr
func New(addr string) *Client {
	return &Client{
		Addr:    addr,
		Timeout: 5 * time.Second,
	}
}

// Authenticate registers username in room, returning true if the name
// was free and is now held, false if it is already in use. Returns
// ErrPeerUnavailable (wrapped) if the service cannot be reached.
func (c *Client) Authenticate(ctx context.Context, room, username string) (bool, error) {

	reply, err := c.roundTrip(ctx, fmt.Sprintf("AUTH:%s:%s", room, username))

	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrPeerUnavailable, err.Error())
	}

	return reply == "OK", nil
}

// Logout releases username's slot in room. Best-effort: failures are
// logged and never returned, so a dead registry cannot stop a client
// connection from closing.
func (c *Client) Logout(ctx context.Context, room, username string) {

	reply, err := c.roundTrip(ctx, fmt.Sprintf("LOGOUT:%s:%s", room, username))

	if err != nil {
		log.WithFields(log.Fields{"room": room, "user": username}).Warnf("authclient: logout failed because %s", err.Error())
		return
	}

	log.WithFields(log.Fields{"room": room, "user": username, "reply": reply}).Debug("authclient: logged out")
}

// roundTrip performs one connect-send-receive-close cycle
func (c *Client) roundTrip(ctx context.Context, request string) (string, error) {

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return "", err
		}
	}

	if _, err := conn.Write([]byte(request + "\n")); err != nil {
		return "", err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(reply, "\r\n"), nil
}
