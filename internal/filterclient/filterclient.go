// Package filterclient provides round-trip requests to the profanity
// filter service, one short-lived connection per message.
package filterclient

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client makes per-call connections to the filter service
type Client struct {
	// Addr is the host:port of the filter service
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

// Filter sends text for filtering and returns the filtered line.
// Filtering is a best-effort enhancement, never a gate on delivery: on
// any failure to connect, or a malformed reply, the original text is
// returned unchanged and a warning logged.
func (c *Client) Filter(ctx context.Context, text string) string {

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		log.Warnf("filterclient: messages will not be filtered because %s", err.Error())
		return text
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			log.Warnf("filterclient: setting deadline failed because %s", err.Error())
			return text
		}
	}

	if _, err := conn.Write([]byte(text + "\n")); err != nil {
		log.Warnf("filterclient: send failed because %s", err.Error())
		return text
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		log.Warnf("filterclient: reply not received because %s", err.Error())
		return text
	}

	return strings.TrimRight(reply, "\r\n")
}
