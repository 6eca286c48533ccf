// Package loghook ships logrus entries to the log aggregation service
// as structured records. Emission never blocks the caller: entries are
// offered to a bounded queue and a single writer goroutine owns the
// connection. If the sink cannot be reached after a bounded series of
// backed-off attempts, the hook falls back permanently to local
// console emission for the remainder of the process lifetime.
package loghook

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/parlorchat/parlor/internal/logsink"
)

// Config specifies parameters for the hook
type Config struct {
	// Addr is the host:port of the log sink
	Addr string

	// Secret is presented to the sink as the first line
	Secret string

	// Host identifies the originating process in each record
	Host string

	// Logger names the subsystem, e.g. "parlor.hub"
	Logger string

	// QueueLen bounds the outbound queue (default 256)
	QueueLen int

	// DialAttempts bounds connection attempts before the permanent
	// console fallback (default 5)
	DialAttempts int
}

// Hook implements logrus.Hook
type Hook struct {
	config   Config
	queue    chan logsink.Record
	fallback uint32
	dropped  uint64
}

// New returns a pointer to an initialised Hook. Start the shipping
// loop with go h.Run(ctx), then logrus.AddHook(h).
func New(config Config) *Hook {

	if config.QueueLen == 0 {
		config.QueueLen = 256
	}
	if config.DialAttempts == 0 {
		config.DialAttempts = 5
	}
	if config.Host == "" {
		config.Host, _ = os.Hostname()
	}

	return &Hook{
		config: config,
		queue:  make(chan logsink.Record, config.QueueLen),
	}
}

// Levels implements logrus.Hook
func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook; it never blocks and never returns an
// error that would disturb the logging call site
func (h *Hook) Fire(e *logrus.Entry) error {

	r := logsink.Record{
		Time:   e.Time,
		Host:   h.config.Host,
		Level:  e.Level.String(),
		Logger: h.config.Logger,
		Msg:    e.Message,
	}

	select {
	case h.queue <- r:
	default:
		atomic.AddUint64(&h.dropped, 1)
	}

	return nil
}

// Dropped returns how many records were lost to queue overflow
func (h *Hook) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// FellBack reports whether the hook has switched permanently to
// console emission
func (h *Hook) FellBack() bool {
	return atomic.LoadUint32(&h.fallback) == 1
}

// Run ships queued records until ctx is cancelled. Run it on its own
// goroutine; it owns the sink connection.
func (h *Hook) Run(ctx context.Context) {

	var conn net.Conn

	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case r := <-h.queue:

			if h.FellBack() {
				h.console(r)
				continue
			}

			if conn == nil {
				conn = h.connect(ctx)
				if conn == nil {
					// no retry storm: console only from here on
					atomic.StoreUint32(&h.fallback, 1)
					fmt.Fprintf(os.Stderr, "loghook: sink %s unreachable, falling back to console\n", h.config.Addr)
					h.console(r)
					continue
				}
			}

			if err := h.send(conn, r); err != nil {
				// one reconnect cycle before giving up on this record
				conn.Close()
				conn = h.connect(ctx)
				if conn == nil {
					atomic.StoreUint32(&h.fallback, 1)
					fmt.Fprintf(os.Stderr, "loghook: sink %s lost, falling back to console\n", h.config.Addr)
					h.console(r)
					continue
				}
				if err := h.send(conn, r); err != nil {
					h.console(r)
				}
			}
		}
	}
}

// connect dials the sink and presents the secret, backing off between
// attempts; returns nil once the attempt budget is spent
func (h *Hook) connect(ctx context.Context) net.Conn {

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for i := 0; i < h.config.DialAttempts; i++ {

		d := net.Dialer{Timeout: 2 * time.Second}

		conn, err := d.DialContext(ctx, "tcp", h.config.Addr)
		if err == nil {
			if _, err = conn.Write([]byte(h.config.Secret + "\n")); err == nil {
				return conn
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.Duration()):
		}
	}

	return nil
}

func (h *Hook) send(conn net.Conn, r logsink.Record) error {

	line, err := json.Marshal(r)
	if err != nil {
		return err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return err
	}

	_, err = conn.Write(append(line, '\n'))
	return err
}

// console is the local fallback; it writes straight to stderr rather
// than through logrus, which would re-enter this hook
func (h *Hook) console(r logsink.Record) {
	if line, err := json.Marshal(r); err == nil {
		fmt.Fprintln(os.Stderr, string(line))
	}
}
