// Package logsink implements the log aggregation service: hub
// instances push structured records over TCP, a single drain loop
// writes them to file and console. Delivery is best-effort throughout;
// the queue is bounded and drops new records on overflow rather than
// ever blocking a producer, with a drop counter so the loss is visible.
package logsink

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/client9/reopen"
	log "github.com/sirupsen/logrus"
)

// Record is one structured log event from a hub instance
type Record struct {
	Time   time.Time `json:"time"`
	Host   string    `json:"host"`
	Level  string    `json:"level"`
	Logger string    `json:"logger"`
	Msg    string    `json:"msg"`
}

// stopLevel marks the sentinel record that ends the drain loop
const stopLevel = "\x00stop"

// Config specifies parameters for the log sink
type Config struct {
	// Addr is the host:port to listen on
	Addr string

	// Secret must be presented by a producer as its first line
	Secret string

	// File receives records as JSON lines; empty for console only.
	// Reopened on SIGHUP so logs can be rotated.
	File string

	// QueueLen bounds the inbound queue (default 1024)
	QueueLen int
}

// Sink aggregates log records from many producers
type Sink struct {
	config  Config
	queue   chan Record
	file    *reopen.FileWriter
	dropped uint64

	stopOnce sync.Once
	drained  chan struct{}
}

// New returns a pointer to an initialised Sink
func New(config Config) *Sink {

	if config.QueueLen == 0 {
		config.QueueLen = 1024
	}

	return &Sink{
		config:  config,
		queue:   make(chan Record, config.QueueLen),
		drained: make(chan struct{}),
	}
}

// Serve listens at the configured address and aggregates records until
// ctx is cancelled. The bind and file-open errors are returned so the
// caller can treat them as fatal.
func (s *Sink) Serve(ctx context.Context) error {

	if s.config.File != "" {
		f, err := reopen.NewFileWriter(s.config.File)
		if err != nil {
			return err
		}
		s.file = f

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					log.Infof("logsink: SIGHUP detected, reopening %s", s.config.File)
					if err := s.file.Reopen(); err != nil {
						log.Errorf("logsink: reopen failed because %s", err.Error())
					}
				}
			}
		}()
	}

	lc := &net.ListenConfig{}

	l, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		l.Close()
		s.Stop()
	}()

	go s.drain()

	log.WithField("addr", l.Addr().String()).Info("logsink: awaiting producers")

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf("logsink: failed to accept connection because %s", err.Error())
			continue
		}
		go s.handle(conn)
	}
}

// handle receives records from one producer. The first line must match
// the shared secret or the connection is dropped without reply.
func (s *Sink) handle(conn net.Conn) {

	defer conn.Close()

	scanner := bufio.NewScanner(conn)

	if !scanner.Scan() || scanner.Text() != s.config.Secret {
		log.WithField("from", conn.RemoteAddr().String()).Warn("logsink: producer failed secret check")
		return
	}

	log.WithField("from", conn.RemoteAddr().String()).Debug("logsink: producer connected")

	for scanner.Scan() {

		var r Record

		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			log.Debugf("logsink: discarding undecodable record because %s", err.Error())
			continue
		}

		if r.Level == stopLevel {
			// producers cannot stop the sink
			continue
		}

		s.Offer(r)
	}
}

// Offer queues a record for the drain loop without ever blocking,
// returning false if the queue was full and the record dropped
func (s *Sink) Offer(r Record) bool {
	select {
	case s.queue <- r:
		return true
	default:
		atomic.AddUint64(&s.dropped, 1)
		return false
	}
}

// Dropped returns how many records were lost to queue overflow
func (s *Sink) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Stop flushes queued records and ends the drain loop by sending the
// sentinel stop record behind them; idempotent
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.queue <- Record{Level: stopLevel}
		<-s.drained
	})
}

// drain is the single reader of the queue, dispatching each record to
// the durable handlers
func (s *Sink) drain() {

	for r := range s.queue {

		if r.Level == stopLevel {
			close(s.drained)
			return
		}

		line, err := json.Marshal(r)
		if err != nil {
			log.Debugf("logsink: cannot marshal record because %s", err.Error())
			continue
		}
		line = append(line, '\n')

		if _, err := os.Stdout.Write(line); err != nil {
			log.Debugf("logsink: console write failed because %s", err.Error())
		}

		if s.file != nil {
			if _, err := s.file.Write(line); err != nil {
				log.Errorf("logsink: file write failed because %s", err.Error())
			}
		}
	}
}
