// Package chat implements the chat hub: it accepts client connections,
// authenticates them against the registry service, relays their lines
// through the profanity filter, and broadcasts to the other members.
package chat

import (
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/parlorchat/parlor/internal/authclient"
	"github.com/parlorchat/parlor/internal/filterclient"
	"github.com/parlorchat/parlor/internal/hub"
)

// Config specifies parameters for the chat hub
type Config struct {
	// Host to listen on; empty means all interfaces, IPv4 and IPv6
	Host string

	// Port to listen on
	Port int

	// Room is this hub's namespace in the authentication registry.
	// Assign it externally so that restarts and host migrations keep
	// the same identity; usernames are unique only within a room.
	Room string

	// AuthAddr is the host:port of the authentication service
	AuthAddr string

	// FilterAddr is the host:port of the filter service
	FilterAddr string

	// ShutdownTimeout bounds how long shutdown waits for handlers to
	// drain before abandoning them
	ShutdownTimeout time.Duration
}

// Service is a chat hub instance
type Service struct {
	config   Config
	registry *hub.Registry
	auth     *authclient.Client
	filter   *filterclient.Client

	listeners []net.Listener
	handlers  sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]bool

	shutdownOnce sync.Once
	done         chan struct{}
}

// New returns a pointer to an initialised Service
func New(config Config) *Service {

	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	return &Service{
		config:   config,
		registry: hub.New(),
		auth:     authclient.New(config.AuthAddr),
		filter:   filterclient.New(config.FilterAddr),
		conns:    make(map[net.Conn]bool),
		done:     make(chan struct{}),
	}
}

// Registry returns the hub's client registry, for status reporting
func (s *Service) Registry() *hub.Registry {
	return s.registry
}

// Serve binds the listeners and relays chat until closed is closed,
// then drains and returns. A bind failure is returned immediately with
// no listener left running - the caller should treat it as fatal.
func (s *Service) Serve(closed <-chan struct{}) error {

	addrs := []struct{ network, addr string }{}

	port := strconv.Itoa(s.config.Port)

	if s.config.Host == "" {
		// both stacks, as separate sockets so one bind failure
		// cannot leave the other silently missing
		addrs = append(addrs,
			struct{ network, addr string }{"tcp4", "0.0.0.0:" + port},
			struct{ network, addr string }{"tcp6", "[::]:" + port},
		)
	} else {
		addrs = append(addrs, struct{ network, addr string }{"tcp", net.JoinHostPort(s.config.Host, port)})
	}

	for _, a := range addrs {
		l, err := net.Listen(a.network, a.addr)
		if err != nil {
			for _, bound := range s.listeners {
				bound.Close()
			}
			return err
		}
		s.listeners = append(s.listeners, l)
		log.WithFields(log.Fields{"addr": l.Addr().String(), "room": s.config.Room}).Info("chat: listening")
	}

	for _, l := range s.listeners {
		go s.accept(l)
	}

	<-closed

	s.Shutdown()

	return nil
}

// accept runs the accept loop for one listener
func (s *Service) accept(l net.Listener) {

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Warnf("chat: failed to accept connection because %s", err.Error())
			continue
		}

		s.track(conn)
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// Shutdown stops accepting new connections, force-closes the active
// ones so their handlers run their own teardown, and waits for the
// handlers to finish, bounded by ShutdownTimeout. Idempotent: a second
// trigger while shutdown is in progress is a no-op.
func (s *Service) Shutdown() {

	s.shutdownOnce.Do(func() {

		log.Info("chat: shutting down")

		close(s.done)

		for _, l := range s.listeners {
			l.Close()
		}

		// force a read error on every connection so each handler
		// observes it and runs its teardown exactly once: registered
		// clients first, then anything still in the handshake
		s.registry.CloseAll()

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			s.handlers.Wait()
			close(drained)
		}()

		select {
		case <-drained:
			log.Info("chat: all handlers drained")
		case <-time.After(s.config.ShutdownTimeout):
			log.Warn("chat: shutdown timeout, abandoning remaining handlers")
		}
	})
}

func (s *Service) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = true
}

func (s *Service) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
