// Package roster implements the authentication registry service: a
// per-room set of usernames in use, with a line-oriented TCP command
// interface (AUTH, LOGOUT, LIST).
package roster

import (
	"bufio"
	"context"
	"net"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Store holds the usernames currently registered, partitioned by room
// so that multiple hub instances do not collide on names. Multiple hub
// processes call concurrently, so all map access is under the mutex.
type Store struct {
	sync.Mutex

	// map of room -> set of usernames in use
	rooms map[string]map[string]bool
}

// New returns a pointer to an initialised Store
func New() *Store {
	return &Store{
		rooms: make(map[string]map[string]bool),
	}
}

// Auth registers username in room if it is not already present,
// returning true on success. Rooms are created implicitly on first use.
// Empty room or username is always rejected.
func (s *Store) Auth(room, username string) bool {
	if room == "" || username == "" {
		return false
	}

	s.Lock()
	defer s.Unlock()

	if _, ok := s.rooms[room]; !ok {
		s.rooms[room] = make(map[string]bool)
	}

	if s.rooms[room][username] {
		return false
	}

	s.rooms[room][username] = true
	return true
}

// Logout removes username from room, returning true if it was present
func (s *Store) Logout(room, username string) bool {
	s.Lock()
	defer s.Unlock()

	if !s.rooms[room][username] {
		return false
	}

	delete(s.rooms[room], username)
	return true
}

// List returns the usernames registered in room, sorted
func (s *Store) List(room string) []string {
	s.Lock()
	defer s.Unlock()

	users := []string{}
	for u := range s.rooms[room] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Serve listens at addr and answers authentication requests until ctx
// is cancelled. The bind error is returned so the caller can treat it
// as fatal; everything after a successful bind is handled here.
func (s *Store) Serve(ctx context.Context, addr string) error {

	lc := &net.ListenConfig{}

	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log.WithField("addr", l.Addr().String()).Info("roster: awaiting connections")

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf("roster: failed to accept connection because %s", err.Error())
			continue
		}
		go s.handle(ctx, conn)
	}
}

// handle runs the per-connection command loop. Connections may stay
// open for many commands (the hub's clients do not, but that is their
// choice, not a protocol requirement).
func (s *Store) handle(ctx context.Context, conn net.Conn) {

	defer conn.Close()

	log.WithField("from", conn.RemoteAddr().String()).Debug("roster: new connection")

	scanner := bufio.NewScanner(conn)

	for scanner.Scan() {

		if ctx.Err() != nil {
			return
		}

		reply := s.dispatch(scanner.Text())

		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			log.Debugf("roster: write failed because %s", err.Error())
			return
		}
	}
}

// dispatch parses one colon-delimited command line and returns the
// reply line
func (s *Store) dispatch(line string) string {

	parts := strings.SplitN(strings.TrimRight(line, "\r"), ":", 3)

	switch parts[0] {

	case "AUTH":
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return "ERROR: unrecognised command"
		}
		if s.Auth(parts[1], parts[2]) {
			log.WithFields(log.Fields{"room": parts[1], "user": parts[2]}).Info("roster: registered")
			return "OK"
		}
		log.WithFields(log.Fields{"room": parts[1], "user": parts[2]}).Info("roster: name already in use")
		return "NO"

	case "LOGOUT":
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return "ERROR: unrecognised command"
		}
		if s.Logout(parts[1], parts[2]) {
			log.WithFields(log.Fields{"room": parts[1], "user": parts[2]}).Info("roster: logged out")
			return "OK"
		}
		return "NO"

	case "LIST":
		if len(parts) < 2 || parts[1] == "" {
			return "ERROR: unrecognised command"
		}
		return strings.Join(s.List(parts[1]), ",")

	default:
		return "ERROR: unrecognised command"
	}
}
