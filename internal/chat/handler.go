package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/parlorchat/parlor/internal/authclient"
	"github.com/parlorchat/parlor/internal/hub"
)

// connState is the connection handler's lifecycle state
type connState int

const (
	connecting connState = iota
	authenticating
	active
	closing
	closed
)

func (s connState) String() string {
	switch s {
	case connecting:
		return "connecting"
	case authenticating:
		return "authenticating"
	case active:
		return "active"
	case closing:
		return "closing"
	case closed:
		return "closed"
	default:
		return "unknown"
	}
}

const exitCommand = "/exit"

// handler drives one connection through
// connecting -> authenticating -> active -> closing -> closed
type handler struct {
	svc    *Service
	conn   net.Conn
	reader *bufio.Reader
	state  connState

	username string
	client   *hub.Client // nil until registered

	teardownOnce sync.Once
}

// handle runs the state machine for one accepted connection
func (s *Service) handle(conn net.Conn) {

	h := &handler{
		svc:    s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		state:  connecting,
	}

	log.WithField("from", conn.RemoteAddr().String()).Info("chat: client connected")

	h.run()
}

func (h *handler) run() {

	for h.state != closed {

		switch h.state {
		case connecting:
			h.state = h.connect()
		case authenticating:
			h.state = h.authenticate()
		case active:
			h.state = h.relay()
		case closing:
			h.teardown()
			h.state = closed
		}
	}
}

// connect prompts for and reads the username
func (h *handler) connect() connState {

	if _, err := h.conn.Write([]byte("Enter your username: ")); err != nil {
		return closing
	}

	line, err := h.reader.ReadString('\n')
	if err != nil {
		return closing
	}

	h.username = strings.TrimSpace(line)
	if h.username == "" {
		return closing
	}

	return authenticating
}

// authenticate claims the username in this hub's room. The two failure
// modes get distinct client messages: a rejection means the name is
// taken, an unreachable registry means try again later.
func (h *handler) authenticate() connState {

	ok, err := h.svc.auth.Authenticate(context.Background(), h.svc.config.Room, h.username)

	if errors.Is(err, authclient.ErrPeerUnavailable) {
		log.WithField("user", h.username).Warnf("chat: cannot authenticate because %s", err.Error())
		h.notify("The authentication service is unavailable right now. Please try again later.")
		return closing
	}

	if !ok {
		log.WithFields(log.Fields{"room": h.svc.config.Room, "user": h.username}).Info("chat: username in use")
		h.notify("Username in use. Connection closed.")
		return closing
	}

	h.client = hub.NewClient(h.conn, h.username)
	h.svc.registry.Add(h.client)

	log.WithFields(log.Fields{"room": h.svc.config.Room, "user": h.username, "id": h.client.ID}).Info("chat: user joined")

	h.svc.registry.BroadcastExcept(h.client, fmt.Sprintf("* %s has joined", h.username))

	return active
}

// relay is the authenticated read loop: one line in, one filter
// round-trip, one broadcast out
func (h *handler) relay() connState {

	for {
		line, err := h.reader.ReadString('\n')
		if err != nil {
			return closing
		}

		text := strings.TrimSpace(line)

		if !utf8.ValidString(text) {
			log.WithField("user", h.username).Warn("chat: invalid byte sequence received, disconnecting")
			return closing
		}

		if text == "" {
			continue
		}

		if strings.EqualFold(text, exitCommand) {
			log.WithField("user", h.username).Info("chat: user left with /exit")
			return closing
		}

		filtered := h.svc.filter.Filter(context.Background(), text)

		h.svc.registry.BroadcastExcept(h.client, fmt.Sprintf("[%s | %s]: %s", h.username, time.Now().Format("15:04"), filtered))
	}
}

// teardown runs the closing sequence exactly once, whichever path got
// us here (EOF, /exit, bad bytes, or a forced close during shutdown):
// deregister, best-effort logout, announce departure, close the stream.
func (h *handler) teardown() {

	h.teardownOnce.Do(func() {

		if h.client != nil {
			h.svc.registry.Remove(h.client)
			h.svc.auth.Logout(context.Background(), h.svc.config.Room, h.username)
			h.svc.registry.BroadcastExcept(h.client, fmt.Sprintf("* %s has left", h.username))
			h.client.Close()
		}

		h.conn.Close()

		log.WithFields(log.Fields{"from": h.conn.RemoteAddr().String(), "user": h.username}).Info("chat: client disconnected")
	})
}

// notify makes a best-effort attempt to tell the client why it is
// being disconnected
func (h *handler) notify(text string) {
	if _, err := h.conn.Write([]byte(text + "\n")); err != nil {
		log.Debugf("chat: notify failed because %s", err.Error())
	}
}
