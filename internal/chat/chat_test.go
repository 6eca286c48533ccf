package chat

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/phayes/freeport"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/parlorchat/parlor/internal/roster"
	"github.com/parlorchat/parlor/internal/wordfilter"
)

func init() {
	var ignore bytes.Buffer
	logignore := bufio.NewWriter(&ignore)
	log.SetOutput(logignore)
}

// rig is a complete chat hub with live auth and filter services
type rig struct {
	addr   string
	store  *roster.Store
	svc    *Service
	closed chan struct{}
	errc   chan error
	cancel context.CancelFunc
}

// newRig starts auth, filter and hub services on free ports.
// Pass empty addrs to deadAuth/deadFilter to run those services; a
// non-empty value is used as-is (point it at an unused port to test
// peer failure).
func newRig(t *testing.T, words []string, deadAuth, deadFilter string) *rig {

	ports, err := freeport.GetFreePorts(3)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &rig{
		store:  roster.New(),
		closed: make(chan struct{}),
		errc:   make(chan error, 1),
		cancel: cancel,
	}

	authAddr := deadAuth
	if authAddr == "" {
		authAddr = "127.0.0.1:" + strconv.Itoa(ports[0])
		go func() {
			if err := r.store.Serve(ctx, authAddr); err != nil {
				t.Errorf("auth serve: %s", err.Error())
			}
		}()
	}

	filterAddr := deadFilter
	if filterAddr == "" {
		filterAddr = "127.0.0.1:" + strconv.Itoa(ports[1])
		go func() {
			if err := wordfilter.New(words).Serve(ctx, filterAddr); err != nil {
				t.Errorf("filter serve: %s", err.Error())
			}
		}()
	}

	r.addr = "127.0.0.1:" + strconv.Itoa(ports[2])

	r.svc = New(Config{
		Host:            "127.0.0.1",
		Port:            ports[2],
		Room:            "1",
		AuthAddr:        authAddr,
		FilterAddr:      filterAddr,
		ShutdownTimeout: 2 * time.Second,
	})

	go func() {
		r.errc <- r.svc.Serve(r.closed)
	}()

	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		select {
		case <-r.closed:
		default:
			close(r.closed)
		}
		cancel()
	})

	return r
}

// deadAddr returns an address nothing is listening on
func deadAddr(t *testing.T) string {
	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}
	return "127.0.0.1:" + strconv.Itoa(port)
}

// chatClient wraps one client connection to the hub
type chatClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *chatClient {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &chatClient{conn: conn, reader: bufio.NewReader(conn)}
}

// readPrompt consumes the username prompt, which is not newline
// terminated
func (c *chatClient) readPrompt(t *testing.T) {
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.reader.ReadString(':'); err != nil {
		t.Fatalf("reading prompt: %s", err.Error())
	}
	if _, err := c.reader.ReadByte(); err != nil { // the trailing space
		t.Fatal(err)
	}
}

func (c *chatClient) send(t *testing.T, line string) {
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
}

func (c *chatClient) readLine(t *testing.T) string {
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading line: %s", err.Error())
	}
	return strings.TrimRight(line, "\n")
}

// expectSilence asserts no data arrives within d
func (c *chatClient) expectSilence(t *testing.T, d time.Duration) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		t.Fatal(err)
	}
	if b, err := c.reader.Peek(1); err == nil {
		t.Fatalf("expected silence, got %q", string(b))
	}
}

// join connects and authenticates a user
func join(t *testing.T, addr, username string) *chatClient {
	c := dial(t, addr)
	c.readPrompt(t)
	c.send(t, username)
	return c
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, cond func() bool, what string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

var broadcastRe = regexp.MustCompile(`^\[alice \| \d{2}:\d{2}\]: hello \*\*\*\*\*$`)

func TestScenario(t *testing.T) {

	// the end-to-end story: alice holds her name, a second alice is
	// rejected, and carol sees alice's line filtered and stamped
	r := newRig(t, []string{"mundo"}, "", "")

	alice := join(t, r.addr, "alice")
	waitFor(t, func() bool { return r.svc.Registry().Count() == 1 }, "alice to register")

	impostor := join(t, r.addr, "alice")
	assert.Equal(t, "Username in use. Connection closed.", impostor.readLine(t))

	carol := join(t, r.addr, "carol")
	assert.Equal(t, "* carol has joined", alice.readLine(t))

	alice.send(t, "hello mundo")

	line := carol.readLine(t)
	assert.Regexp(t, broadcastRe, line)

	// broadcast exclusion: the sender never hears its own message
	alice.expectSilence(t, 200*time.Millisecond)
}

func TestAuthServiceUnavailable(t *testing.T) {

	r := newRig(t, nil, deadAddr(t), "")

	c := join(t, r.addr, "alice")

	// distinct from the name-in-use rejection
	assert.Equal(t, "The authentication service is unavailable right now. Please try again later.", c.readLine(t))

	assert.Equal(t, 0, r.svc.Registry().Count())
}

func TestFilterUnavailablePassesThrough(t *testing.T) {

	r := newRig(t, nil, "", deadAddr(t))

	alice := join(t, r.addr, "alice")
	bob := join(t, r.addr, "bob")
	alice.readLine(t) // "* bob has joined"

	alice.send(t, "hello mundo")

	// delivery continues unfiltered
	assert.True(t, strings.HasSuffix(bob.readLine(t), "]: hello mundo"))
}

func TestExitReleasesName(t *testing.T) {

	r := newRig(t, nil, "", "")

	alice := join(t, r.addr, "alice")
	bob := join(t, r.addr, "bob")
	alice.readLine(t) // "* bob has joined"

	alice.send(t, "/Exit") // case-insensitive

	assert.Equal(t, "* alice has left", bob.readLine(t))

	waitFor(t, func() bool {
		users := r.store.List("1")
		return len(users) == 1 && users[0] == "bob"
	}, "alice's logout to reach the registry")

	// the name is free for a newcomer
	alice2 := join(t, r.addr, "alice")
	assert.Equal(t, "* alice has joined", bob.readLine(t))
	alice2.expectSilence(t, 100*time.Millisecond)
}

func TestEmptyUsernameDisconnects(t *testing.T) {

	r := newRig(t, nil, "", "")

	c := dial(t, r.addr)
	c.readPrompt(t)
	c.send(t, "")

	// connection closes without any registry traffic
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, err := c.reader.ReadString('\n')
	assert.Error(t, err)
	assert.Equal(t, []string{}, r.store.List("1"))
}

func TestEmptyLinesIgnored(t *testing.T) {

	r := newRig(t, nil, "", "")

	alice := join(t, r.addr, "alice")
	bob := join(t, r.addr, "bob")
	alice.readLine(t) // "* bob has joined"

	alice.send(t, "")
	alice.send(t, "   ")
	alice.send(t, "ping")

	assert.True(t, strings.HasSuffix(bob.readLine(t), "]: ping"))
	bob.expectSilence(t, 100*time.Millisecond)
}

func TestInvalidBytesDisconnect(t *testing.T) {

	r := newRig(t, nil, "", "")

	alice := join(t, r.addr, "alice")
	bob := join(t, r.addr, "bob")
	alice.readLine(t) // "* bob has joined"

	if _, err := alice.conn.Write([]byte{0xff, 0xfe, 0xfd, '\n'}); err != nil {
		t.Fatal(err)
	}

	// alice is disconnected, everyone else carries on
	assert.Equal(t, "* alice has left", bob.readLine(t))

	waitFor(t, func() bool {
		users := r.store.List("1")
		return len(users) == 1 && users[0] == "bob"
	}, "alice's slot to be released")
}

func TestDisconnectCleanup(t *testing.T) {

	r := newRig(t, nil, "", "")

	alice := join(t, r.addr, "alice")
	bob := join(t, r.addr, "bob")
	alice.readLine(t) // "* bob has joined"

	// abrupt EOF, no /exit
	alice.conn.Close()

	assert.Equal(t, "* alice has left", bob.readLine(t))

	waitFor(t, func() bool { return r.svc.Registry().Count() == 1 }, "alice to leave the registry")
	waitFor(t, func() bool { return len(r.store.List("1")) == 1 }, "alice's slot to be released")
}

func TestShutdown(t *testing.T) {

	r := newRig(t, nil, "", "")

	alice := join(t, r.addr, "alice")
	join(t, r.addr, "bob")
	alice.readLine(t) // "* bob has joined"

	waitFor(t, func() bool { return r.svc.Registry().Count() == 2 }, "both clients to register")

	close(r.closed)

	select {
	case err := <-r.errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for serve to return")
	}

	// shutting down again has no additional observable effect
	r.svc.Shutdown()

	// all connections are closed
	if err := alice.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	_, err := alice.reader.ReadString('\n')
	assert.Error(t, err)

	// no new connections are accepted
	conn, err := net.Dial("tcp", r.addr)
	if err == nil {
		conn.Close()
		t.Fatal("expected dial to fail after shutdown")
	}

	// every slot was released on the way down
	waitFor(t, func() bool { return len(r.store.List("1")) == 0 }, "all slots to be released")
}

func TestBindFailureIsFatal(t *testing.T) {

	ports, err := freeport.GetFreePorts(1)
	if err != nil {
		t.Fatal(err)
	}

	// occupy the port first
	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(ports[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	s := New(Config{
		Host:     "127.0.0.1",
		Port:     ports[0],
		Room:     "1",
		AuthAddr: "127.0.0.1:1", FilterAddr: "127.0.0.1:1",
	})

	assert.Error(t, s.Serve(make(chan struct{})))
}
