package status

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phayes/freeport"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/parlorchat/parlor/internal/hub"
)

func init() {
	var ignore bytes.Buffer
	logignore := bufio.NewWriter(&ignore)
	log.SetOutput(logignore)
}

// populatedRegistry returns a registry with one client and one
// recorded broadcast
func populatedRegistry(t *testing.T) *hub.Registry {

	r := hub.New()

	ours, theirs := net.Pipe()
	t.Cleanup(func() {
		ours.Close()
		theirs.Close()
	})

	c := hub.NewClient(ours, "alice")
	r.Add(c)

	go func() {
		reader := bufio.NewReader(theirs)
		if _, err := reader.ReadString('\n'); err != nil {
			t.Errorf("read: %s", err.Error())
		}
	}()

	sender, senderFar := net.Pipe()
	t.Cleanup(func() {
		sender.Close()
		senderFar.Close()
	})
	s := hub.NewClient(sender, "bob")
	r.Add(s)
	r.BroadcastExcept(s, "a line")

	return r
}

func TestStatusEndpoint(t *testing.T) {

	s := New(Config{Port: 0, Room: "1", Registry: populatedRegistry(t)})

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report Report
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&report))

	assert.Equal(t, "1", report.Room)
	assert.Equal(t, 2, report.Stats.Clients)
	assert.Equal(t, uint64(1), report.Stats.Bytes.Count)
	assert.Len(t, report.Clients, 2)
}

func TestMetricsEndpoint(t *testing.T) {

	s := New(Config{Port: 0, Room: "1", Registry: populatedRegistry(t)})

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}

	text := body.String()
	assert.Contains(t, text, `parlor_hub_active_clients{room="1"} 2`)
	assert.Contains(t, text, `parlor_hub_broadcasts_total{room="1"} 1`)
	assert.Contains(t, text, "parlor_hub_broadcast_audience_mean")
}

func TestWsStatusStream(t *testing.T) {

	s := New(Config{Port: 0, Room: "1", Registry: populatedRegistry(t), Interval: 10 * time.Millisecond})

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/status"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}

	var first, second Report
	assert.NoError(t, conn.ReadJSON(&first))
	assert.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, "1", first.Room)
	assert.Equal(t, 2, first.Stats.Clients)
}

func TestWsStreamEndsOnShutdown(t *testing.T) {

	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}

	s := New(Config{Port: port, Room: "1", Registry: populatedRegistry(t), Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- s.Serve(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	url := "ws://127.0.0.1:" + strconv.Itoa(port) + "/ws/status"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}

	var report Report
	assert.NoError(t, conn.ReadJSON(&report))

	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for serve to return")
	}

	// the stream must not linger past shutdown: the push loop ends and
	// closes the connection, ending our reads
	deadline := time.Now().Add(2 * time.Second)
	var readErr error
	for time.Now().Before(deadline) {
		if readErr = conn.ReadJSON(&report); readErr != nil {
			break
		}
	}
	assert.Error(t, readErr)
}
