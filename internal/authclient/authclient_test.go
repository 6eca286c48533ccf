package authclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/phayes/freeport"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/parlorchat/parlor/internal/roster"
)

func init() {
	var ignore bytes.Buffer
	logignore := bufio.NewWriter(&ignore)
	log.SetOutput(logignore)
}

func TestAuthenticate(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}

	addr := "127.0.0.1:" + strconv.Itoa(port)

	store := roster.New()
	go func() {
		if err := store.Serve(ctx, addr); err != nil {
			t.Errorf("serve: %s", err.Error())
		}
	}()

	time.Sleep(100 * time.Millisecond)

	c := New(addr)

	ok, err := c.Authenticate(ctx, "1", "alice")
	assert.NoError(t, err)
	assert.True(t, ok)

	// a rejection is not an error, just a false
	ok, err = c.Authenticate(ctx, "1", "alice")
	assert.NoError(t, err)
	assert.False(t, ok)

	// logout is fire-and-forget; afterwards the name is free again
	c.Logout(ctx, "1", "alice")

	ok, err = c.Authenticate(ctx, "1", "alice")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestPeerUnavailable(t *testing.T) {

	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}

	// nothing is listening here
	c := New("127.0.0.1:" + strconv.Itoa(port))
	c.Timeout = 500 * time.Millisecond

	ok, err := c.Authenticate(context.Background(), "1", "alice")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrPeerUnavailable))

	// logout against a dead peer must not panic or propagate
	c.Logout(context.Background(), "1", "alice")
}
