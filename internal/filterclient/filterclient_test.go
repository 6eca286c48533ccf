package filterclient

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/phayes/freeport"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/parlorchat/parlor/internal/wordfilter"
)

func init() {
	var ignore bytes.Buffer
	logignore := bufio.NewWriter(&ignore)
	log.SetOutput(logignore)
}

func TestFilter(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}

	addr := "127.0.0.1:" + strconv.Itoa(port)

	f := wordfilter.New([]string{"mundo"})
	go func() {
		if err := f.Serve(ctx, addr); err != nil {
			t.Errorf("serve: %s", err.Error())
		}
	}()

	time.Sleep(100 * time.Millisecond)

	c := New(addr)

	assert.Equal(t, "hello *****", c.Filter(ctx, "hello mundo"))
	assert.Equal(t, "all clean", c.Filter(ctx, "all clean"))
}

func TestFilterUnavailablePassesThrough(t *testing.T) {

	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}

	// nothing is listening here; filtering degrades, delivery goes on
	c := New("127.0.0.1:" + strconv.Itoa(port))
	c.Timeout = 500 * time.Millisecond

	assert.Equal(t, "hello mundo", c.Filter(context.Background(), "hello mundo"))
}
