// Package wordfilter implements the profanity filter service: tokens
// matching a forbidden-word list are masked with asterisks before a
// line is returned to the caller.
package wordfilter

import (
	"bufio"
	"context"
	"net"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
)

// DefaultWords is the forbidden list used when no word list is configured
var DefaultWords = []string{"mala", "groseria", "insulto", "palabra1", "palabra2", "palabra3"}

// Filter masks forbidden words in submitted lines
type Filter struct {
	words map[string]bool
}

// New returns a pointer to a Filter forbidding the given words,
// matched case-insensitively
func New(words []string) *Filter {

	f := &Filter{words: make(map[string]bool)}

	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			f.words[w] = true
		}
	}

	return f
}

// Mask splits text on whitespace, replaces each token whose lowercased
// form is forbidden with an equal-length run of asterisks, and rejoins
// with single spaces. Internal whitespace is therefore normalised - a
// deliberate side effect of tokenising. Masked tokens are all-asterisk
// and never themselves forbidden, so Mask is idempotent on its output.
func (f *Filter) Mask(text string) string {

	tokens := strings.Fields(text)

	for i, token := range tokens {
		if f.words[strings.ToLower(token)] {
			// one asterisk per character, not per byte
			tokens[i] = strings.Repeat("*", utf8.RuneCountInString(token))
		}
	}

	return strings.Join(tokens, " ")
}

// Serve listens at addr and filters lines until ctx is cancelled. The
// bind error is returned so the caller can treat it as fatal.
func (f *Filter) Serve(ctx context.Context, addr string) error {

	lc := &net.ListenConfig{}

	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log.WithField("addr", l.Addr().String()).Info("wordfilter: awaiting connections")

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf("wordfilter: failed to accept connection because %s", err.Error())
			continue
		}
		go f.handle(ctx, conn)
	}
}

// handle filters one line per request on a persistent connection
func (f *Filter) handle(ctx context.Context, conn net.Conn) {

	defer conn.Close()

	log.WithField("from", conn.RemoteAddr().String()).Debug("wordfilter: new connection")

	scanner := bufio.NewScanner(conn)

	for scanner.Scan() {

		if ctx.Err() != nil {
			return
		}

		masked := f.Mask(scanner.Text())

		if _, err := conn.Write([]byte(masked + "\n")); err != nil {
			log.Debugf("wordfilter: write failed because %s", err.Error())
			return
		}
	}
}
