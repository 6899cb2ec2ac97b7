// Package halt provides the cooperative stop token shared by the collector
// and the batch runner. A request is advisory: work already waiting on the
// remote surface finishes its current wait and observes the token at the
// next checkpoint.
package halt

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRequested is returned by Sleep when the token fires during the wait.
var ErrRequested = errors.New("stop requested")

// Token is a one-shot stop flag. The zero value is not usable; use New.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

func New() *Token {
	return &Token{ch: make(chan struct{})}
}

// Request marks the token as stopped. Safe to call more than once.
func (t *Token) Request() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.ch) })
}

// Requested reports whether Request has been called. A nil token never fires.
func (t *Token) Requested() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on Request. Nil tokens return a nil channel.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ch
}

// Sleep waits for d unless ctx ends or the token fires first.
func Sleep(ctx context.Context, tok *Token, d time.Duration) error {
	if tok.Requested() {
		return ErrRequested
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tok.Done():
		return ErrRequested
	case <-timer.C:
		return nil
	}
}
