package s2s

import (
	"context"
	"errors"
	"sync"
)

// ErrPendingAbandoned is returned by [Pending.Wait] when the connect attempt
// was abandoned before it resolved.
var ErrPendingAbandoned = errors.New("s2s: session connect abandoned")

// Pending is a single-assignment handle to a session that is still being
// connected. Producers of audio can hold a Pending and block on it, so that
// work submitted before the connection is up is delivered in order once it
// is.
type Pending struct {
	once sync.Once
	done chan struct{}
	sess Session
	err  error
}

// NewPending returns an unresolved Pending.
func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Resolve completes p. Only the first call has an effect. A nil session with
// a nil error is recorded as [ErrPendingAbandoned].
func (p *Pending) Resolve(sess Session, err error) {
	p.once.Do(func() {
		if sess == nil && err == nil {
			err = ErrPendingAbandoned
		}
		p.sess, p.err = sess, err
		close(p.done)
	})
}

// Done is closed once p is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until p is resolved or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Session, error) {
	select {
	case <-p.done:
		return p.sess, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
