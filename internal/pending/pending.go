// Package pending correlates outbound requests with their responses.
//
// A Registry maps an opaque nonce to the caller waiting for it. The first
// frame carrying the nonce completes the wait; a deadline or context
// cancellation removes the entry so that late responses are dropped
// instead of resolving a finished request.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/dreamware/shardbridge/internal/protocol"
)

var (
	// ErrTimeout is returned when no response arrives before the deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrDuplicateNonce is returned when a nonce is already outstanding.
	ErrDuplicateNonce = errors.New("nonce already pending")
	// ErrClosed is returned to waiters when the registry is closed.
	ErrClosed = errors.New("registry closed")
)

// DefaultTimeout applies when a caller passes a zero timeout.
const DefaultTimeout = 30 * time.Second

// SendFunc transmits the request once its nonce is registered.
type SendFunc func(nonce string) error

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Frame
	closed  bool
}

func New() *Registry {
	return &Registry{waiters: make(map[string]chan *protocol.Frame)}
}

// NewNonce returns a fresh random nonce.
func NewNonce() string {
	return gonanoid.Must(14)
}

// Do registers nonce (generating one when empty), calls send and waits
// for the matching response, the timeout, or ctx, whichever comes first.
func (r *Registry) Do(ctx context.Context, nonce string, timeout time.Duration, send SendFunc) (*protocol.Frame, error) {
	if nonce == "" {
		nonce = NewNonce()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ch, err := r.register(nonce)
	if err != nil {
		return nil, err
	}

	if err := send(nonce); err != nil {
		r.forget(nonce)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return f, nil
	case <-timer.C:
		if f, ok := r.abandon(nonce, ch); ok {
			return f, nil
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		if f, ok := r.abandon(nonce, ch); ok {
			return f, nil
		}
		return nil, ctx.Err()
	}
}

// Resolve hands f to the waiter registered for f.Nonce. It reports false
// when nobody waits for the nonce, in which case the caller treats the
// frame as unsolicited.
func (r *Registry) Resolve(f *protocol.Frame) bool {
	if f == nil || f.Nonce == "" {
		return false
	}
	r.mu.Lock()
	ch, ok := r.waiters[f.Nonce]
	if ok {
		delete(r.waiters, f.Nonce)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

// Pending reports whether nonce is outstanding.
func (r *Registry) Pending(nonce string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.waiters[nonce]
	return ok
}

// Len returns the number of outstanding requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Close fails every outstanding request with ErrClosed. The registry
// refuses new requests afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for nonce, ch := range r.waiters {
		close(ch)
		delete(r.waiters, nonce)
	}
}

func (r *Registry) register(nonce string) (chan *protocol.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.waiters[nonce]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNonce, nonce)
	}
	// Buffered so Resolve never blocks on a waiter that is about to give up.
	ch := make(chan *protocol.Frame, 1)
	r.waiters[nonce] = ch
	return ch, nil
}

func (r *Registry) forget(nonce string) {
	r.mu.Lock()
	delete(r.waiters, nonce)
	r.mu.Unlock()
}

// abandon removes the waiter. If Resolve won the race the frame is
// already buffered in ch and is returned instead.
func (r *Registry) abandon(nonce string, ch chan *protocol.Frame) (*protocol.Frame, bool) {
	r.mu.Lock()
	_, still := r.waiters[nonce]
	if still {
		delete(r.waiters, nonce)
	}
	r.mu.Unlock()
	if still {
		return nil, false
	}
	f, ok := <-ch
	return f, ok && f != nil
}
