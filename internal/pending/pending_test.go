package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardbridge/internal/protocol"
)

// TestResolveOnce verifies that the first matching response completes the
// request and a second response with the same nonce is ignored.
func TestResolveOnce(t *testing.T) {
	r := New()

	var sent string
	done := make(chan *protocol.Frame, 1)
	go func() {
		f, err := r.Do(context.Background(), "T", time.Second, func(nonce string) error {
			sent = nonce
			go func() {
				r.Resolve(&protocol.Frame{Kind: protocol.KindCustomReply, Nonce: nonce, Body: []byte(`1`)})
			}()
			return nil
		})
		if err != nil {
			t.Error(err)
		}
		done <- f
	}()

	select {
	case f := <-done:
		require.NotNil(t, f)
		assert.Equal(t, "T", f.Nonce)
		assert.Equal(t, "1", string(f.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
	}

	assert.Equal(t, "T", sent)
	assert.False(t, r.Resolve(&protocol.Frame{Nonce: "T"}), "late duplicate must be ignored")
	assert.Equal(t, 0, r.Len())
}

// TestTimeoutDeregisters checks a 100ms request against a silent peer.
func TestTimeoutDeregisters(t *testing.T) {
	r := New()

	start := time.Now()
	var nonce string
	_, err := r.Do(context.Background(), "", 100*time.Millisecond, func(n string) error {
		nonce = n
		return nil
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.NotEmpty(t, nonce)
	assert.False(t, r.Pending(nonce))
	assert.False(t, r.Resolve(&protocol.Frame{Nonce: nonce}), "stray response after timeout must not resolve")
	assert.Equal(t, 0, r.Len())
}

func TestSendFailureDeregisters(t *testing.T) {
	r := New()
	boom := errors.New("write failed")

	_, err := r.Do(context.Background(), "x", time.Second, func(string) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Len())
}

func TestDuplicateNonce(t *testing.T) {
	r := New()
	started := make(chan struct{})

	go func() {
		_, _ = r.Do(context.Background(), "dup", 300*time.Millisecond, func(string) error {
			close(started)
			return nil
		})
	}()
	<-started

	_, err := r.Do(context.Background(), "dup", time.Second, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrDuplicateNonce)
}

func TestContextCancel(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Do(ctx, "c", 5*time.Second, func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Len())
}

func TestCloseFailsWaiters(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	errs := make([]error, 3)

	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Do(context.Background(), "", 5*time.Second, func(string) error { return nil })
		}(i)
	}

	require.Eventually(t, func() bool { return r.Len() == 3 }, time.Second, 5*time.Millisecond)
	r.Close()
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}
	_, err := r.Do(context.Background(), "", time.Second, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

// TestConcurrentRequests resolves many overlapping requests out of order.
func TestConcurrentRequests(t *testing.T) {
	r := New()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := r.Do(context.Background(), "", time.Second, func(nonce string) error {
				go r.Resolve(&protocol.Frame{Nonce: nonce, Body: []byte(`"` + nonce + `"`)})
				return nil
			})
			if assert.NoError(t, err) {
				assert.Equal(t, `"`+f.Nonce+`"`, string(f.Body))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
