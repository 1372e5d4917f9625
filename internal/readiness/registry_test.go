package readiness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arencloud/hoadesk/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryChecksOncePerSession(t *testing.T) {
	f := &fakeStore{exists: true}
	r := NewRegistry(f, Options{Bucket: "documents"})

	c1, st := r.Acquire(context.Background(), sess)
	requireReady(t, st)
	c2, st := r.Acquire(context.Background(), sess)
	requireReady(t, st)

	assert.Same(t, c1, c2)
	assert.EqualValues(t, 1, f.existsCalls.Load(), "second acquire must not re-check")
	assert.Equal(t, 1, r.Len())
	assert.Same(t, c1, r.Get(sess.ID))
}

func TestRegistrySessionsAreIndependent(t *testing.T) {
	f := &fakeStore{exists: true}
	r := NewRegistry(f, Options{Bucket: "documents"})

	other := &session.Session{ID: "s2"}
	r.Acquire(context.Background(), sess)
	c2, _ := r.Acquire(context.Background(), other)
	c2.RetryCheck(context.Background(), other)

	assert.Equal(t, 0, r.Get(sess.ID).Status().RetryCount)
	assert.Equal(t, 1, r.Get(other.ID).Status().RetryCount)
	assert.EqualValues(t, 3, f.existsCalls.Load())
}

func TestRegistryReleaseDiscardsState(t *testing.T) {
	f := &fakeStore{exists: true}
	r := NewRegistry(f, Options{Bucket: "documents"})

	c, _ := r.Acquire(context.Background(), sess)
	ch, _ := c.Subscribe()
	require.True(t, r.Release(sess.ID))
	assert.False(t, r.Release(sess.ID))
	assert.Nil(t, r.Get(sess.ID))
	assert.Equal(t, 0, r.Len())
	_, ok := <-ch
	assert.False(t, ok)

	r.Acquire(context.Background(), sess)
	assert.EqualValues(t, 2, f.existsCalls.Load(), "a fresh mount checks again")
}

func TestRegistryNilSession(t *testing.T) {
	f := &fakeStore{exists: true}
	r := NewRegistry(f, Options{Bucket: "documents"})
	_, st := r.Acquire(context.Background(), nil)
	assert.Equal(t, KindAuthRequired, st.ErrorKind)
	assert.Equal(t, 0, r.Len())
	assert.Zero(t, f.existsCalls.Load())
}

func TestRegistryDiscardsExpiredSessions(t *testing.T) {
	f := &fakeStore{exists: true}
	r := NewRegistry(f, Options{Bucket: "documents"})
	now := time.Now()
	r.now = func() time.Time { return now }

	var subs []<-chan Status
	for i := 0; i < 100; i++ {
		s := &session.Session{ID: fmt.Sprintf("short-%d", i), ExpiresAt: now.Add(time.Millisecond)}
		c, _ := r.Acquire(context.Background(), s)
		ch, _ := c.Subscribe()
		subs = append(subs, ch)
	}
	r.Acquire(context.Background(), sess)
	require.Equal(t, 101, r.Len())

	now = now.Add(time.Second)
	assert.Nil(t, r.Get("short-0"))
	assert.Equal(t, 100, r.Sweep())
	assert.Equal(t, 1, r.Len(), "sessions without expiry stay")
	for _, ch := range subs {
		_, ok := <-ch
		assert.False(t, ok)
	}
}

func TestRegistryAcquireSweepsExpired(t *testing.T) {
	f := &fakeStore{exists: true}
	r := NewRegistry(f, Options{Bucket: "documents"})
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Acquire(context.Background(), &session.Session{ID: "old", ExpiresAt: now.Add(time.Minute)})
	now = now.Add(time.Hour)
	r.Acquire(context.Background(), &session.Session{ID: "new", ExpiresAt: now.Add(time.Minute)})
	assert.Equal(t, 1, r.Len())
	assert.NotNil(t, r.Get("new"))
}

func TestRegistryRunStopsWithContext(t *testing.T) {
	r := NewRegistry(&fakeStore{exists: true}, Options{Bucket: "documents"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Millisecond) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegistryMountSkipsAutomaticCheck(t *testing.T) {
	f := &fakeStore{exists: true}
	r := NewRegistry(f, Options{Bucket: "documents"})
	c := r.Mount(sess)
	assert.Same(t, c, r.Mount(sess))
	assert.Zero(t, f.existsCalls.Load())
	st, started := c.RetryCheck(context.Background(), sess)
	require.True(t, started)
	requireReady(t, st)
	assert.EqualValues(t, 1, f.existsCalls.Load())
}
