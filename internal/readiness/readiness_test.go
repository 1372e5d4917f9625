package readiness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arencloud/hoadesk/internal/notify"
	"github.com/arencloud/hoadesk/internal/session"
	"github.com/arencloud/hoadesk/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	exists    bool
	existsErr error
	makeErr   error
	listErr   error
	panicOn   string

	// when set, MakeBucket signals entered and waits for release
	entered chan struct{}
	release chan struct{}

	existsCalls atomic.Int32
	makeCalls   atomic.Int32
	listCalls   atomic.Int32
}

func (f *fakeStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.existsCalls.Add(1)
	if f.panicOn == "exists" {
		panic(errors.New("driver exploded"))
	}
	return f.exists, f.existsErr
}

func (f *fakeStore) MakeBucket(ctx context.Context, bucket, region string) error {
	f.makeCalls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.makeErr == nil {
		f.exists = true
	}
	return f.makeErr
}

func (f *fakeStore) ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]storage.Object, error) {
	f.listCalls.Add(1)
	if limit != 1 {
		panic("probe must list at most one object")
	}
	return nil, f.listErr
}

type toastRecorder struct {
	mu     sync.Mutex
	toasts []notify.Toast
}

func (r *toastRecorder) Notify(_ string, t notify.Toast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, t)
}

func (r *toastRecorder) all() []notify.Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Toast(nil), r.toasts...)
}

var sess = &session.Session{ID: "s1", UserID: 1, Role: "editor"}

func newChecker(f *fakeStore, autoCreate bool) (*Checker, *toastRecorder) {
	rec := &toastRecorder{}
	return NewChecker(f, Options{Bucket: "documents", AutoCreate: autoCreate, Notifier: rec}), rec
}

func requireFailed(t *testing.T, st Status) {
	t.Helper()
	assert.False(t, st.Ready)
	assert.False(t, st.Loading)
	assert.False(t, st.Creating)
	require.NotNil(t, st.ErrorMessage)
}

func requireReady(t *testing.T, st Status) {
	t.Helper()
	assert.True(t, st.Ready)
	assert.False(t, st.Loading)
	assert.False(t, st.Creating)
	assert.Nil(t, st.ErrorMessage)
	assert.Equal(t, KindNone, st.ErrorKind)
}

func TestNoSessionSkipsStorage(t *testing.T) {
	f := &fakeStore{exists: true}
	c, rec := newChecker(f, true)

	st := c.Check(context.Background(), nil)

	requireFailed(t, st)
	assert.Equal(t, KindAuthRequired, st.ErrorKind)
	assert.Contains(t, *st.ErrorMessage, "Authentication required")
	assert.Zero(t, f.existsCalls.Load())
	assert.Zero(t, f.listCalls.Load())
	assert.Empty(t, rec.all())
}

func TestBucketExistsAndAccessible(t *testing.T) {
	f := &fakeStore{exists: true}
	c, rec := newChecker(f, false)

	st := c.Check(context.Background(), sess)

	requireReady(t, st)
	assert.Empty(t, st.Guidance)
	assert.Zero(t, f.makeCalls.Load())
	assert.EqualValues(t, 1, f.listCalls.Load())
	assert.Empty(t, rec.all(), "automatic success is silent")
}

func TestBucketExistsButInaccessible(t *testing.T) {
	f := &fakeStore{exists: true, listErr: &storage.OpError{Op: "list-objects", Kind: storage.ErrAccessDenied, Err: errors.New("AccessDenied")}}
	c, rec := newChecker(f, false)

	st := c.Check(context.Background(), sess)

	requireFailed(t, st)
	assert.Equal(t, KindBucketInaccessible, st.ErrorKind)
	assert.Contains(t, *st.ErrorMessage, "not accessible")
	assert.Contains(t, *st.ErrorMessage, "exists")
	toasts := rec.all()
	require.Len(t, toasts, 1)
	assert.Equal(t, notify.LevelError, toasts[0].Level)
}

func TestBucketMissingAndCreationFails(t *testing.T) {
	f := &fakeStore{exists: false, makeErr: errors.New("AccessDenied")}
	c, _ := newChecker(f, true)

	st := c.Check(context.Background(), sess)

	requireFailed(t, st)
	assert.Equal(t, KindBucketMissing, st.ErrorKind)
	assert.Contains(t, *st.ErrorMessage, "does not exist")
	assert.EqualValues(t, 1, f.makeCalls.Load())
	assert.Zero(t, f.listCalls.Load())
}

func TestAutomaticCheckWithoutAutoCreateNeverCreates(t *testing.T) {
	f := &fakeStore{exists: false}
	c, _ := newChecker(f, false)

	st := c.Check(context.Background(), sess)

	requireFailed(t, st)
	assert.Equal(t, KindBucketMissing, st.ErrorKind)
	assert.Zero(t, f.makeCalls.Load())
	assert.Equal(t, GuidanceInitializing, st.Guidance)
}

func TestExistenceErrorIsSwallowed(t *testing.T) {
	f := &fakeStore{existsErr: errors.New("dial tcp: connection refused")}
	c, _ := newChecker(f, true)
	assert.False(t, c.EnsureBucketExists(context.Background(), true))
	assert.Zero(t, f.makeCalls.Load())
}

func TestEnsureBucketExistsTreatsOwnedAsSuccess(t *testing.T) {
	f := &fakeStore{makeErr: &storage.OpError{Op: "make-bucket", Kind: storage.ErrBucketExists, Err: errors.New("BucketAlreadyOwnedByYou")}}
	c, _ := newChecker(f, true)
	assert.True(t, c.EnsureBucketExists(context.Background(), true))
}

func TestRetryCreatesMissingBucket(t *testing.T) {
	f := &fakeStore{exists: false}
	c, rec := newChecker(f, false)

	st := c.Check(context.Background(), sess)
	requireFailed(t, st)

	st, started := c.RetryCheck(context.Background(), sess)
	require.True(t, started)
	requireReady(t, st)
	assert.Equal(t, 1, st.RetryCount)
	assert.EqualValues(t, 1, f.makeCalls.Load())

	toasts := rec.all()
	require.Len(t, toasts, 2)
	assert.Equal(t, notify.LevelError, toasts[0].Level)
	assert.Equal(t, notify.LevelSuccess, toasts[1].Level)
}

func TestRetryCounterChangesGuidanceOnly(t *testing.T) {
	f := &fakeStore{makeErr: errors.New("denied")}
	c, _ := newChecker(f, false)

	var st Status
	for i := 1; i <= DefaultMaxRetries+1; i++ {
		var started bool
		st, started = c.RetryCheck(context.Background(), sess)
		require.True(t, started, "attempt %d", i)
		assert.Equal(t, i, st.RetryCount)
		requireFailed(t, st)
		if i < DefaultMaxRetries {
			assert.Equal(t, GuidanceInitializing, st.Guidance)
			assert.False(t, st.RetriesExhausted)
		} else {
			assert.Equal(t, GuidanceCheckSettings, st.Guidance)
			assert.True(t, st.RetriesExhausted)
		}
	}
	assert.EqualValues(t, DefaultMaxRetries+1, f.makeCalls.Load(), "exhaustion does not block retries")
}

func TestCheckStorageStatusResetsRetryCount(t *testing.T) {
	f := &fakeStore{makeErr: errors.New("denied")}
	c, _ := newChecker(f, false)
	for i := 0; i < 5; i++ {
		c.RetryCheck(context.Background(), sess)
	}
	require.Equal(t, 5, c.Status().RetryCount)

	st := c.CheckStorageStatus(context.Background(), sess)
	assert.Equal(t, 0, st.RetryCount)
	assert.False(t, st.RetriesExhausted)

	f.exists = true
	f.makeErr = nil
	st = c.CheckStorageStatus(context.Background(), sess)
	requireReady(t, st)
	assert.Equal(t, 0, st.RetryCount)
}

func TestConcurrentRetryIsNoOp(t *testing.T) {
	f := &fakeStore{exists: false, entered: make(chan struct{}), release: make(chan struct{})}
	c, _ := newChecker(f, false)

	done := make(chan Status)
	go func() {
		st, _ := c.RetryCheck(context.Background(), sess)
		done <- st
	}()
	<-f.entered

	inFlight := c.Status()
	assert.True(t, inFlight.Creating)
	assert.Nil(t, inFlight.ErrorMessage)
	assert.Equal(t, GuidanceChecking, inFlight.Guidance)

	st, started := c.RetryCheck(context.Background(), sess)
	assert.False(t, started)
	assert.Equal(t, inFlight, st)

	// the automatic check is excluded while creating, too
	assert.Equal(t, inFlight, c.Check(context.Background(), sess))

	close(f.release)
	final := <-done
	requireReady(t, final)
	assert.Equal(t, 1, final.RetryCount)
	assert.EqualValues(t, 1, f.makeCalls.Load())
}

func TestErrorClearedOnNewCheck(t *testing.T) {
	f := &fakeStore{exists: true, listErr: errors.New("denied")}
	c, _ := newChecker(f, false)
	requireFailed(t, c.Check(context.Background(), sess))

	ch, cancel := c.Subscribe()
	defer cancel()
	f.listErr = nil
	requireReady(t, c.CheckStorageStatus(context.Background(), sess))

	var sawChecking bool
	for {
		select {
		case s := <-ch:
			if s.Loading {
				sawChecking = true
				assert.Nil(t, s.ErrorMessage)
			}
			continue
		case <-time.After(10 * time.Millisecond):
		}
		break
	}
	assert.True(t, sawChecking)
}

func TestPanicBecomesUnexpected(t *testing.T) {
	f := &fakeStore{panicOn: "exists"}
	c, _ := newChecker(f, true)

	st := c.Check(context.Background(), sess)

	requireFailed(t, st)
	assert.Equal(t, KindUnexpected, st.ErrorKind)
	assert.Equal(t, "driver exploded", *st.ErrorMessage)
	assert.False(t, c.Status().Loading)
}

func TestCancelledContextIsUnexpected(t *testing.T) {
	f := &fakeStore{existsErr: context.Canceled}
	c, _ := newChecker(f, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := c.Check(ctx, sess)
	assert.Equal(t, KindUnexpected, st.ErrorKind)
	assert.Equal(t, context.Canceled.Error(), *st.ErrorMessage)
}

func TestPanicMessage(t *testing.T) {
	assert.Equal(t, "boom", panicMessage("boom"))
	assert.Equal(t, MsgUnknown, panicMessage(""))
	assert.Equal(t, MsgUnknown, panicMessage(42))
	assert.Equal(t, "x", panicMessage(errors.New("x")))
}

func TestCloseEndsSubscriptions(t *testing.T) {
	c, _ := newChecker(&fakeStore{exists: true}, false)
	ch, cancel := c.Subscribe()
	c.Close()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func TestSubscribeAfterClose(t *testing.T) {
	c, _ := newChecker(&fakeStore{exists: true}, false)
	c.Close()
	ch, cancel := c.Subscribe()
	_, ok := <-ch
	assert.False(t, ok, "a closed checker must not leave subscribers waiting")
	cancel()
}
