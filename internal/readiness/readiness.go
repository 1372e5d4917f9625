// Package readiness decides whether the documents bucket can be used by a
// session. A bucket is ready only when it exists (or was just created) and a
// minimal list against it succeeds: existence and access are checked
// separately because a bucket can exist while the principal cannot use it.
//
// Each session owns one Checker. The Checker runs one automatic check when it
// is acquired and afterwards only re-checks on explicit user action; failures
// are recorded in the Status and never returned as errors.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/metrics"
	"github.com/arencloud/hoadesk/internal/notify"
	"github.com/arencloud/hoadesk/internal/session"
	"github.com/arencloud/hoadesk/internal/storage"
)

const DefaultMaxRetries = 3

// ErrorKind classifies why the bucket is not ready.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindAuthRequired       ErrorKind = "auth_required"
	KindBucketMissing      ErrorKind = "bucket_missing"
	KindBucketInaccessible ErrorKind = "bucket_inaccessible"
	KindUnexpected         ErrorKind = "unexpected"
)

const (
	MsgAuthRequired       = "Authentication required to access document storage"
	MsgBucketMissing      = "Documents bucket does not exist or is not accessible"
	MsgBucketInaccessible = "Documents bucket exists but is not accessible"
	MsgUnknown            = "Unknown error"

	GuidanceChecking      = "Checking document storage..."
	GuidanceInitializing  = "Attempting to initialize document storage..."
	GuidanceCheckSettings = "Document storage could not be initialized. Please check your storage settings."
)

// Status is the per-session view of the documents bucket.
type Status struct {
	Ready        bool      `json:"ready"`
	Loading      bool      `json:"loading"`
	Creating     bool      `json:"creating"`
	RetryCount   int       `json:"retryCount"`
	ErrorMessage *string   `json:"errorMessage"`
	ErrorKind    ErrorKind `json:"errorKind,omitempty"`

	// Display tier only; derived from the fields above.
	RetriesExhausted bool   `json:"retriesExhausted"`
	Guidance         string `json:"guidance,omitempty"`
}

// Result is the outcome of a single check.
type Result struct {
	Ready   bool
	Kind    ErrorKind
	Message string
}

// Bucketer is the part of storage.Backend the checks need.
type Bucketer interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
	ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]storage.Object, error)
}

type Options struct {
	Bucket     string
	Region     string
	AutoCreate bool // let the automatic check create a missing bucket
	MaxRetries int
	Logger     logging.Logger
	Notifier   notify.Notifier
}

type Checker struct {
	store Bucketer
	opts  Options

	mu     sync.Mutex
	st     Status
	subs   map[chan Status]struct{}
	closed bool
}

func NewChecker(store Bucketer, opts Options) *Checker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Checker{store: store, opts: opts, subs: map[chan Status]struct{}{}}
}

// EnsureBucketExists reports whether the bucket exists, creating it first
// when forceCreate is set. Errors are logged and reported as false.
func (c *Checker) EnsureBucketExists(ctx context.Context, forceCreate bool) bool {
	bucket := c.opts.Bucket
	exists, err := c.store.BucketExists(ctx, bucket)
	if err != nil {
		c.opts.Logger.Warn("bucket existence check failed", "bucket", bucket, "error", err)
		return false
	}
	if exists {
		return true
	}
	if !forceCreate {
		c.opts.Logger.Info("bucket missing", "bucket", bucket)
		return false
	}
	if err := c.store.MakeBucket(ctx, bucket, c.opts.Region); err != nil {
		if errors.Is(err, storage.ErrBucketExists) {
			return true
		}
		c.opts.Logger.Warn("bucket creation failed", "bucket", bucket, "error", err)
		return false
	}
	c.opts.Logger.Info("bucket created", "bucket", bucket)
	return true
}

// TestBucketAccess lists at most one object to prove the bucket is usable.
func (c *Checker) TestBucketAccess(ctx context.Context) bool {
	if _, err := c.store.ListObjects(ctx, c.opts.Bucket, "", 1); err != nil {
		c.opts.Logger.Warn("bucket access probe failed", "bucket", c.opts.Bucket, "error", err)
		return false
	}
	return true
}

// Check runs the automatic check. It does nothing while another check or a
// retry is in flight and returns the current status in that case.
func (c *Checker) Check(ctx context.Context, sess *session.Session) Status {
	if !c.begin(false) {
		return c.Status()
	}
	res := c.run(ctx, sess, c.opts.AutoCreate)
	return c.finish("check", sess, res, false)
}

// RetryCheck is the manual retry: it counts the attempt, forces creation of
// a missing bucket and probes access again. The second return value is false
// when the call was ignored because a check was already in flight.
func (c *Checker) RetryCheck(ctx context.Context, sess *session.Session) (Status, bool) {
	if !c.begin(true) {
		metrics.RecordRetrySkipped()
		return c.Status(), false
	}
	res := c.run(ctx, sess, true)
	return c.finish("retry", sess, res, true), true
}

// CheckStorageStatus resets the retry counter and re-runs the automatic check.
func (c *Checker) CheckStorageStatus(ctx context.Context, sess *session.Session) Status {
	c.mu.Lock()
	c.st.RetryCount = 0
	c.publishLocked()
	c.mu.Unlock()
	if !c.begin(false) {
		return c.Status()
	}
	res := c.run(ctx, sess, c.opts.AutoCreate)
	return c.finish("check", sess, res, true)
}

func (c *Checker) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe streams a snapshot after every state change. Slow receivers
// miss intermediate snapshots. Subscribing to a closed Checker yields a
// closed channel.
func (c *Checker) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

// Close ends every subscription.
func (c *Checker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
}

// begin enters Checking or Creating. The guard and the flag are set in one
// critical section so concurrent callers cannot both start.
func (c *Checker) begin(creating bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.Loading || c.st.Creating {
		return false
	}
	if creating {
		c.st.Creating = true
		c.st.RetryCount++
	} else {
		c.st.Loading = true
	}
	c.st.ErrorMessage = nil
	c.st.ErrorKind = KindNone
	c.publishLocked()
	return true
}

func (c *Checker) run(ctx context.Context, sess *session.Session, forceCreate bool) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Kind: KindUnexpected, Message: panicMessage(r)}
		}
	}()
	if sess == nil {
		return Result{Kind: KindAuthRequired, Message: MsgAuthRequired}
	}
	if !c.EnsureBucketExists(ctx, forceCreate) {
		if err := ctx.Err(); err != nil {
			return Result{Kind: KindUnexpected, Message: err.Error()}
		}
		return Result{Kind: KindBucketMissing, Message: MsgBucketMissing}
	}
	if !c.TestBucketAccess(ctx) {
		if err := ctx.Err(); err != nil {
			return Result{Kind: KindUnexpected, Message: err.Error()}
		}
		return Result{Kind: KindBucketInaccessible, Message: MsgBucketInaccessible}
	}
	return Result{Ready: true}
}

func (c *Checker) finish(trigger string, sess *session.Session, res Result, userTriggered bool) Status {
	c.mu.Lock()
	c.st.Loading = false
	c.st.Creating = false
	c.st.Ready = res.Ready
	c.st.ErrorKind = res.Kind
	if res.Ready {
		c.st.ErrorMessage = nil
	} else {
		msg := res.Message
		if msg == "" {
			msg = MsgUnknown
		}
		c.st.ErrorMessage = &msg
	}
	c.publishLocked()
	st := c.snapshotLocked()
	c.mu.Unlock()

	result := "ready"
	if !res.Ready {
		result = string(res.Kind)
		c.opts.Logger.Error("document storage not ready", "trigger", trigger, "bucket", c.opts.Bucket, "kind", res.Kind, "error", *st.ErrorMessage, "retryCount", st.RetryCount)
	} else {
		c.opts.Logger.Info("document storage ready", "trigger", trigger, "bucket", c.opts.Bucket)
	}
	metrics.RecordStorageCheck(trigger, result)
	c.notify(sess, st, userTriggered)
	return st
}

func (c *Checker) notify(sess *session.Session, st Status, userTriggered bool) {
	if c.opts.Notifier == nil || sess == nil {
		return
	}
	switch {
	case !st.Ready:
		c.opts.Notifier.Notify(sess.ID, notify.Toast{Level: notify.LevelError, Title: "Document storage unavailable", Message: *st.ErrorMessage})
	case userTriggered:
		c.opts.Notifier.Notify(sess.ID, notify.Toast{Level: notify.LevelSuccess, Title: "Document storage is ready"})
	}
}

func (c *Checker) snapshotLocked() Status {
	s := c.st
	s.RetriesExhausted = s.RetryCount >= c.opts.MaxRetries
	switch {
	case s.Loading || s.Creating:
		s.Guidance = GuidanceChecking
	case s.Ready, s.ErrorMessage == nil, s.ErrorKind == KindAuthRequired:
		s.Guidance = ""
	case s.RetriesExhausted:
		s.Guidance = GuidanceCheckSettings
	default:
		s.Guidance = GuidanceInitializing
	}
	return s
}

func (c *Checker) publishLocked() {
	s := c.snapshotLocked()
	for ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func panicMessage(r any) string {
	switch v := r.(type) {
	case error:
		if v.Error() != "" {
			return v.Error()
		}
	case string:
		if v != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	}
	return MsgUnknown
}
