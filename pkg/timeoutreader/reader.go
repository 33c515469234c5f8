// Package timeoutreader bounds the time a blocking read may take.
//
// Reads that cannot be interrupted are handed to a worker goroutine while the
// caller waits with a deadline. When the deadline passes or the context is
// cancelled, the underlying stream is closed from a detached goroutine, which
// is what finally unblocks the worker. The reader is unusable afterwards.
package timeoutreader

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/logger"
)

var errClosed = errors.New("timeoutreader: closed")

type Option func(r *Reader)

// WithTimeout sets how long a single Read may wait for data. Zero waits
// forever, leaving only context cancellation.
func WithTimeout(d time.Duration) Option {
	return func(r *Reader) {
		r.timeout = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithProgress registers a hook called on every poll tick while a read is
// pending, with the number of bytes delivered so far.
func WithProgress(fn func(read int64)) Option {
	return func(r *Reader) {
		r.progress = fn
	}
}

func WithLogger(l logger.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

type Reader struct {
	ctx      context.Context
	src      io.ReadCloser
	timeout  time.Duration
	poll     time.Duration
	progress func(read int64)
	logger   logger.Logger

	busy  atomic.Bool
	total atomic.Int64

	mu   sync.Mutex
	dead error

	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, src io.ReadCloser, opts ...Option) *Reader {
	r := &Reader{
		ctx:    ctx,
		src:    src,
		poll:   constants.DefaultPollInterval,
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type result struct {
	buf []byte
	err error
}

// Read returns ErrTimeout or ErrCancelled when no data arrived in time, and
// ErrReadInProgress when another Read on the same reader has not returned.
func (r *Reader) Read(p []byte) (int, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return 0, constants.ErrReadInProgress
	}
	defer r.busy.Store(false)

	if err := r.failure(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	// The worker owns buf, so an abandoned worker never writes into p.
	done := make(chan result, 1)
	go func(size int) {
		buf := make([]byte, size)
		n, err := r.src.Read(buf)
		done <- result{buf: buf[:n], err: err}
	}(len(p))

	var deadline <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case res := <-done:
			// A result racing with a close we already triggered is dropped.
			if err := r.failure(); err != nil {
				return 0, err
			}
			n := copy(p, res.buf)
			r.total.Add(int64(n))
			return n, res.err
		case <-r.ctx.Done():
			if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
				return 0, r.abort(constants.ErrTimeout)
			}
			return 0, r.abort(constants.ErrCancelled)
		case <-deadline:
			return 0, r.abort(constants.ErrTimeout)
		case <-ticker.C:
			if r.progress != nil {
				r.progress(r.total.Load())
			}
		}
	}
}

// Total is the number of bytes delivered to callers so far.
func (r *Reader) Total() int64 {
	return r.total.Load()
}

// Close closes the underlying stream. Later reads fail.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.dead == nil {
		r.dead = errClosed
	}
	r.mu.Unlock()
	r.closeSource()
	return r.closeErr
}

func (r *Reader) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead
}

func (r *Reader) abort(cause error) error {
	r.mu.Lock()
	if r.dead == nil {
		r.dead = cause
	}
	err := r.dead
	r.mu.Unlock()

	r.logger.Debug("aborting stream read", "cause", cause, "read", r.total.Load())
	go r.closeSource()
	return err
}

func (r *Reader) closeSource() {
	r.closeOnce.Do(func() {
		r.closeErr = r.src.Close()
	})
}
