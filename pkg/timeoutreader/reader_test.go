package timeoutreader_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/timeoutreader"
)

// stallingSource never produces data. Read blocks until Close.
type stallingSource struct {
	closes  atomic.Int32
	once    sync.Once
	closeCh chan struct{}
}

func newStallingSource() *stallingSource {
	return &stallingSource{closeCh: make(chan struct{})}
}

func (s *stallingSource) Read([]byte) (int, error) {
	<-s.closeCh
	return 0, io.ErrClosedPipe
}

func (s *stallingSource) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.closeCh) })
	return nil
}

func TestReadPassesThrough(t *testing.T) {
	src := io.NopCloser(strings.NewReader("hello world"))
	r := timeoutreader.New(context.Background(), src, timeoutreader.WithTimeout(time.Second))

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, int64(11), r.Total())
}

func TestReadTimesOut(t *testing.T) {
	const (
		timeout = 200 * time.Millisecond
		poll    = 50 * time.Millisecond
	)
	src := newStallingSource()
	r := timeoutreader.New(context.Background(), src,
		timeoutreader.WithTimeout(timeout),
		timeoutreader.WithPollInterval(poll),
	)

	start := time.Now()
	_, err := r.Read(make([]byte, 16))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, constants.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout-poll)
	assert.Less(t, elapsed, timeout+2*poll)

	require.Eventually(t, func() bool { return src.closes.Load() == 1 }, time.Second, 10*time.Millisecond)

	// Dead from now on, without closing again.
	_, err = r.Read(make([]byte, 16))
	require.ErrorIs(t, err, constants.ErrTimeout)
	time.Sleep(2 * poll)
	assert.Equal(t, int32(1), src.closes.Load())
}

func TestReadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := newStallingSource()
	r := timeoutreader.New(ctx, src, timeoutreader.WithPollInterval(20*time.Millisecond))

	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := r.Read(make([]byte, 16))

	require.ErrorIs(t, err, constants.ErrCancelled)
	assert.NotErrorIs(t, err, constants.ErrTimeout)
	require.Eventually(t, func() bool { return src.closes.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestContextDeadlineIsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := timeoutreader.New(ctx, newStallingSource(), timeoutreader.WithPollInterval(20*time.Millisecond))

	_, err := r.Read(make([]byte, 1))
	require.ErrorIs(t, err, constants.ErrTimeout)
}

func TestConcurrentReadRejected(t *testing.T) {
	src := newStallingSource()
	r := timeoutreader.New(context.Background(), src, timeoutreader.WithTimeout(300*time.Millisecond))

	errs := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 1))
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := r.Read(make([]byte, 1))
		return err == constants.ErrReadInProgress
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, <-errs, constants.ErrTimeout)
}

func TestProgressHook(t *testing.T) {
	var ticks atomic.Int32
	pr, pw := io.Pipe()
	r := timeoutreader.New(context.Background(), pr,
		timeoutreader.WithPollInterval(10*time.Millisecond),
		timeoutreader.WithProgress(func(int64) { ticks.Add(1) }),
	)

	go func() {
		time.Sleep(100 * time.Millisecond)
		pw.Write([]byte("x"))
	}()
	n, err := r.Read(make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Positive(t, ticks.Load())
}

func TestCloseClosesSourceOnce(t *testing.T) {
	src := newStallingSource()
	r := timeoutreader.New(context.Background(), src)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, int32(1), src.closes.Load())

	_, err := r.Read(make([]byte, 1))
	require.Error(t, err)
}
