package client_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/connection"
)

// scriptedProvider answers every exchange with the same canned response and
// records what the client wrote.
type scriptedProvider struct {
	*connection.Session
	response string
	// stall makes the connection block after the response until closed.
	stall bool
	// socketTimeout makes reads past the response fail with a socket
	// deadline error that does not wrap os.ErrDeadlineExceeded.
	socketTimeout bool
	// failWrites makes every write that reaches the socket fail.
	failWrites bool
	dialErr    error

	mu    sync.Mutex
	conns []*scriptedConn
}

func newScripted(response string) *scriptedProvider {
	return &scriptedProvider{Session: connection.NewSession("S1"), response: response}
}

func (p *scriptedProvider) Connect(context.Context) (connection.Connection, error) {
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	c := &scriptedConn{closed: make(chan struct{})}
	var src io.Reader = strings.NewReader(p.response)
	if p.stall {
		src = io.MultiReader(src, &stallReader{closed: c.closed})
	}
	if p.socketTimeout {
		src = io.MultiReader(src, timeoutReader{})
	}
	c.w = bufio.NewWriter(&c.req)
	if p.failWrites {
		c.w = bufio.NewWriterSize(brokenWriter{}, 16)
	}
	c.r = bufio.NewReader(src)

	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

func (p *scriptedProvider) last() *scriptedConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[len(p.conns)-1]
}

func (p *scriptedProvider) connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

type scriptedConn struct {
	req    bytes.Buffer
	w      *bufio.Writer
	r      *bufio.Reader
	closes atomic.Int32
	once   sync.Once
	closed chan struct{}
}

func (c *scriptedConn) Writer() *bufio.Writer       { return c.w }
func (c *scriptedConn) Reader() *bufio.Reader       { return c.r }
func (c *scriptedConn) SetDeadline(time.Time) error { return nil }

func (c *scriptedConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) request() string {
	return c.req.String()
}

type stallReader struct {
	closed chan struct{}
}

func (s *stallReader) Read([]byte) (int, error) {
	<-s.closed
	return 0, io.ErrClosedPipe
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "read tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type timeoutReader struct{}

func (timeoutReader) Read([]byte) (int, error) {
	return 0, timeoutError{}
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, io.ErrClosedPipe
}
