// Package connection defines the line transport a DIO client speaks over,
// and the provider through which the authentication layer hands out
// connections bound to a session.
package connection

import (
	"bufio"
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/logger"
)

// Connection carries exactly one request and its response. The request is
// written to Writer and flushed, then the response is read from Reader until
// end of stream.
type Connection interface {
	Writer() *bufio.Writer
	Reader() *bufio.Reader
	SetDeadline(t time.Time) error
	Close() error
}

// Provider opens connections for the current session.
type Provider interface {
	IsLoggedIn() bool
	SessionID() string
	Connect(ctx context.Context) (Connection, error)
}

// Session holds the session id issued by the authentication layer.
type Session struct {
	mu sync.RWMutex
	id string
}

func NewSession(id string) *Session {
	return &Session{id: id}
}

func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) IsLoggedIn() bool {
	return s.SessionID() != ""
}

// SetSessionID binds a new session, or logs out when id is empty.
func (s *Session) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

type Config struct {
	URL         url.URL
	Session     *Session
	DialTimeout time.Duration
	Logger      logger.Logger
}

// NewConfig returns a Config for the server at u with no session bound.
func NewConfig(u *url.URL) *Config {
	return &Config{
		URL:         *u,
		Session:     NewSession(""),
		DialTimeout: constants.DefaultDialTimeout,
		Logger:      logger.Nop(),
	}
}

// Once wraps c so that only its first Close reaches the transport.
func Once(c Connection) Connection {
	if o, ok := c.(*onceConn); ok {
		return o
	}
	return &onceConn{Connection: c}
}

type onceConn struct {
	Connection
	once sync.Once
	err  error
}

func (o *onceConn) Close() error {
	o.once.Do(func() {
		o.err = o.Connection.Close()
	})
	return o.err
}
