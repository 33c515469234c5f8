// Package gorillaws provides a Provider that carries each exchange over its
// own WebSocket.
//
// The buffered request is sent as a single text message when the response is
// first read. Response messages are concatenated into one stream, and the
// server's close frame marks its end.
package gorillaws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/connection"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/logger"
)

// closeTimeout bounds the wait for the close frame to be written.
const closeTimeout = time.Second

type Provider struct {
	*connection.Session
	url    string
	dialer *gorilla.Dialer
	logger logger.Logger
}

// New dials cfg.URL with the path replaced by /dio.
func New(cfg *connection.Config) *Provider {
	session := cfg.Session
	if session == nil {
		session = connection.NewSession("")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	u := url.URL{Scheme: cfg.URL.Scheme, Host: cfg.URL.Host, Path: constants.WebSocketPath}
	return &Provider{
		Session: session,
		url:     u.String(),
		dialer: &gorilla.Dialer{
			Proxy:            gorilla.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: lg,
	}
}

func (p *Provider) Connect(ctx context.Context) (connection.Connection, error) {
	ws, res, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrServerUnreachable, err)
	}
	res.Body.Close()

	c := &conn{ws: ws, logger: p.logger}
	c.w = bufio.NewWriter(&c.request)
	c.r = bufio.NewReader(&messageReader{c: c})
	return c, nil
}

type conn struct {
	ws      *gorilla.Conn
	logger  logger.Logger
	request bytes.Buffer
	w       *bufio.Writer
	r       *bufio.Reader
}

func (c *conn) Writer() *bufio.Writer { return c.w }

func (c *conn) Reader() *bufio.Reader { return c.r }

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetWriteDeadline(t); err != nil {
		return err
	}
	return c.ws.SetReadDeadline(t)
}

func (c *conn) Close() error {
	msg := gorilla.FormatCloseMessage(constants.CloseMessageCode, "")
	err := c.ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(closeTimeout))
	if err != nil && !errors.Is(err, gorilla.ErrCloseSent) {
		c.logger.Debug("failed to write close message", "error", err)
	}
	return c.ws.Close()
}

// messageReader turns the response messages of one socket into a stream.
type messageReader struct {
	c    *conn
	sent bool
	cur  io.Reader
}

func (m *messageReader) Read(p []byte) (int, error) {
	if !m.sent {
		m.sent = true
		if err := m.c.w.Flush(); err != nil {
			return 0, err
		}
		if err := m.c.ws.WriteMessage(gorilla.TextMessage, m.c.request.Bytes()); err != nil {
			return 0, err
		}
		m.c.request.Reset()
	}
	for {
		if m.cur == nil {
			_, r, err := m.c.ws.NextReader()
			if err != nil {
				if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway, gorilla.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			m.cur = r
		}
		n, err := m.cur.Read(p)
		if err == io.EOF {
			m.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}
